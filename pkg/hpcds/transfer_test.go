package hpcds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/stretchr/testify/require"
)

func ramp(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i * 3)
	}
	return out
}

func putRamp(t *testing.T, put func(string, Point3D, *block.Block) error, c Block6D) []uint16 {
	t.Helper()
	samples := ramp(64)
	b, err := FromSamples(c, Point3D{X: 4, Y: 4, Z: 4}, samples)
	require.NoError(t, err)
	require.NoError(t, put("ds", one(), b))
	return samples
}

func TestReadSingleBlock(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t, func(cfg *Config) { cfg.LeaseTimeout = 5 * time.Second })
	want := putRamp(t, srv.PutBlock, Block6D{})

	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)

	b, err := bc.Read(ctx, Block6D{})
	require.NoError(t, err)
	require.Equal(t, Point3D{X: 4, Y: 4, Z: 4}, b.Size)
	require.Equal(t, Uint16, b.Type)
	require.False(t, b.Absent())

	got, err := Samples[uint16](b)
	require.NoError(t, err)
	require.Equal(t, want, got)

	leases := srv.Requests("/datasets/ds/1/1/1/latest/read")
	require.Len(t, leases, 1)
	require.True(t, strings.HasSuffix(leases[0], "?timeout=5000"), leases[0])
	require.Len(t, srv.Requests("/0/0/0/0/0/0"), 1)
}

func TestReadAbsentBlock(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)

	b, err := bc.Read(ctx, Block6D{X: 7, Y: 1})
	require.NoError(t, err)
	require.True(t, b.Absent())
	require.True(t, IsAbsent(b.Size))
	require.Empty(t, b.Data)
	require.Equal(t, Block6D{X: 7, Y: 1}, b.Coordinate)
}

func TestReadManyCoversEveryInput(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t, func(cfg *Config) { cfg.MaxURLLength = 2000 })
	putRamp(t, srv.PutBlock, Block6D{X: 3})

	coords := make([]Block6D, 5000)
	for i := range coords {
		coords[i] = Block6D{X: i % 50, Y: i / 50}
	}

	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	blocks, err := bc.ReadMany(ctx, coords)
	require.NoError(t, err)
	require.Len(t, blocks, 5000)

	batches := srv.Requests("GET /endpoints/")
	require.Greater(t, len(batches), 1)
	prefix := bc.Endpoint() + "/1/1/1"
	total := 0
	for i, r := range batches {
		full := srv.URL + strings.TrimPrefix(r, "GET ")
		require.True(t, strings.HasPrefix(full, prefix), full)
		segments := strings.Split(strings.TrimPrefix(full, prefix+"/"), "/")
		require.Zero(t, len(segments)%6, full)
		total += len(segments) / 6

		if i == len(batches)-1 {
			// The final coordinate is always folded into the last batch.
			require.LessOrEqual(t, len(full), 2000+len("/49/99/0/0/0/0"))
			continue
		}
		require.LessOrEqual(t, len(full), 2000)
		// Batches are packed greedily: the next fragment would not fit.
		require.Greater(t, len(full)+len("/49/99/0/0/0/0"), 2000)
	}
	require.Equal(t, 5000, total)

	require.False(t, blocks[Block6D{X: 3}].Absent())
	require.True(t, blocks[Block6D{X: 4}].Absent())
	for _, coord := range coords {
		require.Equal(t, coord, blocks[coord].Coordinate)
	}
}

func TestReadManyMatchesSingleReads(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t, func(cfg *Config) { cfg.MaxURLLength = 120 })
	putRamp(t, srv.PutBlock, Block6D{X: 1, Channel: 2})
	putRamp(t, srv.PutBlock, Block6D{Z: 5})

	coords := []Block6D{{X: 1, Channel: 2}, {Z: 5}, {X: 9}, {Y: 2, Angle: 1}, {X: 1, Channel: 2}}
	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)

	many, err := bc.ReadMany(ctx, coords)
	require.NoError(t, err)
	require.Len(t, many, 4)

	for _, coord := range coords {
		single, err := bc.Read(ctx, coord)
		require.NoError(t, err)
		require.Equal(t, single.Size, many[coord].Size)
		require.Equal(t, single.Data, many[coord].Data)
	}
}

func TestReadManyEmpty(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)
	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)

	blocks, err := bc.ReadMany(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, blocks)
	require.Empty(t, srv.Requests("/endpoints/"))
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)

	bc, err := c.Open(ctx, Point3D{X: 2, Y: 2, Z: 1}, VersionNumber(3), AccessReadWrite)
	require.NoError(t, err)

	coord := Block6D{X: 1, Y: 2, Z: 3, Time: 4, Channel: 5, Angle: 6}
	samples := ramp(2 * 3 * 4)
	b, err := FromSamples(coord, Point3D{X: 2, Y: 3, Z: 4}, samples)
	require.NoError(t, err)
	require.NoError(t, bc.Write(ctx, coord, b))

	writes := srv.Requests("POST /endpoints/")
	require.Len(t, writes, 1)
	require.True(t, strings.HasSuffix(writes[0], "/1/2/3/4/5/6"), writes[0])

	encoded, err := b.Encode()
	require.NoError(t, err)
	require.Equal(t, encoded, srv.BlockBytes("ds", Point3D{X: 2, Y: 2, Z: 1}, coord))

	got, err := bc.Read(ctx, coord)
	require.NoError(t, err)
	require.Equal(t, b.Size, got.Size)
	back, err := Samples[uint16](got)
	require.NoError(t, err)
	require.Equal(t, samples, back)
}

func TestAccessDenied(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)

	ro, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	b, err := FromSamples(Block6D{}, Point3D{X: 1, Y: 1, Z: 1}, []uint16{1})
	require.NoError(t, err)
	require.ErrorIs(t, ro.Write(ctx, Block6D{}, b), ErrAccessDenied)

	wo, err := c.Open(ctx, one(), Latest, AccessWrite)
	require.NoError(t, err)
	_, err = wo.Read(ctx, Block6D{})
	require.ErrorIs(t, err, ErrAccessDenied)
	_, err = wo.ReadMany(ctx, []Block6D{{}})
	require.ErrorIs(t, err, ErrAccessDenied)

	require.Empty(t, srv.Requests("/endpoints/"))
}

func TestWriteValidatesBeforeSending(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)
	bc, err := c.Open(ctx, one(), Latest, AccessWrite)
	require.NoError(t, err)

	short := &Block{Size: Point3D{X: 2, Y: 2, Z: 2}, Type: Uint16, Data: make([]byte, 10)}
	require.ErrorIs(t, bc.Write(ctx, Block6D{}, short), ErrSizeMismatch)

	wrongType, err := FromSamples(Block6D{}, Point3D{X: 1, Y: 1, Z: 1}, []float32{1.5})
	require.NoError(t, err)
	require.ErrorIs(t, bc.Write(ctx, Block6D{}, wrongType), ErrVoxelTypeMismatch)

	absent := &Block{Size: Point3D{X: -1, Y: -1, Z: -1}, Type: Uint16}
	require.ErrorIs(t, bc.Write(ctx, Block6D{}, absent), ErrSizeMismatch)

	require.Error(t, bc.Write(ctx, Block6D{X: -1}, nil))
	require.Empty(t, srv.Requests("POST /endpoints/"))
}

func TestWriteStatusError(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)
	srv.WriteStatus = http.StatusInsufficientStorage

	bc, err := c.Open(ctx, one(), Latest, AccessWrite)
	require.NoError(t, err)
	b, err := FromSamples(Block6D{}, Point3D{X: 1, Y: 1, Z: 1}, []uint16{42})
	require.NoError(t, err)

	err = bc.Write(ctx, Block6D{}, b)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusInsufficientStorage, se.Status)
	require.Equal(t, "write", se.Op)
}

func TestExpiredLeaseIsRenewed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c, srv := newTestClient(t, func(cfg *Config) {
		cfg.LeaseTimeout = 10 * time.Second
		cfg.Now = clock.Now
	})

	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	first := bc.Endpoint()

	_, err = bc.Read(ctx, Block6D{})
	require.NoError(t, err)
	require.Equal(t, 1, srv.Leases())

	clock.Advance(10 * time.Second)
	_, err = bc.Read(ctx, Block6D{})
	require.NoError(t, err)
	require.Equal(t, 2, srv.Leases())
	require.NotEqual(t, first, bc.Endpoint())
}

func TestStopEndsClient(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)

	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	require.NoError(t, bc.Stop(ctx))
	require.NoError(t, bc.Stop(ctx))
	require.Equal(t, 1, srv.Stops())

	_, err = bc.Read(ctx, Block6D{})
	require.ErrorIs(t, err, ErrLeaseExpired)
	_, err = bc.ReadMany(ctx, []Block6D{{}})
	require.ErrorIs(t, err, ErrLeaseExpired)

	// A fresh Open acquires a new lease.
	again, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	_, err = again.Read(ctx, Block6D{})
	require.NoError(t, err)
	require.Equal(t, 2, srv.Leases())
}

func TestOpenSharesLease(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)

	var wg sync.WaitGroup
	clients := make([]*BlockClient, 16)
	errs := make([]error, 16)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = c.Open(ctx, one(), Latest, AccessRead)
		}(i)
	}
	wg.Wait()

	for i := range clients {
		require.NoError(t, errs[i])
		require.Equal(t, clients[0].Endpoint(), clients[i].Endpoint())
	}
	require.Equal(t, 1, srv.Leases())

	_, err := c.Open(ctx, one(), Latest, AccessReadWrite)
	require.NoError(t, err)
	require.Equal(t, 2, srv.Leases())
}

func TestOpenLeaseRejected(t *testing.T) {
	c, srv := newTestClient(t)
	srv.LeaseStatus = http.StatusServiceUnavailable

	_, err := c.Open(context.Background(), one(), Latest, AccessRead)
	require.ErrorIs(t, err, ErrLeaseAcquisitionFailed)
	var le *LeaseAcquisitionError
	require.ErrorAs(t, err, &le)
	require.Equal(t, http.StatusServiceUnavailable, le.Status)
}

func TestOpenValidatesBeforeRequest(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)

	_, err := c.Open(ctx, one(), Latest, AccessMode(0))
	require.ErrorIs(t, err, ErrInvalidAccessMode)
	_, err = c.Open(ctx, one(), Version{Name: "newest"}, AccessRead)
	require.ErrorIs(t, err, ErrInvalidVersion)
	_, err = c.Open(ctx, one(), VersionNumber(-2), AccessRead)
	require.ErrorIs(t, err, ErrInvalidVersion)
	require.Empty(t, srv.Requests(""))

	c.SetDataset("")
	_, err = c.Open(ctx, one(), Latest, AccessRead)
	require.ErrorIs(t, err, ErrInvalidDataset)
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{ServerURL: url, Dataset: "ds"})
	require.NoError(t, err)
	_, err = c.Open(context.Background(), one(), Latest, AccessRead)
	require.ErrorIs(t, err, ErrNetworkFailure)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
}

func TestTruncatedBatch(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/datasets/ds":
			w.Write([]byte(`{"voxelType":"uint16"}`))
		case strings.HasPrefix(r.URL.Path, "/datasets/ds/"):
			w.Header().Set("Location", srv.URL+"/ep/")
			w.WriteHeader(http.StatusTemporaryRedirect)
		case strings.HasPrefix(r.URL.Path, "/ep/"):
			// Header announces 4x4x4 but only ten payload bytes follow.
			out := block.AppendHeader(nil, Point3D{X: 4, Y: 4, Z: 4})
			w.Write(append(out, make([]byte, 10)...))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := New(Config{ServerURL: srv.URL, Dataset: "ds", HTTPClient: srv.Client()})
	require.NoError(t, err)
	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/ep", bc.Endpoint())

	_, err = bc.ReadMany(ctx, []Block6D{{}, {X: 1}})
	require.ErrorIs(t, err, ErrTruncatedPayload)

	// Decode failures leave the lease in place.
	_, err = bc.Read(ctx, Block6D{})
	require.True(t, errors.Is(err, ErrTruncatedPayload))
}

func TestResponseBlockCountMustMatch(t *testing.T) {
	// Every endpoint request is answered with two absent blocks.
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/datasets/ds":
			w.Write([]byte(`{"voxelType":"uint8"}`))
		case strings.HasPrefix(r.URL.Path, "/datasets/ds/"):
			w.Header().Set("Location", srv.URL+"/ep")
			w.WriteHeader(http.StatusTemporaryRedirect)
		case strings.HasPrefix(r.URL.Path, "/ep/"):
			absent := Point3D{X: -1, Y: -1, Z: -1}
			w.Write(block.AppendHeader(block.AppendHeader(nil, absent), absent))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := New(Config{ServerURL: srv.URL, Dataset: "ds", HTTPClient: srv.Client()})
	require.NoError(t, err)
	bc, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)

	_, err = bc.Read(ctx, Block6D{})
	require.ErrorContains(t, err, "trailing bytes")

	got, err := bc.ReadMany(ctx, []Block6D{{}, {X: 1}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[Block6D{X: 1}].Absent())

	_, err = bc.ReadMany(ctx, []Block6D{{}, {X: 1}, {X: 2}})
	require.ErrorContains(t, err, "answered with 2")

	_, err = bc.ReadMany(ctx, []Block6D{{}})
	require.ErrorContains(t, err, "answered with 2")
}

func TestJournalSharesLeaseAcrossClients(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.db")
	first, srv := newTestClient(t, func(cfg *Config) { cfg.JournalPath = path })

	bc, err := first.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	endpoint := bc.Endpoint()
	require.NoError(t, first.Detach())

	second, err := New(Config{
		ServerURL:   srv.URL,
		Dataset:     "ds",
		HTTPClient:  srv.Client(),
		JournalPath: path,
	})
	require.NoError(t, err)
	reused, err := second.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	require.Equal(t, endpoint, reused.Endpoint())
	require.Equal(t, 1, srv.Leases())

	require.NoError(t, second.Close(ctx))
	require.Equal(t, 1, srv.Stops())
}

func TestCloseStopsLeases(t *testing.T) {
	ctx := context.Background()
	c, srv := newTestClient(t)

	_, err := c.Open(ctx, one(), Latest, AccessRead)
	require.NoError(t, err)
	_, err = c.Open(ctx, Point3D{X: 2, Y: 2, Z: 2}, Latest, AccessRead)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	require.Equal(t, 2, srv.Stops())
}
