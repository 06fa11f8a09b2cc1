package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/hpcds/internal/dstest"
	"github.com/gftdcojp/hpcds/internal/lease"
	"github.com/gftdcojp/hpcds/internal/meta"
	"github.com/gftdcojp/hpcds/internal/types"
	"github.com/gftdcojp/hpcds/internal/voxel"
	"go.uber.org/zap"
)

func newTestMeta(t *testing.T) meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := meta.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestManager_GCCycle_DeletesExpired(t *testing.T) {
	journal := newTestMeta(t)
	now := time.Unix(1700000000, 0)
	mgr := NewManager(journal, func() time.Time { return now }, zap.NewNop())
	ctx := context.Background()

	journal.RecordLease(ctx, meta.LeaseRecord{Dataset: "ds", Key: "old", ExpiresAt: now.Add(-time.Second)})
	journal.RecordLease(ctx, meta.LeaseRecord{Dataset: "ds", Key: "fresh", ExpiresAt: now.Add(time.Hour)})
	journal.RecordLease(ctx, meta.LeaseRecord{Dataset: "ds", Key: "unbounded"})

	if err := mgr.gcCycle(ctx); err != nil {
		t.Fatal(err)
	}

	if rec, _ := journal.LookupLease(ctx, "ds", "old"); rec != nil {
		t.Error("expected expired lease to be removed")
	}
	for _, k := range []string{"fresh", "unbounded"} {
		if rec, _ := journal.LookupLease(ctx, "ds", k); rec == nil {
			t.Errorf("lease %q should be kept", k)
		}
	}
}

func TestManager_Run_CancelStops(t *testing.T) {
	mgr := NewManager(newTestMeta(t), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mgr.Run(ctx, 100*time.Millisecond)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	err := <-done
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCollectOrphans(t *testing.T) {
	srv := dstest.NewServer()
	defer srv.Close()
	base := srv.AddDataset("ds", voxel.Uint8)

	journal := newTestMeta(t)
	lm := lease.NewManager(lease.Options{})
	ctx := context.Background()
	cache := lease.NewSessionCache(lm, lease.SessionConfig{BaseURL: base, Dataset: "ds", Timeout: time.Hour, Journal: journal})

	live := lease.Key{Resolution: types.Point3D{X: 1, Y: 1, Z: 1}, Version: types.Latest, Access: types.AccessRead}
	dead := live
	dead.Access = types.AccessWrite
	if _, err := cache.Get(ctx, live); err != nil {
		t.Fatal(err)
	}
	l, err := cache.Get(ctx, dead)
	if err != nil {
		t.Fatal(err)
	}
	// Stop the endpoint behind the journal's back.
	if err := lm.Stop(ctx, l); err != nil {
		t.Fatal(err)
	}

	n, err := CollectOrphans(ctx, journal, lm, "ds", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan collected, got %d", n)
	}
	if rec, _ := journal.LookupLease(ctx, "ds", live.String()); rec == nil {
		t.Error("live lease was removed")
	}
	if rec, _ := journal.LookupLease(ctx, "ds", dead.String()); rec != nil {
		t.Error("orphaned lease was kept")
	}
}

func TestCollectOrphansKeepsUnboundedServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"serverTimeout":-1}`))
	}))
	defer srv.Close()

	journal := newTestMeta(t)
	lm := lease.NewManager(lease.Options{HTTPClient: srv.Client()})
	ctx := context.Background()

	key := lease.Key{Resolution: types.Point3D{X: 1, Y: 1, Z: 1}, Version: types.Latest, Access: types.AccessRead}
	err := journal.RecordLease(ctx, meta.LeaseRecord{
		Dataset:    "ds",
		Key:        key.String(),
		BaseURL:    srv.URL + "/datasets/ds",
		Endpoint:   srv.URL + "/ep",
		Resolution: [3]int{1, 1, 1},
		Version:    "latest",
		Access:     "read",
		Timeout:    time.Minute,
		ExpiresAt:  lm.Now().Add(time.Minute),
		AcquiredAt: lm.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := CollectOrphans(ctx, journal, lm, "ds", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected nothing collected, got %d", n)
	}
	rec, err := journal.LookupLease(ctx, "ds", key.String())
	if err != nil || rec == nil {
		t.Fatalf("lease record missing: %v", err)
	}
	if rec.Bounded() {
		t.Errorf("record should have lost its deadline, expires %v", rec.ExpiresAt)
	}

	// Without a deadline the record survives expiry GC.
	if _, err := journal.DeleteExpired(ctx, lm.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if rec, _ := journal.LookupLease(ctx, "ds", key.String()); rec == nil {
		t.Error("unbounded record removed by expiry GC")
	}
}
