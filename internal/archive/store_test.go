package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/config"
	"github.com/gftdcojp/hpcds/internal/types"
	"go.uber.org/zap"
)

type object struct {
	data     []byte
	metadata map[string]string
	class    s3types.StorageClass
}

// mockS3 is an in-memory S3 implementation for testing.
type mockS3 struct {
	mu      sync.RWMutex
	objects map[string]object
	putErr  error
	headErr error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string]object)}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(params.Body)
	m.mu.Lock()
	m.objects[*params.Key] = object{data: data, metadata: params.Metadata, class: params.StorageClass}
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.RLock()
	obj, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.metadata,
	}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, *params.Key)
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.RLock()
	_, ok := m.objects[*params.Key]
	m.mu.RUnlock()
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func newTestArchive(t *testing.T, cfg config.ArchiveConfig) (*Store, *mockS3) {
	t.Helper()
	mock := newMockS3()
	cfg.Bucket = "test-bucket"
	return NewStore(mock, cfg, zap.NewNop()), mock
}

func testRef() Ref {
	return Ref{
		Dataset:    "ds-1",
		Resolution: types.Point3D{X: 2, Y: 2, Z: 1},
		Version:    types.VersionNumber(3),
		Coordinate: types.Block6D{X: 1, Y: 2, Z: 3, Time: 4, Channel: 5, Angle: 6},
	}
}

func TestObjectKey(t *testing.T) {
	store, _ := newTestArchive(t, config.ArchiveConfig{Prefix: "archive"})
	want := "archive/ds-1/2_2_1/3/1_2_3_4_5_6.blk"
	if got := store.ObjectKey(testRef()); got != want {
		t.Errorf("expected key %q, got %q", want, got)
	}

	bare, _ := newTestArchive(t, config.ArchiveConfig{})
	if got := bare.ObjectKey(testRef()); !strings.HasPrefix(got, "ds-1/") {
		t.Errorf("expected unprefixed key, got %q", got)
	}
}

func TestArchive_PutGet(t *testing.T) {
	store, mock := newTestArchive(t, config.ArchiveConfig{Prefix: "p", StorageClass: "STANDARD_IA"})
	ctx := context.Background()
	ref := testRef()

	samples := []int16{-3, -2, -1, 0, 1, 2, 3, 4}
	b, err := block.FromSamples(ref.Coordinate, types.Point3D{X: 2, Y: 2, Z: 2}, samples)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, ref, b); err != nil {
		t.Fatal(err)
	}

	obj := mock.objects[store.ObjectKey(ref)]
	if len(obj.data) != block.HeaderSize+16 {
		t.Errorf("expected %d stored bytes, got %d", block.HeaderSize+16, len(obj.data))
	}
	if obj.class != s3types.StorageClassStandardIa {
		t.Errorf("expected storage class STANDARD_IA, got %q", obj.class)
	}

	got, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if got.Coordinate != ref.Coordinate || got.Size != b.Size {
		t.Errorf("unexpected block %s %s", got.Coordinate, got.Size)
	}
	out, err := block.Samples[int16](got)
	if err != nil {
		t.Fatal(err)
	}
	for i := range samples {
		if out[i] != samples[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, samples[i], out[i])
		}
	}
}

func TestArchive_SkipsAbsent(t *testing.T) {
	store, mock := newTestArchive(t, config.ArchiveConfig{})
	absent := &block.Block{Size: types.AbsentSize}
	if err := store.Put(context.Background(), testRef(), absent); err != nil {
		t.Fatal(err)
	}
	if len(mock.objects) != 0 {
		t.Errorf("absent block must not be uploaded")
	}
}

func TestArchive_PutError(t *testing.T) {
	store, mock := newTestArchive(t, config.ArchiveConfig{})
	mock.putErr = errors.New("slow down")
	b, _ := block.FromSamples(types.Block6D{}, types.Point3D{X: 1, Y: 1, Z: 1}, []uint8{1})
	if err := store.Put(context.Background(), testRef(), b); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestArchive_ExistsDelete(t *testing.T) {
	store, mock := newTestArchive(t, config.ArchiveConfig{})
	ctx := context.Background()
	ref := testRef()

	exists, err := store.Exists(ctx, ref)
	if err != nil || exists {
		t.Fatalf("expected not exists before put, got %v, %v", exists, err)
	}

	b, _ := block.FromSamples(ref.Coordinate, types.Point3D{X: 1, Y: 1, Z: 1}, []float32{1.5})
	if err := store.Put(ctx, ref, b); err != nil {
		t.Fatal(err)
	}
	if exists, _ := store.Exists(ctx, ref); !exists {
		t.Fatal("expected exists after put")
	}

	if err := store.Delete(ctx, ref); err != nil {
		t.Fatal(err)
	}
	if exists, _ := store.Exists(ctx, ref); exists {
		t.Fatal("expected not exists after delete")
	}

	mock.headErr = errors.New("access denied")
	if _, err := store.Exists(ctx, ref); err == nil {
		t.Fatal("expected error to surface for non-404 failures")
	}
}

func TestArchive_GetMissing(t *testing.T) {
	store, _ := newTestArchive(t, config.ArchiveConfig{})
	if _, err := store.Get(context.Background(), testRef()); err == nil {
		t.Fatal("expected error for missing object")
	}
}
