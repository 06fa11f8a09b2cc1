package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/config"
	"github.com/gftdcojp/hpcds/internal/metrics"
	"github.com/gftdcojp/hpcds/internal/types"
	"github.com/gftdcojp/hpcds/internal/voxel"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used by the archive.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

const metaVoxelType = "hpcds-voxel-type"

// Ref locates one archived block.
type Ref struct {
	Dataset    string
	Resolution types.Point3D
	Version    types.Version
	Coordinate types.Block6D
}

// Store keeps encoded blocks in S3-compatible object storage.
type Store struct {
	s3     S3API
	bucket string
	cfg    config.ArchiveConfig
	logger *zap.Logger
}

// NewStore creates a new archive using an S3API implementation.
func NewStore(s3api S3API, cfg config.ArchiveConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		s3:     s3api,
		bucket: cfg.Bucket,
		cfg:    cfg,
		logger: logger.Named("archive"),
	}
}

// ObjectKey returns {prefix}/{dataset}/{rx}_{ry}_{rz}/{version}/{x}_{y}_{z}_{t}_{c}_{a}.blk.
func (s *Store) ObjectKey(ref Ref) string {
	c := ref.Coordinate
	key := fmt.Sprintf("%s/%d_%d_%d/%s/%d_%d_%d_%d_%d_%d.blk",
		ref.Dataset,
		ref.Resolution.X, ref.Resolution.Y, ref.Resolution.Z,
		ref.Version,
		c.X, c.Y, c.Z, c.Time, c.Channel, c.Angle)
	if s.cfg.Prefix != "" {
		return s.cfg.Prefix + "/" + key
	}
	return key
}

// Put uploads the encoded block. Absent blocks carry no data and are skipped.
func (s *Store) Put(ctx context.Context, ref Ref, b *block.Block) error {
	if b.Absent() {
		s.logger.Debug("skipping absent block", zap.Stringer("coordinate", ref.Coordinate))
		return nil
	}
	raw, err := b.Encode()
	if err != nil {
		return fmt.Errorf("encoding block for archive: %w", err)
	}

	key := s.ObjectKey(ref)
	input := &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"hpcds-dataset": ref.Dataset,
			"hpcds-version": ref.Version.String(),
			"hpcds-size":    fmt.Sprintf("%d,%d,%d", b.Size.X, b.Size.Y, b.Size.Z),
			metaVoxelType:   b.Type.String(),
		},
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	start := time.Now()
	_, err = s.s3.PutObject(ctx, input)
	metrics.ArchiveUploadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("error").Inc()
		return fmt.Errorf("uploading block to S3: %w", err)
	}
	metrics.ArchiveUploads.WithLabelValues("ok").Inc()

	s.logger.Debug("block archived",
		zap.String("key", key),
		zap.Int("size", len(raw)),
	)
	return nil
}

// Get downloads and decodes an archived block.
func (s *Store) Get(ctx context.Context, ref Ref) (*block.Block, error) {
	key := s.ObjectKey(ref)
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading block from S3: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 response: %w", err)
	}

	vt, err := voxel.Lookup(resp.Metadata[metaVoxelType])
	if err != nil {
		return nil, fmt.Errorf("archived block %s: %w", key, err)
	}
	b, next, err := block.DecodeAt(raw, 0, vt)
	if err != nil {
		return nil, fmt.Errorf("decoding archived block %s: %w", key, err)
	}
	if next != len(raw) {
		return nil, fmt.Errorf("archived block %s has %d trailing bytes", key, len(raw)-next)
	}
	b.Coordinate = ref.Coordinate
	return b, nil
}

// Exists reports whether the block has been archived.
func (s *Store) Exists(ctx context.Context, ref Ref) (bool, error) {
	key := s.ObjectKey(ref)
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an archived block.
func (s *Store) Delete(ctx context.Context, ref Ref) error {
	key := s.ObjectKey(ref)
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("deleting block from S3: %w", err)
	}
	return nil
}
