// Package s3util builds S3-compatible clients (AWS S3, MinIO, Cloudflare R2)
// for the block archive.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/hpcds/internal/config"
)

// Client pairs an S3 client with the archive bucket it serves.
type Client struct {
	S3     *s3.Client
	Bucket string
}

// NewClient resolves AWS configuration for cfg. Static keys take precedence
// over the default credential chain.
func NewClient(ctx context.Context, cfg config.ArchiveConfig) (*Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Client{
		S3:     s3.NewFromConfig(awsCfg, Options(cfg)...),
		Bucket: cfg.Bucket,
	}, nil
}

// Options returns the per-client overrides for custom endpoints.
func Options(cfg config.ArchiveConfig) []func(*s3.Options) {
	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return opts
}

// Ping checks that the archive bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.Bucket)}); err != nil {
		return fmt.Errorf("bucket %s: %w", c.Bucket, err)
	}
	return nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
// It reports whether a bucket was created.
func (c *Client) EnsureBucket(ctx context.Context) (bool, error) {
	_, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.Bucket)})
	if err == nil {
		return false, nil
	}
	if !isNotFound(err) {
		return false, fmt.Errorf("bucket %s: %w", c.Bucket, err)
	}
	if _, err := c.S3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.Bucket)}); err != nil {
		return false, fmt.Errorf("creating bucket %s: %w", c.Bucket, err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}
