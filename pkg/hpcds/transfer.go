package hpcds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/lease"
	"github.com/gftdcojp/hpcds/internal/metrics"
	"github.com/gftdcojp/hpcds/internal/voxel"
	"go.uber.org/zap"
)

// BlockClient reads and writes blocks through one leased endpoint. Requests
// are serialized: a BlockClient never has two requests in flight.
type BlockClient struct {
	sessions *lease.SessionCache
	key      lease.Key
	http     *http.Client
	token    string
	planner  *block.Planner
	vt       voxel.Type
	dataset  string
	logger   *zap.Logger

	mu      sync.Mutex
	lease   *lease.Lease
	stopped bool
}

func (c *BlockClient) Dataset() string     { return c.dataset }
func (c *BlockClient) Resolution() Point3D { return c.key.Resolution }
func (c *BlockClient) Version() Version    { return c.key.Version }
func (c *BlockClient) Access() AccessMode  { return c.key.Access }
func (c *BlockClient) VoxelType() VoxelType {
	return c.vt
}

// Endpoint returns the URL of the currently held lease.
func (c *BlockClient) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease.Endpoint
}

// Read fetches the block at coordinate bc. A block the server holds no data
// for is returned with an absent size and no payload.
func (c *BlockClient) Read(ctx context.Context, bc Block6D) (*Block, error) {
	if !c.key.Access.CanRead() {
		return nil, fmt.Errorf("%w: read on a %s session", ErrAccessDenied, c.key.Access)
	}
	if err := bc.Validate(); err != nil {
		return nil, fmt.Errorf("hpcds: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	endpoint, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, "read", http.MethodGet, endpoint+bc.URLPart(), nil)
	if err != nil {
		return nil, err
	}
	b, next, err := block.DecodeAt(raw, 0, c.vt)
	if err != nil {
		return nil, fmt.Errorf("hpcds: decoding block %s: %w", bc, err)
	}
	if next != len(raw) {
		return nil, fmt.Errorf("hpcds: block %s left %d trailing bytes", bc, len(raw)-next)
	}
	b.Coordinate = bc
	if b.Absent() {
		metrics.AbsentBlocks.Inc()
	}
	return b, nil
}

// ReadMany fetches every coordinate in coords, packing as many as the URL
// length bound allows into each request. Batches are issued in input order.
// The result holds one entry per distinct coordinate.
func (c *BlockClient) ReadMany(ctx context.Context, coords []Block6D) (map[Block6D]*Block, error) {
	if !c.key.Access.CanRead() {
		return nil, fmt.Errorf("%w: read on a %s session", ErrAccessDenied, c.key.Access)
	}
	for _, bc := range coords {
		if err := bc.Validate(); err != nil {
			return nil, fmt.Errorf("hpcds: %w", err)
		}
	}
	out := make(map[Block6D]*Block, len(coords))
	if len(coords) == 0 {
		return out, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	endpoint, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	batches := c.planner.Plan(endpoint, coords)
	c.logger.Debug("reading blocks",
		zap.Int("blocks", len(coords)), zap.Int("batches", len(batches)))

	for i, batch := range batches {
		// Long reads may outlive the lease; replan the rest on a fresh one.
		if i > 0 && !c.sessions.Manager().IsActive(c.lease) {
			return c.readRest(ctx, batches[i:], out)
		}
		if err := c.readBatch(ctx, batch, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *BlockClient) readRest(ctx context.Context, rest []block.Batch, out map[Block6D]*Block) (map[Block6D]*Block, error) {
	var remaining []Block6D
	for _, b := range rest {
		remaining = append(remaining, b.Coordinates...)
	}
	endpoint, err := c.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	for _, batch := range c.planner.Plan(endpoint, remaining) {
		if err := c.readBatch(ctx, batch, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *BlockClient) readBatch(ctx context.Context, batch block.Batch, out map[Block6D]*Block) error {
	metrics.BatchSize.Observe(float64(len(batch.Coordinates)))
	raw, err := c.do(ctx, "read_batch", http.MethodGet, batch.URL, nil)
	if err != nil {
		return err
	}

	blocks, err := block.DecodeStream(raw, c.vt)
	if err != nil {
		return fmt.Errorf("hpcds: decoding batch of %d blocks: %w", len(batch.Coordinates), err)
	}
	if len(blocks) != len(batch.Coordinates) {
		return fmt.Errorf("hpcds: batch of %d blocks answered with %d", len(batch.Coordinates), len(blocks))
	}
	for i, bc := range batch.Coordinates {
		b := blocks[i]
		b.Coordinate = bc
		if b.Absent() {
			metrics.AbsentBlocks.Inc()
		}
		out[bc] = b
	}
	return nil
}

// Write stores b at coordinate bc. The block's voxel type must match the
// dataset and its payload must hold exactly size.x*size.y*size.z samples.
func (c *BlockClient) Write(ctx context.Context, bc Block6D, b *Block) error {
	if !c.key.Access.CanWrite() {
		return fmt.Errorf("%w: write on a %s session", ErrAccessDenied, c.key.Access)
	}
	if err := bc.Validate(); err != nil {
		return fmt.Errorf("hpcds: %w", err)
	}
	if b == nil {
		return fmt.Errorf("hpcds: nil block")
	}
	if b.Type != c.vt {
		return fmt.Errorf("%w: dataset holds %s, block is %s", ErrVoxelTypeMismatch, c.vt, b.Type)
	}
	if b.Absent() {
		return fmt.Errorf("%w: cannot write a block without data", ErrSizeMismatch)
	}
	payload, err := b.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	endpoint, err := c.endpoint(ctx)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "write", http.MethodPost, endpoint+bc.URLPart(), payload)
	return err
}

// Stop releases the lease. Further requests on this client fail with
// ErrLeaseExpired. Other BlockClients sharing the lease acquire a new one on
// their next request.
func (c *BlockClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if err := c.sessions.Stop(ctx, c.key); err != nil {
		return fmt.Errorf("hpcds: stopping %s: %w", c.key, err)
	}
	// The session cache may not hold this lease if it was already replaced.
	if err := c.sessions.Manager().Stop(ctx, c.lease); err != nil {
		return fmt.Errorf("hpcds: stopping %s: %w", c.key, err)
	}
	return nil
}

// endpoint returns the endpoint of an active lease, refreshing an expired
// lease through the session cache. Callers hold c.mu.
func (c *BlockClient) endpoint(ctx context.Context) (string, error) {
	if c.stopped {
		return "", ErrLeaseExpired
	}
	if c.sessions.Manager().IsActive(c.lease) {
		return c.lease.Endpoint, nil
	}
	l, err := c.sessions.Get(ctx, c.key)
	if err != nil {
		return "", fmt.Errorf("hpcds: renewing %s: %w", c.key, err)
	}
	c.logger.Debug("lease renewed",
		zap.Stringer("key", c.key), zap.String("endpoint", l.Endpoint))
	c.lease = l
	return l.Endpoint, nil
}

func (c *BlockClient) do(ctx context.Context, op, method, u string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("hpcds: building %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BlockRequests.WithLabelValues(op, "error").Inc()
		return nil, &NetworkError{Op: op, URL: u, Err: err}
	}
	defer resp.Body.Close()
	metrics.BlockRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		c.logger.Warn("block request failed",
			zap.String("op", op), zap.String("url", u), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Op: op, URL: u, Status: resp.StatusCode}
	}
	if body != nil {
		metrics.BytesTransferred.WithLabelValues("out").Add(float64(len(body)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, URL: u, Err: err}
	}
	metrics.BytesTransferred.WithLabelValues("in").Add(float64(len(raw)))
	return raw, nil
}
