package hpcds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/lease"
	"github.com/gftdcojp/hpcds/internal/meta"
	"github.com/gftdcojp/hpcds/internal/voxel"
	"go.uber.org/zap"
)

const (
	DefaultServerURL    = "http://localhost:9080"
	DefaultLeaseTimeout = 10 * time.Second
)

// Config configures the datastore client.
type Config struct {
	// ServerURL is the datastore root. Defaults to "http://localhost:9080".
	ServerURL string

	// Dataset is the dataset identity (usually a UUID). It may be left empty
	// and set later through CreateDataset or SetDataset.
	Dataset string

	// Token is sent as a bearer token when non-empty.
	Token string

	// HTTPClient is used for every request. Defaults to a client with a 30s
	// timeout.
	HTTPClient *http.Client

	// LeaseTimeout bounds each endpoint lease. Zero selects
	// DefaultLeaseTimeout; a negative value requests an unbounded lease.
	LeaseTimeout time.Duration

	// MaxURLLength bounds batched read URLs. Defaults to 2000.
	MaxURLLength int

	// JournalPath, when set, opens a lease journal at that path so leases
	// can be reused across processes.
	JournalPath string

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Now overrides the clock used for lease expiry.
	Now func() time.Time
}

// Client coordinates dataset access. It owns one session cache per dataset
// and hands out BlockClients bound to a lease.
type Client struct {
	serverURL    string
	token        string
	http         *http.Client
	leaseTimeout time.Duration
	planner      *block.Planner
	leases       *lease.Manager
	journal      *meta.BoltStore
	logger       *zap.Logger

	mu         sync.Mutex
	dataset    string
	sessions   map[string]*lease.SessionCache
	voxelTypes map[string]voxel.Type
}

// New creates a datastore client.
func New(cfg Config) (*Client, error) {
	serverURL := cfg.ServerURL
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("hpcds: invalid server URL %q", serverURL)
	}
	if cfg.MaxURLLength < 0 {
		return nil, fmt.Errorf("hpcds: MaxURLLength must not be negative")
	}

	timeout := cfg.LeaseTimeout
	switch {
	case timeout == 0:
		timeout = DefaultLeaseTimeout
	case timeout < 0:
		timeout = 0
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		serverURL:    strings.TrimSuffix(serverURL, "/"),
		token:        cfg.Token,
		http:         httpClient,
		leaseTimeout: timeout,
		planner:      block.NewPlanner(cfg.MaxURLLength),
		leases: lease.NewManager(lease.Options{
			HTTPClient: httpClient,
			Token:      cfg.Token,
			Now:        cfg.Now,
			Logger:     logger,
		}),
		logger:     logger,
		dataset:    cfg.Dataset,
		sessions:   make(map[string]*lease.SessionCache),
		voxelTypes: make(map[string]voxel.Type),
	}

	if cfg.JournalPath != "" {
		j, err := meta.NewBoltStore(cfg.JournalPath, logger)
		if err != nil {
			return nil, fmt.Errorf("hpcds: opening lease journal: %w", err)
		}
		c.journal = j
	}
	return c, nil
}

// Dataset returns the current dataset identity.
func (c *Client) Dataset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataset
}

// SetDataset switches the client to another dataset. Leases on the previous
// dataset stay cached until Close.
func (c *Client) SetDataset(id string) {
	c.mu.Lock()
	c.dataset = id
	c.mu.Unlock()
}

// LeaseManager exposes the lease manager for tooling such as journal
// garbage collection.
func (c *Client) LeaseManager() *lease.Manager {
	return c.leases
}

// Journal returns the lease journal, or nil when none is configured.
func (c *Client) Journal() meta.Store {
	if c.journal == nil {
		return nil
	}
	return c.journal
}

// Open returns a BlockClient for the current dataset at resolution res,
// version v and the given access mode. The lease is shared with other
// BlockClients opened for the same combination.
func (c *Client) Open(ctx context.Context, res Point3D, v Version, access AccessMode) (*BlockClient, error) {
	key, err := lease.KeyFor(res, v, access)
	if err != nil {
		return nil, err
	}
	dataset := c.Dataset()
	if dataset == "" {
		return nil, ErrInvalidDataset
	}

	vt, err := c.voxelType(ctx, dataset)
	if err != nil {
		return nil, err
	}

	sessions := c.sessionsFor(dataset)
	l, err := sessions.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("hpcds: opening %s: %w", key, err)
	}

	return &BlockClient{
		sessions: sessions,
		key:      key,
		lease:    l,
		http:     c.http,
		token:    c.token,
		planner:  c.planner,
		vt:       vt,
		dataset:  dataset,
		logger:   c.logger.Named("transfer"),
	}, nil
}

func (c *Client) sessionsFor(dataset string) *lease.SessionCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sc, ok := c.sessions[dataset]; ok {
		return sc
	}
	cfg := lease.SessionConfig{
		BaseURL: c.datasetURL(dataset),
		Dataset: dataset,
		Timeout: c.leaseTimeout,
		Logger:  c.logger,
	}
	if c.journal != nil {
		cfg.Journal = c.journal
	}
	sc := lease.NewSessionCache(c.leases, cfg)
	c.sessions[dataset] = sc
	return sc
}

func (c *Client) voxelType(ctx context.Context, dataset string) (voxel.Type, error) {
	c.mu.Lock()
	vt, ok := c.voxelTypes[dataset]
	c.mu.Unlock()
	if ok {
		return vt, nil
	}

	desc, err := c.GetDataset(ctx, dataset)
	if err != nil {
		return 0, err
	}
	vt, err = desc.VoxelKind()
	if err != nil {
		return 0, fmt.Errorf("hpcds: dataset %s: %w", dataset, err)
	}
	c.mu.Lock()
	c.voxelTypes[dataset] = vt
	c.mu.Unlock()
	return vt, nil
}

func (c *Client) datasetURL(id string) string {
	return c.serverURL + "/datasets/" + url.PathEscape(id)
}

// Close stops every lease the client holds and closes the journal.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	caches := make([]*lease.SessionCache, 0, len(c.sessions))
	for _, sc := range c.sessions {
		caches = append(caches, sc)
	}
	c.mu.Unlock()

	var errs []error
	for _, sc := range caches {
		if err := sc.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing journal: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("hpcds: close: %w", err)
	}
	return nil
}

// Detach closes the journal without stopping any lease, leaving journaled
// endpoints for another process to reuse until they expire.
func (c *Client) Detach() error {
	if c.journal == nil {
		return nil
	}
	if err := c.journal.Close(); err != nil {
		return fmt.Errorf("hpcds: closing journal: %w", err)
	}
	return nil
}
