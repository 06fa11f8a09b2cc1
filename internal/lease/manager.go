package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/hpcds/internal/metrics"
	"github.com/gftdcojp/hpcds/internal/types"
	"go.uber.org/zap"
)

// State is the lifecycle position of a lease.
type State int

const (
	StateRequested State = iota
	StateActive
	StateExpired
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Key identifies a session: at most one active lease exists per key.
type Key struct {
	Resolution types.Point3D
	Version    types.Version
	Access     types.AccessMode
}

func (k Key) String() string {
	return fmt.Sprintf("%d_%d_%d/%s/%s", k.Resolution.X, k.Resolution.Y, k.Resolution.Z, k.Version, k.Access)
}

// Lease is a time-bounded grant of an ephemeral per-resolution endpoint.
type Lease struct {
	BaseURL    string
	Resolution types.Point3D
	Version    types.Version
	Access     types.AccessMode
	Timeout    time.Duration
	// ExpiresAt is zero when the lease has no time bound.
	ExpiresAt time.Time
	Endpoint  string

	mu    sync.Mutex
	state State
}

// Key returns the session key the lease was issued for.
func (l *Lease) Key() Key {
	return Key{Resolution: l.Resolution, Version: l.Version, Access: l.Access}
}

// State returns the last recorded state. It does not consult the clock; use
// Manager.IsActive for an expiry-aware check.
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lease) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Restore rebuilds an active lease from persisted fields.
func Restore(baseURL, endpoint string, key Key, timeout time.Duration, expiresAt time.Time) *Lease {
	return &Lease{
		BaseURL:    baseURL,
		Resolution: key.Resolution,
		Version:    key.Version,
		Access:     key.Access,
		Timeout:    timeout,
		ExpiresAt:  expiresAt,
		Endpoint:   endpoint,
		state:      StateActive,
	}
}

// EndpointInfo is the JSON document served at the root of a leased endpoint.
type EndpointInfo struct {
	// ServerTimeout is the server's idle timeout in milliseconds. Negative
	// means the server runs until it is stopped.
	ServerTimeout int64           `json:"serverTimeout"`
	Raw           json.RawMessage `json:"-"`
}

// Unbounded reports whether the server runs without a time limit.
func (i *EndpointInfo) Unbounded() bool {
	return i.ServerTimeout < 0
}

// Options configures a Manager.
type Options struct {
	HTTPClient *http.Client
	// Token is passed through as a bearer token when non-empty.
	Token  string
	Now    func() time.Time
	Logger *zap.Logger
}

// Manager acquires, tracks and stops leases against the registration service.
type Manager struct {
	client *http.Client
	token  string
	now    func() time.Time
	logger *zap.Logger
}

// NewManager creates a lease manager. The HTTP client is copied so that
// redirects are never followed.
func NewManager(opts Options) *Manager {
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	client := *base
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		client: &client,
		token:  opts.Token,
		now:    now,
		logger: logger.Named("lease"),
	}
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time {
	return m.now()
}

// RegistrationURL builds the lease request URL. The timeout parameter is
// omitted for unbounded leases.
func RegistrationURL(baseURL string, res types.Point3D, v types.Version, access types.AccessMode, timeout time.Duration) string {
	u := strings.TrimSuffix(baseURL, "/") + res.URLPart() + "/" + v.String() + "/" + access.String()
	if timeout > 0 {
		u += "?timeout=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	}
	return u
}

// Acquire requests a new endpoint for the given resolution, version and
// access mode. Inputs are validated before any request is made.
func (m *Manager) Acquire(ctx context.Context, baseURL string, access types.AccessMode, res types.Point3D, v types.Version, timeout time.Duration) (*Lease, error) {
	if !access.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidAccessMode, int(access))
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	l := &Lease{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Resolution: res,
		Version:    v,
		Access:     access,
		Timeout:    timeout,
		state:      StateRequested,
	}
	if timeout > 0 {
		l.ExpiresAt = m.now().Add(timeout)
	}

	url := RegistrationURL(baseURL, res, v, access, timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building lease request: %w", err)
	}
	m.authorize(req)

	start := time.Now()
	resp, err := m.client.Do(req)
	metrics.LeaseAcquireDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LeaseAcquisitions.WithLabelValues(access.String(), "error").Inc()
		return nil, &types.NetworkError{Op: "acquire lease", URL: url, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusTemporaryRedirect {
		metrics.LeaseAcquisitions.WithLabelValues(access.String(), "rejected").Inc()
		m.logger.Warn("registration service refused lease",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
		return nil, &types.LeaseAcquisitionError{URL: url, Status: resp.StatusCode}
	}
	loc, err := resp.Location()
	if err != nil {
		metrics.LeaseAcquisitions.WithLabelValues(access.String(), "rejected").Inc()
		return nil, fmt.Errorf("%w: redirect without usable Location: %v", types.ErrLeaseAcquisitionFailed, err)
	}

	l.Endpoint = strings.TrimSuffix(loc.String(), "/")
	l.setState(StateActive)
	metrics.LeaseAcquisitions.WithLabelValues(access.String(), "ok").Inc()

	m.logger.Info("lease acquired",
		zap.String("endpoint", l.Endpoint),
		zap.Stringer("resolution", res),
		zap.Stringer("version", v),
		zap.Stringer("access", access),
		zap.Duration("timeout", timeout),
	)
	return l, nil
}

// IsActive reports whether the lease is active and not past its deadline.
// A lease found past its deadline is moved to StateExpired.
func (m *Manager) IsActive(l *Lease) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return false
	}
	if !l.ExpiresAt.IsZero() && !m.now().Before(l.ExpiresAt) {
		l.state = StateExpired
		return false
	}
	return true
}

// Stop releases an active lease. Stopping an inactive lease is a no-op.
func (m *Manager) Stop(ctx context.Context, l *Lease) error {
	if !m.IsActive(l) {
		return nil
	}

	url := l.Endpoint + "/stop"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("building stop request: %w", err)
	}
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.LeaseStops.WithLabelValues("error").Inc()
		return &types.NetworkError{Op: "stop lease", URL: url, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// The server may already have released the endpoint; either way it is
	// no longer usable.
	l.setState(StateStopped)
	if resp.StatusCode/100 != 2 {
		metrics.LeaseStops.WithLabelValues("status").Inc()
		m.logger.Warn("stop returned non-success status",
			zap.String("endpoint", l.Endpoint), zap.Int("status", resp.StatusCode))
		return nil
	}

	metrics.LeaseStops.WithLabelValues("ok").Inc()
	m.logger.Info("lease stopped", zap.String("endpoint", l.Endpoint))
	return nil
}

// Info fetches the endpoint description of an active lease. When the server
// reports that it runs without a time limit, the lease deadline is cleared.
func (m *Manager) Info(ctx context.Context, l *Lease) (*EndpointInfo, error) {
	if !m.IsActive(l) {
		return nil, types.ErrLeaseExpired
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building info request: %w", err)
	}
	m.authorize(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &types.NetworkError{Op: "endpoint info", URL: l.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &types.StatusError{Op: "endpoint info", URL: l.Endpoint, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.NetworkError{Op: "endpoint info", URL: l.Endpoint, Err: err}
	}

	info := &EndpointInfo{Raw: body}
	if err := json.Unmarshal(body, info); err != nil {
		return nil, fmt.Errorf("decoding endpoint info: %w", err)
	}
	if info.Unbounded() {
		l.mu.Lock()
		if !l.ExpiresAt.IsZero() {
			m.logger.Debug("endpoint runs without time limit, clearing deadline",
				zap.String("endpoint", l.Endpoint))
			l.ExpiresAt = time.Time{}
		}
		l.mu.Unlock()
	}
	return info, nil
}

func (m *Manager) authorize(req *http.Request) {
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}
