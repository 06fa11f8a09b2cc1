package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gftdcojp/hpcds/internal/config"
	"github.com/gftdcojp/hpcds/internal/meta"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) (*server.Server, string) {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	t.Cleanup(func() { ns.Shutdown() })
	return ns, ns.ClientURL()
}

func newTestJournal(t *testing.T) meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leases.db")
	store, err := meta.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func findCheck(status HealthStatus, name string) (Check, bool) {
	for _, c := range status.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker("", nil, nil, nil)
	if !checker.Liveness().OK {
		t.Fatal("liveness should always return OK=true")
	}
}

func TestHealthChecker_Readiness_AllOK(t *testing.T) {
	_, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	ds := httptest.NewServer(http.NotFoundHandler())
	defer ds.Close()

	checker := NewHealthChecker(ds.URL, nc, newTestJournal(t), nil)
	status := checker.Readiness()
	if !status.OK {
		t.Fatalf("expected readiness OK=true, got checks: %+v", status.Checks)
	}

	for name, want := range map[string]string{"datastore": "ok", "nats": "connected", "journal": "ok"} {
		c, ok := findCheck(status, name)
		if !ok {
			t.Errorf("%s check missing", name)
			continue
		}
		if c.Status != want {
			t.Errorf("expected %s %s, got %s", name, want, c.Status)
		}
	}
}

func TestHealthChecker_Readiness_NATSDown(t *testing.T) {
	ns, url := startEmbeddedNATS(t)
	nc, err := nats.Connect(url, nats.NoReconnect())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	// Shut down the server to make the connection stale
	ns.Shutdown()
	time.Sleep(100 * time.Millisecond)

	checker := NewHealthChecker("", nc, nil, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when NATS is down")
	}
	if c, _ := findCheck(status, "nats"); c.Status != "disconnected" {
		t.Fatalf("expected nats disconnected, got %s", c.Status)
	}
}

func TestHealthChecker_Readiness_JournalError(t *testing.T) {
	journal := newTestJournal(t)
	// Close the store to make Ping fail
	journal.Close()

	checker := NewHealthChecker("", nil, journal, nil)
	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when journal is closed")
	}
	c, ok := findCheck(status, "journal")
	if !ok || c.Status != "error" || c.Error == "" {
		t.Fatalf("expected journal error with message, got %+v", c)
	}
}

func TestHealthChecker_Readiness_DatastoreDown(t *testing.T) {
	ds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ds.Close()

	status := NewHealthChecker(ds.URL, nil, nil, nil).Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false for failing datastore")
	}

	ds.Close()
	status = NewHealthChecker(ds.URL, nil, nil, nil).Readiness()
	if c, _ := findCheck(status, "datastore"); c.Status != "error" {
		t.Fatalf("expected datastore error for closed server, got %+v", c)
	}
}

func TestHealthChecker_Readiness_NilDeps(t *testing.T) {
	checker := NewHealthChecker("", nil, nil, nil)
	status := checker.Readiness()
	if !status.OK || len(status.Checks) != 0 {
		t.Fatalf("expected OK with no checks, got %+v", status)
	}
}

func TestHealthServer_Endpoints(t *testing.T) {
	checker := NewHealthChecker("", nil, newTestJournal(t), nil)
	handler := Handler(config.HealthConfig{LivenessPath: "/healthz", ReadinessPath: "/readyz"}, checker)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("liveness: expected 200, got %d", w.Code)
	}
	var liveResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &liveResp)
	if !liveResp.OK {
		t.Fatal("liveness response should have OK=true")
	}

	req = httptest.NewRequest("GET", "/readyz", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("readiness: expected 200, got %d", w.Code)
	}
	var readyResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &readyResp)
	if !readyResp.OK {
		t.Fatalf("readiness response should have OK=true, checks: %+v", readyResp.Checks)
	}

	// Default paths apply when unset.
	def := Handler(config.HealthConfig{}, checker)
	w = httptest.NewRecorder()
	def.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("default readiness path: expected 200, got %d", w.Code)
	}
}
