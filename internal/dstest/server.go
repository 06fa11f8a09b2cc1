// Package dstest provides an in-process datastore for tests. It implements
// the registration service, leased endpoints and the dataset repository over
// httptest.
package dstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gftdcojp/hpcds/internal/block"
	"github.com/gftdcojp/hpcds/internal/types"
	"github.com/gftdcojp/hpcds/internal/voxel"
)

type blockKey struct {
	res types.Point3D
	c   types.Block6D
}

type dataset struct {
	desc     json.RawMessage
	vt       voxel.Type
	blocks   map[blockKey][]byte
	metadata string
	channels int
}

type endpoint struct {
	dataset string
	res     types.Point3D
	version string
	access  types.AccessMode
	timeout int64
	stopped bool
}

// Server is a fake datastore. The zero value is not usable; call NewServer.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	datasets  map[string]*dataset
	endpoints map[string]*endpoint
	nextID    int
	leases    int
	stops     int
	paths     []string

	// LeaseStatus, when non-zero, is returned by the registration service
	// instead of a redirect.
	LeaseStatus int
	// WriteStatus, when non-zero, is returned for block writes.
	WriteStatus int
}

// NewServer starts a fake datastore. Close it with Close.
func NewServer() *Server {
	s := &Server{
		datasets:  make(map[string]*dataset),
		endpoints: make(map[string]*endpoint),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /datasets", s.handleCreate)
	mux.HandleFunc("GET /datasets/{id}", s.handleGetDataset)
	mux.HandleFunc("DELETE /datasets/{id}", s.handleDelete)
	mux.HandleFunc("GET /datasets/{id}/common-metadata", s.handleGetMetadata)
	mux.HandleFunc("POST /datasets/{id}/common-metadata", s.handleSetMetadata)
	mux.HandleFunc("POST /datasets/{id}/channels", s.handleChannels)
	mux.HandleFunc("GET /datasets/{id}/{rx}/{ry}/{rz}/{version}/{access}", s.handleLease)
	mux.HandleFunc("GET /endpoints/{id}", s.handleInfo)
	mux.HandleFunc("POST /endpoints/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /endpoints/{id}/{rest...}", s.handleRead)
	mux.HandleFunc("POST /endpoints/{id}/{rest...}", s.handleWrite)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.paths = append(s.paths, r.Method+" "+r.URL.RequestURI())
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	return s
}

// AddDataset registers a dataset holding voxels of vt and returns its URL.
func (s *Server) AddDataset(id string, vt voxel.Type) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, _ := json.Marshal(map[string]any{"voxelType": vt.String()})
	s.datasets[id] = &dataset{desc: desc, vt: vt, blocks: make(map[blockKey][]byte)}
	return s.URL + "/datasets/" + id
}

// PutBlock stores b at resolution res in dataset id.
func (s *Server) PutBlock(id string, res types.Point3D, b *block.Block) error {
	raw, err := b.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return fmt.Errorf("dataset %q not found", id)
	}
	ds.blocks[blockKey{res: res, c: b.Coordinate}] = raw
	return nil
}

// BlockBytes returns the stored encoding of a block, or nil.
func (s *Server) BlockBytes(id string, res types.Point3D, c types.Block6D) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return nil
	}
	return ds.blocks[blockKey{res: res, c: c}]
}

// Leases returns the number of leases granted.
func (s *Server) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases
}

// Stops returns the number of stop requests received.
func (s *Server) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Requests returns "METHOD uri" for every request received whose URI
// contains substr.
func (s *Server) Requests(substr string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.paths {
		if strings.Contains(p, substr) {
			out = append(out, p)
		}
	}
	return out
}

// Metadata returns the common metadata of dataset id.
func (s *Server) Metadata(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.datasets[id]; ok {
		return ds.metadata
	}
	return ""
}

// Channels returns the number of channels added to dataset id.
func (s *Server) Channels(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.datasets[id]; ok {
		return ds.channels
	}
	return 0
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var desc struct {
		VoxelType string `json:"voxelType"`
	}
	if err := json.Unmarshal(body, &desc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	vt, err := voxel.Lookup(desc.VoxelType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("ds-%04d", s.nextID)
	s.datasets[id] = &dataset{desc: body, vt: vt, blocks: make(map[blockKey][]byte)}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, id)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *dataset {
	s.mu.Lock()
	ds, ok := s.datasets[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "dataset not found", http.StatusNotFound)
		return nil
	}
	return ds
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds := s.lookup(w, r)
	if ds == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(ds.desc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.datasets[id]; !ok {
		http.Error(w, "dataset not found", http.StatusNotFound)
		return
	}
	delete(s.datasets, id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	ds := s.lookup(w, r)
	if ds == nil {
		return
	}
	s.mu.Lock()
	md := ds.metadata
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, md)
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	ds := s.lookup(w, r)
	if ds == nil {
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	ds.metadata = string(body)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	ds := s.lookup(w, r)
	if ds == nil {
		return
	}
	body, _ := io.ReadAll(r.Body)
	n, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil || n < 1 {
		http.Error(w, "invalid channel count", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	ds.channels += n
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	if s.lookup(w, r) == nil {
		return
	}
	if s.LeaseStatus != 0 {
		w.WriteHeader(s.LeaseStatus)
		return
	}

	var res types.Point3D
	var err error
	if res.X, err = strconv.Atoi(r.PathValue("rx")); err == nil {
		if res.Y, err = strconv.Atoi(r.PathValue("ry")); err == nil {
			res.Z, err = strconv.Atoi(r.PathValue("rz"))
		}
	}
	if err != nil {
		http.Error(w, "invalid resolution", http.StatusBadRequest)
		return
	}
	version := r.PathValue("version")
	if _, err := types.ParseVersion(version); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	access, err := types.ParseAccessMode(r.PathValue("access"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var timeout int64 = -1
	if t := r.URL.Query().Get("timeout"); t != "" {
		if timeout, err = strconv.ParseInt(t, 10, 64); err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	s.nextID++
	s.leases++
	id := strconv.Itoa(s.nextID)
	s.endpoints[id] = &endpoint{
		dataset: r.PathValue("id"),
		res:     res,
		version: version,
		access:  access,
		timeout: timeout,
	}
	s.mu.Unlock()

	w.Header().Set("Location", "http://"+r.Host+"/endpoints/"+id)
	w.WriteHeader(http.StatusTemporaryRedirect)
}

func (s *Server) endpoint(w http.ResponseWriter, r *http.Request) (*endpoint, *dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[r.PathValue("id")]
	if !ok || ep.stopped {
		http.Error(w, "endpoint not running", http.StatusNotFound)
		return nil, nil
	}
	ds, ok := s.datasets[ep.dataset]
	if !ok {
		http.Error(w, "dataset not found", http.StatusNotFound)
		return nil, nil
	}
	return ep, ds
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ep, _ := s.endpoint(w, r)
	if ep == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"serverTimeout": ep.timeout,
		"resolution":    []int{ep.res.X, ep.res.Y, ep.res.Z},
		"version":       ep.version,
		"mode":          ep.access.String(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ep, _ := s.endpoint(w, r)
	if ep == nil {
		return
	}
	s.mu.Lock()
	ep.stopped = true
	s.stops++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// parseCoords turns "x/y/z/t/c/a[/x/y/z/t/c/a...]" into coordinates. A
// batched read carries the "1/1/1" prefix before the fragments.
func parseCoords(rest string) ([]types.Block6D, error) {
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) > 6 {
		if len(parts) < 9 || (len(parts)-3)%6 != 0 {
			return nil, fmt.Errorf("malformed batch path with %d segments", len(parts))
		}
		parts = parts[3:]
	} else if len(parts) != 6 {
		return nil, fmt.Errorf("malformed block path with %d segments", len(parts))
	}

	vals := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("segment %q: %w", p, err)
		}
		vals[i] = v
	}
	out := make([]types.Block6D, 0, len(vals)/6)
	for i := 0; i < len(vals); i += 6 {
		out = append(out, types.Block6D{
			X: vals[i], Y: vals[i+1], Z: vals[i+2],
			Time: vals[i+3], Channel: vals[i+4], Angle: vals[i+5],
		})
	}
	return out, nil
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	ep, ds := s.endpoint(w, r)
	if ep == nil {
		return
	}
	if !ep.access.CanRead() {
		http.Error(w, "endpoint is write-only", http.StatusForbidden)
		return
	}
	coords, err := parseCoords(r.PathValue("rest"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var out []byte
	s.mu.Lock()
	for _, c := range coords {
		if raw, ok := ds.blocks[blockKey{res: ep.res, c: c}]; ok {
			out = append(out, raw...)
		} else {
			out = block.AppendHeader(out, types.AbsentSize)
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(out)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	ep, ds := s.endpoint(w, r)
	if ep == nil {
		return
	}
	if s.WriteStatus != 0 {
		w.WriteHeader(s.WriteStatus)
		return
	}
	if !ep.access.CanWrite() {
		http.Error(w, "endpoint is read-only", http.StatusForbidden)
		return
	}
	coords, err := parseCoords(r.PathValue("rest"))
	if err != nil || len(coords) != 1 {
		http.Error(w, "write needs exactly one block coordinate", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, next, err := block.DecodeAt(body, 0, ds.vt)
	if err != nil || next != len(body) || b.Absent() {
		http.Error(w, "malformed block payload", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	ds.blocks[blockKey{res: ep.res, c: coords[0]}] = body
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}
