package coord

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meshkv/meshkv/internal/cluster"
	"github.com/meshkv/meshkv/internal/config"
	"github.com/meshkv/meshkv/internal/metrics"
	"github.com/meshkv/meshkv/internal/record"
	"github.com/meshkv/meshkv/internal/storage"
	"github.com/meshkv/meshkv/pkg/proto"
)

// Server is the client-facing HTTP surface of a meshkv node: the KV
// API, admin introspection, and Prometheus metrics.
type Server struct {
	cfg       *config.NodeConfig
	coord     *Coordinator
	view      cluster.View
	store     storage.Engine
	mux       *http.ServeMux
	startTime time.Time
	version   string
}

// NewServer creates the HTTP server for a node.
func NewServer(cfg *config.NodeConfig, coord *Coordinator, view cluster.View, store storage.Engine) *Server {
	s := &Server{
		cfg:       cfg,
		coord:     coord,
		view:      view,
		store:     store,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the node version for status display.
func (s *Server) SetVersion(version string) {
	s.version = version
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/v1/kv/", s.withAuth(s.handleKV))
	s.mux.HandleFunc("/admin/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("/admin/registry", s.withAuth(s.handleRegistry))
	s.mux.HandleFunc("/admin/ping/", s.withAuth(s.handlePing))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.cfg.AuthToken {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// splitRecordPath extracts namespace, set, and key from the tail of a
// record path. Keys may contain slashes.
func splitRecordPath(path, prefix string) (ns, set, key string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(path, prefix), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	ns, set, key, ok := splitRecordPath(r.URL.Path, "/v1/kv/")
	if !ok {
		s.jsonError(w, "path must be /v1/kv/{namespace}/{set}/{key}", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleRead(w, r, ns, set, key)
	case http.MethodPut:
		s.handleWrite(w, r, ns, set, key)
	case http.MethodDelete:
		s.handleDelete(w, r, ns, set, key)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request, ns, set, key string) {
	resCh := make(chan Result, 1)
	if err := s.coord.Read(r.Context(), ns, set, key, func(res Result) { resCh <- res }); err != nil {
		s.errorOut(w, err)
		return
	}

	select {
	case res := <-resCh:
		if res.Err != nil {
			s.errorOut(w, res.Err)
			return
		}
		s.setVersionHeaders(w, res)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(proto.RecordResponse{
			Namespace:      ns,
			Set:            set,
			Key:            key,
			Digest:         res.Record.Digest.String(),
			Generation:     res.Generation,
			LastUpdateTime: res.LastUpdateTime,
			VoidTime:       res.VoidTime,
			Bins:           res.Record.Bins,
		})
	case <-r.Context().Done():
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, ns, set, key string) {
	var req proto.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	opts, err := parseWriteOptions(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rid := uuid.NewString()
	resCh := make(chan Result, 1)
	if err := s.coord.Write(r.Context(), ns, set, key, req.Bins, opts, func(res Result) { resCh <- res }); err != nil {
		s.errorOut(w, err)
		return
	}

	select {
	case res := <-resCh:
		log.Debug().Str("rid", rid).Str("namespace", ns).Str("set", set).
			Err(res.Err).Uint16("generation", res.Generation).Msg("write completed")
		if res.Err != nil {
			s.errorOut(w, res.Err)
			return
		}
		s.writeAck(w, set, key, res)
	case <-r.Context().Done():
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, ns, set, key string) {
	opts, err := parseWriteOptions(r)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rid := uuid.NewString()
	resCh := make(chan Result, 1)
	if err := s.coord.Delete(r.Context(), ns, set, key, opts, func(res Result) { resCh <- res }); err != nil {
		s.errorOut(w, err)
		return
	}

	select {
	case res := <-resCh:
		log.Debug().Str("rid", rid).Str("namespace", ns).Str("set", set).
			Err(res.Err).Msg("delete completed")
		if res.Err != nil {
			s.errorOut(w, res.Err)
			return
		}
		s.writeAck(w, set, key, res)
	case <-r.Context().Done():
	}
}

func (s *Server) writeAck(w http.ResponseWriter, set, key string, res Result) {
	s.setVersionHeaders(w, res)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(proto.WriteResponse{
		Digest:         proto.ComputeDigest(set, key).String(),
		Generation:     res.Generation,
		LastUpdateTime: res.LastUpdateTime,
		VoidTime:       res.VoidTime,
	})
}

func (s *Server) setVersionHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-MeshKV-Generation", strconv.FormatUint(uint64(res.Generation), 10))
	w.Header().Set("X-MeshKV-Last-Update", strconv.FormatUint(res.LastUpdateTime, 10))
	if res.VoidTime != 0 {
		w.Header().Set("X-MeshKV-Void-Time", strconv.FormatUint(uint64(res.VoidTime), 10))
	}
}

// parseWriteOptions reads per-request policy from headers.
func parseWriteOptions(r *http.Request) (WriteOptions, error) {
	var opts WriteOptions

	if v := r.Header.Get("X-MeshKV-Expect-Generation"); v != "" {
		gen, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return opts, errors.New("invalid X-MeshKV-Expect-Generation")
		}
		opts.ExpectGeneration = uint16(gen)
		opts.GenPolicy = record.GenEqual
	}
	switch v := r.Header.Get("X-MeshKV-Generation-Policy"); v {
	case "", "equal":
	case "greater":
		if opts.GenPolicy == record.GenIgnore {
			return opts, errors.New("X-MeshKV-Generation-Policy requires X-MeshKV-Expect-Generation")
		}
		opts.GenPolicy = record.GenGreater
	default:
		return opts, errors.New("X-MeshKV-Generation-Policy must be \"equal\" or \"greater\"")
	}

	if v := r.Header.Get("X-MeshKV-TTL"); v != "" {
		switch v {
		case "never":
			opts.TTL = record.TTLNeverExpire
		case "no-change":
			opts.TTL = record.TTLDontUpdate
		default:
			ttl, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return opts, errors.New("invalid X-MeshKV-TTL")
			}
			opts.TTL = uint32(ttl)
		}
	}

	switch v := r.Header.Get("X-MeshKV-Commit-Level"); v {
	case "":
	case "all":
		t := true
		opts.CommitAll = &t
	case "master":
		f := false
		opts.CommitAll = &f
	default:
		return opts, errors.New("X-MeshKV-Commit-Level must be \"all\" or \"master\"")
	}

	return opts, nil
}

// NamespaceStatus is one namespace's slice of the status report.
type NamespaceStatus struct {
	Name              string `json:"name"`
	Records           int    `json:"records"`
	ReplicationFactor int    `json:"replication_factor"`
	CommitLevel       string `json:"commit_level"`
}

// StatusReport is the admin status report.
type StatusReport struct {
	Node          uint64            `json:"node"`
	Version       string            `json:"version,omitempty"`
	UptimeSec     int64             `json:"uptime_sec"`
	InFlight      int               `json:"in_flight"`
	Unreplicated  int               `json:"unreplicated"`
	DupPartitions int               `json:"partitions_with_duplicates"`
	ClusterSize   int               `json:"cluster_size"`
	Namespaces    []NamespaceStatus `json:"namespaces"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dupPartitions := 0
	for pid := uint32(0); pid < cluster.NumPartitions; pid++ {
		if len(s.view.Duplicates(pid)) > 0 {
			dupPartitions++
		}
	}

	resp := StatusReport{
		Node:          uint64(s.view.Self()),
		Version:       s.version,
		UptimeSec:     int64(time.Since(s.startTime).Seconds()),
		InFlight:      s.coord.Registry().Count(),
		Unreplicated:  s.coord.UnreplicatedCount(),
		DupPartitions: dupPartitions,
		ClusterSize:   len(s.view.Nodes()),
	}
	for i := range s.cfg.Namespaces {
		ns := &s.cfg.Namespaces[i]
		resp.Namespaces = append(resp.Namespaces, NamespaceStatus{
			Name:              ns.Name,
			Records:           s.store.Count(uint32(i)),
			ReplicationFactor: ns.ReplicationFactor,
			CommitLevel:       ns.CommitLevel,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := s.coord.Registry().Dump()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ns, set, key, ok := splitRecordPath(r.URL.Path, "/admin/ping/")
	if !ok {
		s.jsonError(w, "path must be /admin/ping/{namespace}/{set}/{key}", http.StatusBadRequest)
		return
	}

	statuses, err := s.coord.PingReplicas(r.Context(), ns, set, key)
	if err != nil {
		s.errorOut(w, err)
		return
	}
	if statuses == nil {
		statuses = []PingStatus{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"replicas": statuses})
}

// errorOut maps a coordination error onto an HTTP status.
func (s *Server) errorOut(w http.ResponseWriter, err error) {
	s.jsonError(w, err.Error(), httpStatus(err))
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTombstone):
		return http.StatusGone
	case errors.Is(err, ErrGeneration), errors.Is(err, ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrNotMaster):
		return http.StatusMisdirectedRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusBadRequest
	case errors.Is(err, ErrRegime):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	log.Info().Str("listen", s.cfg.Listen).Msg("starting client API server")
	return http.ListenAndServe(s.cfg.Listen, s)
}
