package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skobkin/hosttop-web/internal/api"
	"github.com/skobkin/hosttop-web/internal/config"
	"github.com/skobkin/hosttop-web/internal/gpu"
	"github.com/skobkin/hosttop-web/internal/procctl"
	"github.com/skobkin/hosttop-web/internal/procscan"
	"github.com/skobkin/hosttop-web/internal/sampler"
	"github.com/skobkin/hosttop-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// SnapshotSource is the read side of the snapshot hub.
type SnapshotSource interface {
	Latest() (sampler.Snapshot, bool)
	Subscribe() (<-chan sampler.Snapshot, func())
	Ready() bool
	Subscribers() int
}

// ProcessTerminator handles kill requests.
type ProcessTerminator interface {
	Terminate(ctx context.Context, pid int) error
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	snapshots  SnapshotSource
	terminator ProcessTerminator
	host       *sampler.Host

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
	killRequests atomic.Uint64
}

// New assembles a Server with its handlers. terminator and host may be nil.
func New(cfg config.Config, logger *slog.Logger, snapshots SnapshotSource, terminator ProcessTerminator, host *sampler.Host) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		snapshots:  snapshots,
		terminator: terminator,
		host:       host,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/snapshot", s.handleAPISnapshot)
	mux.HandleFunc("/api/cpu", s.handleAPICPU)
	mux.HandleFunc("/api/gpus", s.handleAPIGPUs)
	mux.HandleFunc("/api/processes", s.handleAPIProcesses)
	mux.HandleFunc("/api/processes/", s.handleAPIProcessSubresource)
	mux.HandleFunc("/ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPISnapshot(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	snapshot, ok := s.latest(w)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

func (s *Server) handleAPICPU(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	snapshot, ok := s.latest(w)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, cpuResponse{
		Timestamp: snapshot.Timestamp,
		CPU:       snapshot.CPU,
		RAM:       snapshot.RAM,
	})
}

func (s *Server) handleAPIGPUs(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	snapshot, ok := s.latest(w)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, gpusResponse{
		Timestamp: snapshot.Timestamp,
		Available: snapshot.GPUAvailable,
		GPUs:      snapshot.GPUs,
	})
}

func (s *Server) handleAPIProcesses(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	sortKey := strings.ToLower(strings.TrimSpace(query.Get("sort")))
	if sortKey != "" && !validProcessSort(sortKey) {
		http.Error(w, "unsupported sort key", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	snapshot, ok := s.latest(w)
	if !ok {
		return
	}

	procs := sortProcesses(snapshot.Processes, sortKey)
	total := len(procs)
	if limit > 0 && limit < len(procs) {
		procs = procs[:limit]
	}
	s.writeJSON(w, r, http.StatusOK, processesResponse{
		Timestamp: snapshot.Timestamp,
		Total:     total,
		Processes: procs,
	})
}

func (s *Server) handleAPIProcessSubresource(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/processes/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	segments := strings.Split(rest, "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "kill" {
		http.NotFound(w, r)
		return
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	pid, parseErr := strconv.Atoi(segments[0])
	if !s.killEnabled() {
		s.writeJSON(w, r, http.StatusForbidden, killDisabledResult(pid))
		return
	}
	if parseErr != nil {
		s.writeJSON(w, r, http.StatusBadRequest, killResult(0, procctl.ErrInvalidPID))
		return
	}

	result := killResult(pid, s.terminate(r.Context(), pid))
	status := http.StatusAccepted
	switch result.Reason {
	case killReasonInvalidPID:
		status = http.StatusBadRequest
	case killReasonNotFound:
		status = http.StatusNotFound
	case killReasonPermission:
		status = http.StatusForbidden
	case killReasonError:
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, r, status, result)
}

func (s *Server) killEnabled() bool {
	return s.cfg.AllowKill && s.terminator != nil
}

func (s *Server) terminate(ctx context.Context, pid int) error {
	s.killRequests.Add(1)
	logger := s.loggerFromContext(ctx)
	logger.Info("terminate requested", "pid", pid)
	return s.terminator.Terminate(ctx, pid)
}

const (
	killReasonDisabled   = "disabled"
	killReasonInvalidPID = "invalid_pid"
	killReasonNotFound   = "not_found"
	killReasonPermission = "permission_denied"
	killReasonError      = "error"
)

func killDisabledResult(pid int) api.KillResultMessage {
	return api.KillResultMessage{
		Type:   api.TypeKillResult,
		PID:    pid,
		Reason: killReasonDisabled,
		Error:  "process termination is disabled",
	}
}

func killResult(pid int, err error) api.KillResultMessage {
	result := api.KillResultMessage{Type: api.TypeKillResult, PID: pid, OK: err == nil}
	if err == nil {
		return result
	}
	result.Error = err.Error()
	switch {
	case errors.Is(err, procctl.ErrInvalidPID):
		result.Reason = killReasonInvalidPID
	case errors.Is(err, procctl.ErrNotFound):
		result.Reason = killReasonNotFound
	case errors.Is(err, procctl.ErrPermission):
		result.Reason = killReasonPermission
	default:
		result.Reason = killReasonError
	}
	return result
}

func (s *Server) latest(w http.ResponseWriter) (sampler.Snapshot, bool) {
	if s.snapshots == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return sampler.Snapshot{}, false
	}
	snapshot, ok := s.snapshots.Latest()
	if !ok {
		http.Error(w, "no snapshot available", http.StatusServiceUnavailable)
		return sampler.Snapshot{}, false
	}
	return snapshot, true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func validProcessSort(key string) bool {
	switch key {
	case "pid", "cpu", "memory", "gpu", "name":
		return true
	}
	return false
}

// sortProcesses returns a sorted copy; published snapshots are shared.
func sortProcesses(procs []procscan.Process, key string) []procscan.Process {
	out := slices.Clone(procs)
	if out == nil {
		out = []procscan.Process{}
	}

	var compare func(a, b procscan.Process) int
	switch key {
	case "cpu":
		compare = func(a, b procscan.Process) int { return compareDesc(a.CPUPercent, b.CPUPercent) }
	case "memory":
		compare = func(a, b procscan.Process) int { return compareDesc(a.MemoryBytes, b.MemoryBytes) }
	case "gpu":
		compare = func(a, b procscan.Process) int { return compareDesc(a.GPUMemoryBytes, b.GPUMemoryBytes) }
	case "name":
		compare = func(a, b procscan.Process) int { return strings.Compare(a.Name, b.Name) }
	default:
		return out
	}

	slices.SortStableFunc(out, compare)
	return out
}

func compareDesc[T int | uint64 | float64](a, b T) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	default:
		return 0
	}
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	if s.snapshots == nil {
		return readyResponse{Status: "degraded", Reason: "sampler_not_configured"}
	}

	snapshot, ok := s.snapshots.Latest()
	if !ok {
		return readyResponse{Status: "initializing", Reason: "waiting_for_snapshot"}
	}

	return readyResponse{
		Status:       "ok",
		Seq:          snapshot.Seq,
		GPUAvailable: snapshot.GPUAvailable,
	}
}

type readyResponse struct {
	Status       string `json:"status"`
	Seq          uint64 `json:"seq"`
	GPUAvailable bool   `json:"gpu_available"`
	Reason       string `json:"reason,omitempty"`
}

type cpuResponse struct {
	Timestamp time.Time   `json:"ts"`
	CPU       sampler.CPU `json:"cpu"`
	RAM       sampler.RAM `json:"ram"`
}

type gpusResponse struct {
	Timestamp time.Time   `json:"ts"`
	Available bool        `json:"gpu_available"`
	GPUs      []gpu.Stats `json:"gpu"`
}

type processesResponse struct {
	Timestamp time.Time          `json:"ts"`
	Total     int                `json:"total"`
	Processes []procscan.Process `json:"processes"`
}
