package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/autotune"
	"github.com/mhdr/Monitoring2025-sub014/internal/control/loop"
	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/notify"
)

const (
	maxRequestBodyBytes = 64 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// LoopProvider exposes the runtime view of the loops. In production this is
// the engine.
type LoopProvider interface {
	Snapshots() []loop.Snapshot
	Snapshot(id int64) (loop.Snapshot, bool)
	HealthSnapshots() []loop.HealthSnapshot
	Rejected() map[int64]string
}

// TuningService is satisfied by *autotune.Manager.
type TuningService interface {
	Start(ctx context.Context, loopID int64, params model.TuningParams) (*model.TuningSession, error)
	Get(ctx context.Context, id uuid.UUID) (*model.TuningSession, error)
	Cancel(ctx context.Context, id uuid.UUID) (*model.TuningSession, error)
	Rollback(ctx context.Context, id uuid.UUID) (*model.TuningSession, error)
	List(ctx context.Context, loopID int64, limit int) ([]model.TuningSession, error)
}

// ConfigNotifier announces configuration changes to the config watcher.
type ConfigNotifier interface {
	PublishConfigChanged(ctx context.Context, change notify.ConfigChange) error
}

// Server provides an HTTP-based admin API for operators.
type Server struct {
	loops    LoopProvider
	tuning   TuningService
	notifier ConfigNotifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewServer(loops LoopProvider, tuning TuningService, notifier ConfigNotifier, logger *slog.Logger) *Server {
	return &Server{
		loops:    loops,
		tuning:   tuning,
		notifier: notifier,
		logger:   logger.With("component", "admin"),
		now:      time.Now,
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/loops", s.handleListLoops)
	mux.HandleFunc("GET /admin/v1/loops/{id}", s.handleGetLoop)
	mux.HandleFunc("GET /admin/v1/loops/{id}/tuning", s.handleTuningHistory)
	mux.HandleFunc("POST /admin/v1/loops/{id}/tuning", s.handleStartTuning)
	mux.HandleFunc("GET /admin/v1/tuning/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /admin/v1/tuning/{id}", s.handleCancelSession)
	mux.HandleFunc("POST /admin/v1/tuning/{id}/rollback", s.handleRollback)
	mux.HandleFunc("POST /admin/v1/config/reload", s.handleReload)
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathLoopID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "loop id must be a positive integer")
		return 0, false
	}
	return id, true
}

func pathSessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "session id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// --- Loops ---

type rejectedLoop struct {
	LoopID int64  `json:"loop_id"`
	Reason string `json:"reason"`
}

type loopsResponse struct {
	Loops    []loop.Snapshot `json:"loops"`
	Rejected []rejectedLoop  `json:"rejected,omitempty"`
}

func (s *Server) handleListLoops(w http.ResponseWriter, r *http.Request) {
	resp := loopsResponse{Loops: s.loops.Snapshots()}
	for id, reason := range s.loops.Rejected() {
		resp.Rejected = append(resp.Rejected, rejectedLoop{LoopID: id, Reason: reason})
	}
	sort.Slice(resp.Rejected, func(i, j int) bool { return resp.Rejected[i].LoopID < resp.Rejected[j].LoopID })
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLoop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathLoopID(w, r)
	if !ok {
		return
	}
	snap, ok := s.loops.Snapshot(id)
	if !ok {
		if reason, rejected := s.loops.Rejected()[id]; rejected {
			writeError(w, http.StatusNotFound, "loop configuration rejected: "+reason)
			return
		}
		writeError(w, http.StatusNotFound, "loop not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loops.HealthSnapshots())
}

// --- Tuning ---

type startTuningRequest struct {
	RelayAmplitude  float64          `json:"relay_amplitude"`
	RelayHysteresis float64          `json:"relay_hysteresis"`
	MinCycles       int              `json:"min_cycles"`
	MaxCycles       int              `json:"max_cycles"`
	MaxAmplitude    float64          `json:"max_amplitude"`
	TimeoutSec      int              `json:"timeout_sec"`
	IntervalMS      int              `json:"interval_ms"`
	Rule            model.TuningRule `json:"rule"`
}

func (req startTuningRequest) params() model.TuningParams {
	return model.TuningParams{
		RelayAmplitude:  req.RelayAmplitude,
		RelayHysteresis: req.RelayHysteresis,
		MinCycles:       req.MinCycles,
		MaxCycles:       req.MaxCycles,
		MaxAmplitude:    req.MaxAmplitude,
		Timeout:         time.Duration(req.TimeoutSec) * time.Second,
		Interval:        time.Duration(req.IntervalMS) * time.Millisecond,
		Rule:            req.Rule,
	}
}

// SessionResponse is the wire form of a tuning session.
type SessionResponse struct {
	ID                string       `json:"id"`
	LoopID            int64        `json:"loop_id"`
	Status            string       `json:"status"`
	StartedAt         time.Time    `json:"started_at"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	Rule              string       `json:"rule"`
	RelayAmplitude    float64      `json:"relay_amplitude"`
	UltimatePeriod    float64      `json:"ultimate_period"`
	UltimateAmplitude float64      `json:"ultimate_amplitude"`
	CriticalGain      float64      `json:"critical_gain"`
	ComputedGains     *model.Gains `json:"computed_gains,omitempty"`
	OriginalGains     model.Gains  `json:"original_gains"`
	Confidence        float64      `json:"confidence"`
	Cycles            int          `json:"cycles"`
	Applied           bool         `json:"applied"`
	Notes             string       `json:"notes,omitempty"`
}

func toSessionResponse(rec *model.TuningSession) SessionResponse {
	return SessionResponse{
		ID:                rec.ID.String(),
		LoopID:            rec.LoopID,
		Status:            string(rec.Status),
		StartedAt:         rec.StartedAt,
		EndedAt:           rec.EndedAt,
		Rule:              string(rec.Params.Rule),
		RelayAmplitude:    rec.Params.RelayAmplitude,
		UltimatePeriod:    rec.UltimatePeriod,
		UltimateAmplitude: rec.UltimateAmplitude,
		CriticalGain:      rec.CriticalGain,
		ComputedGains:     rec.ComputedGains,
		OriginalGains:     rec.OriginalGains,
		Confidence:        rec.Confidence,
		Cycles:            rec.Cycles,
		Applied:           rec.Applied,
		Notes:             rec.Notes,
	}
}

// tuningStatus maps manager errors to HTTP status codes.
func tuningStatus(err error) int {
	switch {
	case errors.Is(err, autotune.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, autotune.ErrLoopNotFound), errors.Is(err, autotune.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, autotune.ErrSessionConflict),
		errors.Is(err, autotune.ErrLoopDisabled),
		errors.Is(err, autotune.ErrSessionNotRunning),
		errors.Is(err, autotune.ErrNothingToRollback),
		errors.Is(err, autotune.ErrTargetUnresolved):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) tuningError(w http.ResponseWriter, op string, err error) {
	status := tuningStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("tuning request failed", "op", op, "error", err)
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleStartTuning(w http.ResponseWriter, r *http.Request) {
	loopID, ok := pathLoopID(w, r)
	if !ok {
		return
	}
	var req startTuningRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	rec, err := s.tuning.Start(r.Context(), loopID, req.params())
	if err != nil {
		s.tuningError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(rec))
}

func (s *Server) handleTuningHistory(w http.ResponseWriter, r *http.Request) {
	loopID, ok := pathLoopID(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.tuning.List(r.Context(), loopID, limit)
	if err != nil {
		s.tuningError(w, "history", err)
		return
	}
	out := make([]SessionResponse, 0, len(recs))
	for i := range recs {
		out = append(out, toSessionResponse(&recs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	rec, err := s.tuning.Get(r.Context(), id)
	if err != nil {
		s.tuningError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(rec))
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	rec, err := s.tuning.Cancel(r.Context(), id)
	if err != nil {
		s.tuningError(w, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(rec))
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathSessionID(w, r)
	if !ok {
		return
	}
	rec, err := s.tuning.Rollback(r.Context(), id)
	if err != nil {
		s.tuningError(w, "rollback", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(rec))
}

// --- Configuration ---

type reloadRequest struct {
	LoopIDs []int64 `json:"loop_ids"`
}

type reloadResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if r.ContentLength != 0 {
		if !decodeJSONBody(w, r, &req) {
			return
		}
	}
	change := notify.ConfigChange{Source: "admin", LoopIDs: req.LoopIDs, At: s.now()}
	if err := s.notifier.PublishConfigChanged(r.Context(), change); err != nil {
		s.logger.Error("publish config reload failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "reload could not be queued")
		return
	}
	writeJSON(w, http.StatusAccepted, reloadResponse{Status: "reload requested"})
}
