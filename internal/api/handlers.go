package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/artifact"
	"github.com/shehryarbajwa/stepdebug/internal/session"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

// PoolStats reports automation context usage
type PoolStats interface {
	Stats() models.PoolStats
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions *session.Manager
	shots    *artifact.Store
	pool     PoolStats
	log      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions *session.Manager, shots *artifact.Store, pool PoolStats, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		shots:    shots,
		pool:     pool,
		log:      log.Named("api"),
	}
}

// StartSession handles POST /v1/debug/start
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartDebugRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.UserID = userID(r)

	snap, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, snap)
}

// GetStatus handles GET /v1/debug/status/{id}; ?wait=true blocks until setup ends
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var (
		snap models.DebugSession
		err  error
	)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		snap, err = h.sessions.AwaitSetup(r.Context(), id)
	} else {
		snap, err = h.sessions.Status(id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// GetInstructions handles GET /v1/debug/instructions/{id}
func (h *Handler) GetInstructions(w http.ResponseWriter, r *http.Request) {
	instructions, err := h.sessions.Instructions(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, instructions)
}

// ConfirmSetup handles POST /v1/debug/confirm-setup
func (h *Handler) ConfirmSetup(w http.ResponseWriter, r *http.Request) {
	var req models.SessionRequest
	if err := decodeSession(r, &req, &req.SessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	snap, err := h.sessions.ConfirmSetup(req.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// ExecuteStep handles POST /v1/debug/execute-step
func (h *Handler) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteStepRequest
	if err := decodeSession(r, &req, &req.SessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	// a started step finishes even if the client goes away
	result, err := h.sessions.ExecuteStep(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ExecuteNext handles POST /v1/debug/execute-next/{id}
func (h *Handler) ExecuteNext(w http.ResponseWriter, r *http.Request) {
	resp, err := h.sessions.ExecuteNext(context.WithoutCancel(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// SetContinuous handles POST /v1/debug/continuous/{id}
func (h *Handler) SetContinuous(w http.ResponseWriter, r *http.Request) {
	var req models.ContinuousRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.IntervalMs < 0 {
		h.writeError(w, r, fmt.Errorf("%w: interval_ms must not be negative", models.ErrInvalidRequest))
		return
	}

	snap, err := h.sessions.SetContinuous(mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// StopSession handles POST /v1/debug/stop
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	var req models.SessionRequest
	if err := decodeSession(r, &req, &req.SessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp, err := h.sessions.Stop(req.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListSessions handles GET /v1/debug/sessions?skip=&limit=
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.sessions.List(skip, limit))
}

// GetScreenshot handles GET /v1/debug/screenshots/{ref}
func (h *Handler) GetScreenshot(w http.ResponseWriter, r *http.Request) {
	f, shot, err := h.shots.Open(mux.Vars(r)["ref"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, shot.Ref, shot.CreatedAt, f)
}

// ArchiveScreenshots handles GET /v1/debug/sessions/{id}/screenshots
func (h *Handler) ArchiveScreenshots(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var buf bytes.Buffer
	if err := h.sessions.Archive(id, &buf); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"-screenshots.tar.gz"))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	list := h.sessions.List(0, 1)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"pool":            h.pool.Stats(),
		"active_sessions": list.ActiveSessions,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRange),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrScriptNotFound),
		errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConcurrentExecution),
		errors.Is(err, models.ErrSessionTerminated),
		errors.Is(err, models.ErrIterationLimit):
		return http.StatusConflict
	case errors.Is(err, models.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrSetupTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", models.ErrInvalidRequest, err)
	}
	return nil
}

func decodeSession(r *http.Request, v interface{}, sessionID *string) error {
	if err := decode(r, v); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("%w: session_id is required", models.ErrInvalidRequest)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrInvalidRequest, key)
	}
	return n, nil
}
