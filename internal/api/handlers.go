// Package api exposes the sync engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nganga-moses/overwatch-cloud/internal/auth"
	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/persistence"
)

const maxPushBodyBytes = 32 << 20

// Engine is the sync surface the handlers drive.
type Engine interface {
	Push(ctx context.Context, req domain.PushRequest) (domain.PushResult, error)
	Pull(ctx context.Context, req domain.PullRequest) (domain.PullPage, error)
	Bootstrap(ctx context.Context, customerID, workstationID string) (domain.Snapshot, error)
}

// Handler coordinates HTTP requests with the sync engine.
type Handler struct {
	engine       Engine
	logger       logrus.FieldLogger
	storeTimeout time.Duration
}

// NewHandler builds a Handler. A positive storeTimeout bounds each request's engine call.
func NewHandler(engine Engine, logger logrus.FieldLogger, storeTimeout time.Duration) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{engine: engine, logger: logger, storeTimeout: storeTimeout}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync/push", h.push)
	mux.HandleFunc("/v1/sync/pull", h.pull)
	mux.HandleFunc("/v1/sync/bootstrap", h.bootstrap)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// PushRequest is the payload for POST /v1/sync/push.
type PushRequest struct {
	WorkstationID string            `json:"workstation_id"`
	Items         []domain.PushItem `json:"items"`
}

// Validate checks the envelope. Item level problems are reported per item by the engine.
func (r PushRequest) Validate() error {
	if strings.TrimSpace(r.WorkstationID) == "" {
		return errors.New("workstation_id is required")
	}
	if len(r.Items) == 0 {
		return errors.New("items must not be empty")
	}
	return nil
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}

	var req PushRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.engine.Push(ctx, domain.PushRequest{
		CustomerID:    claims.CustomerID,
		WorkstationID: req.WorkstationID,
		Items:         req.Items,
	})
	if err != nil {
		h.writeEngineError(w, r, claims, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) pull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeSyncRead)
	if !ok {
		return
	}

	query := r.URL.Query()
	workstationID := strings.TrimSpace(query.Get("workstation_id"))
	if workstationID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing workstation_id parameter")
		return
	}
	since, err := persistence.ParseCursor(query.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	var limit int
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	page, err := h.engine.Pull(ctx, domain.PullRequest{
		CustomerID:    claims.CustomerID,
		WorkstationID: workstationID,
		Since:         since,
		Limit:         limit,
	})
	if err != nil {
		h.writeEngineError(w, r, claims, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) bootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := authorize(w, r, auth.ScopeSyncRead)
	if !ok {
		return
	}
	workstationID := strings.TrimSpace(r.URL.Query().Get("workstation_id"))
	if workstationID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "missing workstation_id parameter")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	snapshot, err := h.engine.Bootstrap(ctx, claims.CustomerID, workstationID)
	if err != nil {
		h.writeEngineError(w, r, claims, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.storeTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.storeTimeout)
}

// authorize requires claims carrying scope. sync:write implies sync:read.
func authorize(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if claims.HasScope(scope) || (scope == auth.ScopeSyncRead && claims.HasScope(auth.ScopeSyncWrite)) {
		return claims, true
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
	return nil, false
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, claims *auth.Claims, err error) {
	switch {
	case errors.Is(err, domain.ErrWorkstationNotFound):
		writeError(w, http.StatusNotFound, "workstation_not_found", err.Error())
	case errors.Is(err, domain.ErrBatchTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", err.Error())
	case errors.Is(err, domain.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case domain.IsRetryable(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.logger.WithError(err).WithFields(logrus.Fields{
			"customer_id": claims.CustomerID,
			"path":        r.URL.Path,
		}).Warn("sync request aborted, client may retry")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "sync store unavailable, retry the request")
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"customer_id": claims.CustomerID,
			"path":        r.URL.Path,
		}).Error("sync request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
