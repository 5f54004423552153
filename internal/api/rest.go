// Package api exposes the engine over a small HTTP/JSON shim.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/blueprint"
	"github.com/stackzilla/linode-provider/internal/engine"
	"github.com/stackzilla/linode-provider/internal/resource"
	"github.com/stackzilla/linode-provider/internal/version"
)

const maxBlueprintBytes = 1 << 20

// Engine is the part of *engine.Engine the shim drives.
type Engine interface {
	Apply(ctx context.Context, bp *blueprint.Blueprint) (*engine.Report, error)
	Destroy(ctx context.Context) (*engine.Report, error)
	State(ctx context.Context) (*engine.State, error)
}

type Handler struct {
	engine Engine
	logger *zap.Logger

	// apply and destroy run one at a time
	mu sync.Mutex
}

// NewHTTPHandler returns the shim's routes.
func NewHTTPHandler(e Engine, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{engine: e, logger: logger.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/resources", h.handleResources)
	mux.HandleFunc("/apply", h.handleApply)
	mux.HandleFunc("/destroy", h.handleDestroy)
	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"msg": "pong", "version": version.Version})
}

func (h *Handler) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	st, err := h.engine.State(r.Context())
	if err != nil {
		h.logger.Error("listing resources", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list resources")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleApply takes a YAML blueprint as the request body.
func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlueprintBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	bp, err := blueprint.Parse(data)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid blueprint: "+err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	report, err := h.engine.Apply(r.Context(), bp)
	h.writeReport(w, report, err)
}

func (h *Handler) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	report, err := h.engine.Destroy(r.Context())
	h.writeReport(w, report, err)
}

type actionJSON struct {
	Kind       string   `json:"kind"`
	Name       string   `json:"name"`
	Op         string   `json:"op"`
	Changes    []string `json:"changes,omitempty"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

func (h *Handler) writeReport(w http.ResponseWriter, report *engine.Report, err error) {
	body := map[string]any{}
	if report != nil {
		actions := make([]actionJSON, 0, len(report.Actions))
		for _, a := range report.Actions {
			aj := actionJSON{Kind: a.Kind, Name: a.Name, Op: a.Op, Changes: a.Changes, DurationMS: a.Duration.Milliseconds()}
			if a.Err != nil {
				aj.Error = a.Err.Error()
			}
			actions = append(actions, aj)
		}
		body["actions"] = actions
	}
	if err == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}

	status := http.StatusInternalServerError
	var verr *resource.VerificationError
	var failure *resource.CreationFailure
	switch {
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &failure):
		status = http.StatusBadGateway
		body["kind"] = string(failure.Kind)
	}
	body["error"] = err.Error()
	h.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
	h.logger.Debug("request rejected", zap.Int("status", status), zap.String("error", msg))
}
