package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"livedash/internal/orchestrator"
	"livedash/internal/storage"
	"livedash/internal/task/scheduler"
	logx "livedash/pkg/logx"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type countBody struct {
	Widgets int `json:"widgets,omitempty"`
	Viewers int `json:"viewers"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownWidget):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrDuplicateWidget):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidWidget), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

var errBadRequest = errors.New("bad request")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// audit records a mutating call when a store is configured.
func (h *Handler) audit(r *http.Request, action, target string, started time.Time, err error) {
	if h.deps.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     started,
		Actor:  r.RemoteAddr,
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx := context.WithoutCancel(r.Context())
	if aerr := h.deps.Store.AppendAudit(ctx, e); aerr != nil {
		h.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr), logx.String("req_id", middleware.GetReqID(r.Context())))
	}
}

func (h *Handler) addWidget(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req orchestrator.AddRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	wd, err := h.deps.Widgets.WidgetAdded(r.Context(), req)
	target := req.ID
	if err == nil {
		target = wd.ID
	}
	h.audit(r, "widget.add", target, started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (h *Handler) listWidgets(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	writeJSON(w, http.StatusOK, h.deps.Widgets.Widgets(token))
}

func (h *Handler) getWidget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wd, ok := h.deps.Widgets.Widget(id)
	if !ok {
		writeError(w, orchestrator.ErrUnknownWidget)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (h *Handler) reconfigureWidget(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id := chi.URLParam(r, "id")
	var rc orchestrator.Reconfig
	if err := decodeBody(w, r, &rc); err != nil {
		writeError(w, err)
		return
	}
	wd, err := h.deps.Widgets.WidgetReconfigured(r.Context(), id, rc)
	h.audit(r, "widget.reconfigure", id, started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (h *Handler) removeWidget(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id := chi.URLParam(r, "id")
	err := h.deps.Widgets.WidgetRemoved(r.Context(), id)
	h.audit(r, "widget.remove", id, started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refreshWidget(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	id := chi.URLParam(r, "id")
	err := h.deps.Widgets.ForceRefresh(r.Context(), id)
	h.audit(r, "widget.refresh", id, started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) deleteDashboard(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	token := chi.URLParam(r, "token")
	n := h.deps.Widgets.DashboardDeleted(r.Context(), token)
	h.audit(r, "dashboard.delete", token, started, nil)
	writeJSON(w, http.StatusOK, countBody{Widgets: n})
}

func (h *Handler) changeLayout(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	token := chi.URLParam(r, "token")
	var placements []orchestrator.Placement
	if err := decodeBody(w, r, &placements); err != nil {
		writeError(w, err)
		return
	}
	n, err := h.deps.Widgets.LayoutChanged(r.Context(), token, placements)
	h.audit(r, "dashboard.layout", token, started, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Widgets: n})
}

func (h *Handler) reloadDashboard(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	token := chi.URLParam(r, "token")
	n := h.deps.Widgets.Reload(token)
	h.audit(r, "dashboard.reload", token, started, nil)
	writeJSON(w, http.StatusOK, countBody{Viewers: n})
}

func (h *Handler) displayScreenCodes(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	writeJSON(w, http.StatusOK, countBody{Viewers: h.deps.Widgets.DisplayScreenCodes(token)})
}

func (h *Handler) disconnectScreen(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	token := chi.URLParam(r, "token")
	screen, err := strconv.Atoi(chi.URLParam(r, "screen"))
	if err != nil || screen < 0 {
		writeError(w, errors.Join(errBadRequest, errors.New("screen must be a non-negative integer")))
		return
	}
	n := h.deps.Widgets.DisconnectScreen(token, screen)
	h.audit(r, "dashboard.disconnect_screen", token+"/"+strconv.Itoa(screen), started, nil)
	writeJSON(w, http.StatusOK, countBody{Viewers: n})
}

func (h *Handler) schedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Snapshot(r.Context()))
}

func (h *Handler) connections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Live.Peers())
}

func (h *Handler) recentLogs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Logs == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Dropped-Lines", strconv.FormatUint(h.deps.Logs.Dropped(), 10))
	for _, line := range h.deps.Logs.Lines() {
		_, _ = w.Write(line)
		if n := len(line); n == 0 || line[n-1] != '\n' {
			_, _ = w.Write([]byte{'\n'})
		}
	}
}
