package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "livedash/pkg/logx"
)

// Router builds the route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/widgets", h.addWidget)
		r.Get("/widgets", h.listWidgets)
		r.Get("/widgets/{id}", h.getWidget)
		r.Patch("/widgets/{id}", h.reconfigureWidget)
		r.Delete("/widgets/{id}", h.removeWidget)
		r.Post("/widgets/{id}/refresh", h.refreshWidget)

		r.Get("/dashboards/{token}/widgets", h.listWidgets)
		r.Delete("/dashboards/{token}", h.deleteDashboard)
		r.Put("/dashboards/{token}/layout", h.changeLayout)
		r.Post("/dashboards/{token}/reload", h.reloadDashboard)
		r.Post("/dashboards/{token}/screens", h.displayScreenCodes)
		r.Delete("/dashboards/{token}/screens/{screen}", h.disconnectScreen)
	})

	r.Get("/ws/{token}", h.serveViewer)

	if h.cfg.Metrics && h.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/debug", func(r chi.Router) {
		r.Use(h.debugAuth)
		r.Get("/scheduler", h.schedulerSnapshot)
		r.Get("/connections", h.connections)
		r.Get("/logs", h.recentLogs)
		if h.cfg.Pprof {
			r.Mount("/", middleware.Profiler())
		}
	})
	return r
}

func (h *Handler) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// debugAuth accepts "Authorization: Bearer <token>" or ?token=. Without a
// configured token, debug routes are only served on loopback listeners.
func (h *Handler) debugAuth(next http.Handler) http.Handler {
	tok := strings.TrimSpace(h.cfg.DebugToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok == "" {
			if !isLoopbackAddr(h.cfg.Addr) {
				http.Error(w, "debug routes need http.debug_token on this address", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		got := r.URL.Query().Get("token")
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(ah, p) {
			got = strings.TrimSpace(strings.TrimPrefix(ah, p))
		}
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(tok)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}
