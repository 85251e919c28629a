// Package diag serves read-only diagnostics over HTTP on the loopback
// interface: health, status, items needing attention, cached insights and
// Prometheus metrics. It never decrypts records.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forest6511/painvault/internal/metrics"
	"github.com/forest6511/painvault/pkg/engine"
	"github.com/forest6511/painvault/pkg/insight"
)

// Source is what the diagnostics server reads from.
type Source interface {
	Status(ctx context.Context) (engine.Status, error)
	Attention(ctx context.Context) (*engine.Attention, error)
	CachedInsights() ([]insight.Insight, bool)
}

// RequestTimeout bounds every request.
const RequestTimeout = 10 * time.Second

type response struct {
	Data any            `json:"data,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func jsonResponse(w http.ResponseWriter, status int, data any, meta map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Data: data, Meta: meta})
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	json.NewEncoder(w).Encode(body)
}

type handler struct {
	src Source
	log *slog.Logger
}

// NewRouter builds the diagnostics router.
func NewRouter(src Source, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &handler{src: src, log: log.With("component", "diag")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(instrument)
	r.Use(chimiddleware.Timeout(RequestTimeout))

	r.Get("/healthz", h.health)
	r.Get("/status", h.status)
	r.Get("/attention", h.attention)
	r.Get("/insights", h.insights)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
}

// status handles GET /status
func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.src.Status(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "status failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read status")
		return
	}
	jsonResponse(w, http.StatusOK, st, map[string]any{"needs_attention": st.NeedsAttention()})
}

// attention handles GET /attention
func (h *handler) attention(w http.ResponseWriter, r *http.Request) {
	att, err := h.src.Attention(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "attention failed", "error", err)
		jsonError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list items needing attention")
		return
	}
	jsonResponse(w, http.StatusOK, att, nil)
}

// insights handles GET /insights. Only cached results are served; while the
// vault is locked the cache is empty.
func (h *handler) insights(w http.ResponseWriter, _ *http.Request) {
	list, ok := h.src.CachedInsights()
	if !ok {
		jsonError(w, http.StatusServiceUnavailable, "NOT_READY", "Insights have not been computed")
		return
	}
	jsonResponse(w, http.StatusOK, list, map[string]any{"count": len(list)})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// Serve listens on addr until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "diagnostics listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("diagnostics stopped")
	return nil
}
