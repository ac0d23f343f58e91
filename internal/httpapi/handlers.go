// Package httpapi exposes the hub's operational HTTP surface: health probes,
// a Prometheus-style metrics endpoint, and JSON inspection APIs.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"netwire/hub/internal/logging"
)

// Readiness reports whether the hub is accepting connections.
type Readiness interface {
	Ready() bool
}

// MetricsSnapshot carries the counters rendered on /metrics.
type MetricsSnapshot struct {
	ActiveConnections int
	TotalConnections  uint64
	PeakConnections   int
	MessagesProcessed uint64
	MessagesFailed    uint64
	Broadcasts        uint64
	ActiveChannels    int
}

// Options wires hub state into the handler set. Nil members disable the
// corresponding endpoint with a 404.
type Options struct {
	Logger    *logging.Logger
	Readiness Readiness
	Metrics   func() MetricsSnapshot
	Stats     func() any
	Channels  func() any
	Clients   func() any
}

// HandlerSet bundles the ops endpoints for registration on a mux router.
type HandlerSet struct {
	opts Options
}

// NewHandlerSet builds the ops handlers with the supplied wiring.
func NewHandlerSet(opts Options) *HandlerSet {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &HandlerSet{opts: opts}
}

// Register attaches every endpoint to the router with trace propagation.
func (h *HandlerSet) Register(router *mux.Router) {
	if h == nil || router == nil {
		return
	}
	router.Use(logging.HTTPTraceMiddleware(h.opts.Logger))
	router.HandleFunc("/livez", h.handleLivez).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.handleReadyz).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", h.jsonEndpoint(h.opts.Stats)).Methods(http.MethodGet)
	router.HandleFunc("/api/channels", h.jsonEndpoint(h.opts.Channels)).Methods(http.MethodGet)
	router.HandleFunc("/api/clients", h.jsonEndpoint(h.opts.Clients)).Methods(http.MethodGet)
}

func (h *HandlerSet) handleLivez(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *HandlerSet) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if h.opts.Readiness == nil || !h.opts.Readiness.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (h *HandlerSet) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if h.opts.Metrics == nil {
		http.NotFound(w, nil)
		return
	}
	snapshot := h.opts.Metrics()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	//1.- Hand-rendered exposition format keeps the endpoint dependency-free.
	fmt.Fprintf(w, "# TYPE hub_connections_active gauge\nhub_connections_active %d\n", snapshot.ActiveConnections)
	fmt.Fprintf(w, "# TYPE hub_connections_total counter\nhub_connections_total %d\n", snapshot.TotalConnections)
	fmt.Fprintf(w, "# TYPE hub_connections_peak gauge\nhub_connections_peak %d\n", snapshot.PeakConnections)
	fmt.Fprintf(w, "# TYPE hub_messages_processed_total counter\nhub_messages_processed_total %d\n", snapshot.MessagesProcessed)
	fmt.Fprintf(w, "# TYPE hub_messages_failed_total counter\nhub_messages_failed_total %d\n", snapshot.MessagesFailed)
	fmt.Fprintf(w, "# TYPE hub_broadcasts_total counter\nhub_broadcasts_total %d\n", snapshot.Broadcasts)
	fmt.Fprintf(w, "# TYPE hub_channels_active gauge\nhub_channels_active %d\n", snapshot.ActiveChannels)
}

func (h *HandlerSet) jsonEndpoint(source func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if source == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source()); err != nil {
			h.opts.Logger.Error("encode response failed",
				logging.String("path", r.URL.Path),
				logging.Error(err),
			)
		}
	}
}
