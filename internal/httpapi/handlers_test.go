package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"netwire/hub/internal/logging"
)

type staticReadiness bool

func (s staticReadiness) Ready() bool { return bool(s) }

func newTestRouter(opts Options) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = logging.NewTestLogger()
	}
	router := mux.NewRouter()
	NewHandlerSet(opts).Register(router)
	return router
}

func TestLivezAlwaysOK(t *testing.T) {
	router := newTestRouter(Options{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyzReflectsHubState(t *testing.T) {
	cases := []struct {
		name  string
		ready Readiness
		want  int
	}{
		{"ready", staticReadiness(true), http.StatusOK},
		{"shutting down", staticReadiness(false), http.StatusServiceUnavailable},
		{"unwired", nil, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(Options{Readiness: tc.ready})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestMetricsExposition(t *testing.T) {
	router := newTestRouter(Options{
		Metrics: func() MetricsSnapshot {
			return MetricsSnapshot{
				ActiveConnections: 3,
				TotalConnections:  17,
				PeakConnections:   9,
				MessagesProcessed: 120,
				MessagesFailed:    2,
				Broadcasts:        40,
				ActiveChannels:    5,
			}
		},
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, line := range []string{
		"hub_connections_active 3",
		"hub_connections_total 17",
		"hub_connections_peak 9",
		"hub_messages_processed_total 120",
		"hub_messages_failed_total 2",
		"hub_broadcasts_total 40",
		"hub_channels_active 5",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("missing %q in metrics body:\n%s", line, body)
		}
	}
}

func TestStatsEndpointServesJSON(t *testing.T) {
	router := newTestRouter(Options{
		Stats: func() any { return map[string]int{"active_connections": 2} },
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["active_connections"] != 2 {
		t.Fatalf("unexpected payload %v", payload)
	}
	if rec.Header().Get(logging.TraceIDHeader) == "" {
		t.Fatal("expected trace header on responses")
	}
}

func TestUnwiredEndpointsReturn404(t *testing.T) {
	router := newTestRouter(Options{})
	for _, path := range []string{"/api/stats", "/api/channels", "/api/clients", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}
