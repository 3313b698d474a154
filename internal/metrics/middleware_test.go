package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/v1/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Two different IDs collapse into one route pattern
	for _, id := range []string{"a1", "b2"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+id, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
	}

	c, err := m.APIRequestsTotal.GetMetricWithLabelValues("GET", "/api/v1/campaigns/{id}", "200")
	if err != nil {
		t.Fatal(err)
	}
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatal(err)
	}
	if got := metric.Counter.GetValue(); got != 2 {
		t.Errorf("request count = %v, want 2", got)
	}
}

func TestHTTPMiddlewareNoGlobal(t *testing.T) {
	SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want passthrough 418", w.Code)
	}
}

func TestNormalizePathFallback(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/campaigns", "/api/v1/campaigns"},
		{"/api/v1/campaigns/550e8400-e29b-41d4-a716-446655440000", "/api/v1/campaigns/{id}"},
		{"/api/v1/campaigns/not-a-uuid/stats", "/api/v1/campaigns/not-a-uuid/stats"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if got := normalizePath(req); got != tt.want {
			t.Errorf("normalizePath(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestIsUUID(t *testing.T) {
	if !isUUID("550e8400-e29b-41d4-a716-446655440000") {
		t.Error("valid UUID rejected")
	}
	if isUUID("550e8400e29b41d4a716446655440000") {
		t.Error("undashed hex accepted")
	}
	if isUUID("short") {
		t.Error("short string accepted")
	}
	if isUUID("zzze8400-e29b-41d4-a716-446655440000") {
		t.Error("non-hex accepted")
	}
}
