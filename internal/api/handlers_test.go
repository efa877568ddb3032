package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"job-result-store/internal/config"
	"job-result-store/internal/monitor"
)

// mockStore implements ResultStore for handler tests.
type mockStore struct {
	payload  string
	mimeType string
	err      error
	healthy  bool
}

func (m *mockStore) RetrieveResult(_ context.Context, id string) (io.ReadCloser, string, error) {
	if m.err != nil {
		return nil, "", m.err
	}
	if m.payload == "" {
		return nil, "", nil
	}
	return io.NopCloser(strings.NewReader(m.payload)), m.mimeType, nil
}

func (m *mockStore) Healthy(context.Context) bool { return m.healthy }

func getResult(t *testing.T, store ResultStore, target string) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandlers(store)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.HandleRetrieveResult(rec, req)
	return rec
}

func TestHandleRetrieveResult(t *testing.T) {
	store := &mockStore{payload: "<ExecuteResponse/>", mimeType: "text/xml"}
	rec := getResult(t, store, "/wps/RetrieveResultServlet?id=job42")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", got)
	}
	if rec.Body.String() != "<ExecuteResponse/>" {
		t.Errorf("body = %q, want the stored payload", rec.Body.String())
	}
}

func TestHandleRetrieveResultMissingID(t *testing.T) {
	rec := getResult(t, &mockStore{}, "/wps/RetrieveResultServlet")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRetrieveResultNotFound(t *testing.T) {
	rec := getResult(t, &mockStore{}, "/wps/RetrieveResultServlet?id=missing")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleRetrieveResultStoreError(t *testing.T) {
	store := &mockStore{err: errors.New("connection lost")}
	rec := getResult(t, store, "/wps/RetrieveResultServlet?id=job42")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleRetrieveResultDefaultMimeType(t *testing.T) {
	store := &mockStore{payload: "bytes"}
	rec := getResult(t, store, "/wps/RetrieveResultServlet?id=job42")

	if got := rec.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Errorf("Content-Type = %q, want application/octet-stream", got)
	}
}

func TestServerRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &mockStore{payload: "payload", mimeType: "text/plain", healthy: true}
	server := NewServer(cfg, store, monitor.NewMetrics(), monitor.NewTracer())

	tests := []struct {
		target string
		want   int
	}{
		{"/wps/RetrieveResultServlet?id=job42", http.StatusOK},
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.target, nil)
		rec := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.target, rec.Code, tt.want)
		}
	}
}

func TestServerRouteMatchesRetrievalURL(t *testing.T) {
	// A webapp path with surrounding slashes must still produce a servable
	// route, since BaseResultURL builds retrieval URLs from the same value.
	cfg := config.DefaultConfig()
	cfg.Server.WebappPath = "/processing/"
	store := &mockStore{payload: "payload", mimeType: "text/plain", healthy: true}
	server := NewServer(cfg, store, monitor.NewMetrics(), monitor.NewTracer())

	req := httptest.NewRequest(http.MethodGet, "/processing/RetrieveResultServlet?id=job42", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestServerRoutesWithTracingEnabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tracing.Enabled = true
	store := &mockStore{payload: "payload", mimeType: "text/plain", healthy: true}
	server := NewServer(cfg, store, monitor.NewMetrics(), monitor.NewTracer())

	req := httptest.NewRequest(http.MethodGet, "/wps/RetrieveResultServlet?id=job42", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestServerHealthDegraded(t *testing.T) {
	cfg := config.DefaultConfig()
	server := NewServer(cfg, &mockStore{healthy: false}, monitor.NewMetrics(), monitor.NewTracer())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
