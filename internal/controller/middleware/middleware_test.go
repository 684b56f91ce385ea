package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"srmjobs/internal/logger"
)

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	handler := RequestID(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen == "" {
		t.Fatal("expected a generated request id in context")
	}
	if got := rr.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response header %q, context %q", got, seen)
	}
	if rr.Code != http.StatusTeapot {
		t.Errorf("status not passed through: %d", rr.Code)
	}
}

func TestRequestID_KeepsCallerID(t *testing.T) {
	var seen string
	handler := RequestID(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if seen != "abc-123" {
		t.Errorf("expected caller id, got %q", seen)
	}
}

func TestClientHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	if got := ClientHost(req); got != "192.0.2.7" {
		t.Errorf("ClientHost = %q", got)
	}

	req.RemoteAddr = "pipe"
	if got := ClientHost(req); got != "pipe" {
		t.Errorf("ClientHost without port = %q", got)
	}
}
