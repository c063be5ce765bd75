package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestLogger_SetsRequestID(t *testing.T) {
	logger := zap.NewNop()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	Logger(logger)(next).ServeHTTP(w, r)

	res := w.Result()
	if res.StatusCode != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusTeapot)
	}
	if res.Header.Get("X-Request-ID") == "" {
		t.Fatalf("X-Request-ID header not set")
	}
}
