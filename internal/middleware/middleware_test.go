package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-checkout/internal/metrics"
)

func TestStructuredLogger(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	router := chi.NewRouter()
	router.Use(RequestID)
	router.Use(NewStructuredLogger(logger))
	router.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/sessions/abc?pan=4111111111111111", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusTeapot, w.Code)
	id := w.Header().Get(RequestIDHeader)
	require.NotEmpty(t, id)

	out := logs.String()
	require.Contains(t, out, "route=/sessions/{id}")
	require.Contains(t, out, "status=418")
	require.Contains(t, out, "request_id="+id)
	require.NotContains(t, out, "4111111111111111")
}

func TestStructuredLogger_UnmatchedRoute(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	router := chi.NewRouter()
	router.Use(NewStructuredLogger(logger))
	router.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {})

	unmatched := metrics.HTTPRequestTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	count := func() float64 {
		var m dto.Metric
		require.NoError(t, unmatched.Write(&m))
		return m.GetCounter().GetValue()
	}
	before := count()

	for _, path := range []string{"/scan/5531886652142950", "/scan/4111111111111111"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	out := logs.String()
	require.Contains(t, out, "route=unmatched")
	require.NotContains(t, out, "/scan/")
	require.NotContains(t, out, "5531886652142950")
	require.Equal(t, before+2, count())
}

func TestRequestID_KeepsIncoming(t *testing.T) {
	const incoming = "6f1c2c4e-7e0b-4c47-9a53-5d1c0a3e2b10"
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, incoming)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, incoming, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "not an id\n")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotEqual(t, "not an id\n", seen)
	require.NotEmpty(t, seen)
}
