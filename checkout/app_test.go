package checkout_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-checkout/checkout"
	"github.com/alovak/cardflow-checkout/checkout/models"
	"github.com/alovak/cardflow-checkout/gateway/gatewaytest"
	"github.com/alovak/cardflow-checkout/internal/middleware"
	"github.com/alovak/cardflow-checkout/orchestrator"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestApp_ServesCheckoutOverHTTP(t *testing.T) {
	gw := gatewaytest.NewServer(gatewaytest.Scenario{AuthModel: "OTP", ExpectedCode: "123456"})
	defer gw.Close()

	logs := &lockedBuffer{}
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(logs, os.Stderr), nil))

	gc := gw.Config()
	config := checkout.DefaultConfig()
	config.HTTPAddr = "127.0.0.1:0"
	config.Gateway.BaseURL = gc.BaseURL
	config.Gateway.TokenURL = gc.TokenURL
	config.Gateway.ClientID = gc.ClientID
	config.Gateway.ClientSecret = gc.ClientSecret

	app := checkout.NewApp(logger, config)
	app.HTTPClient = gw.Client()
	require.NoError(t, app.Start())
	stopped := false
	defer func() {
		if !stopped {
			app.Shutdown()
		}
	}()

	base := "http://" + app.Addr

	for _, path := range []string{"/-/live", "/-/ready"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	post := func(path string, body any, headers map[string]string) *http.Response {
		t.Helper()
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("/sessions", map[string]string{"amount": "42.00", "currency": "USD", "email": "ada@example.com"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
	var sess models.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	resp.Body.Close()

	resp = post("/sessions/"+sess.ID+"/card", models.CardDetails{
		Number:      testPAN,
		CVV:         "564",
		ExpiryMonth: "09",
		ExpiryYear:  "32",
	}, map[string]string{checkout.IdempotencyKeyHeader: "card-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var step models.StepResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&step))
	resp.Body.Close()
	require.Equal(t, orchestrator.OtpRequired, step.State)

	resp = post("/sessions/"+sess.ID+"/otp", models.ChallengeCode{Code: "123456"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&step))
	resp.Body.Close()
	require.Equal(t, orchestrator.Success, step.State)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(metrics), "checkout_steps_total")
	require.Contains(t, string(metrics), "checkout_http_requests_total")

	app.Shutdown()
	stopped = true

	out := logs.String()
	require.Contains(t, out, "/sessions/{sessionID}/card")
	require.NotContains(t, out, testPAN)
}

func TestApp_StartRejectsInvalidConfig(t *testing.T) {
	app := checkout.NewApp(slog.Default(), checkout.DefaultConfig())
	require.ErrorContains(t, app.Start(), "invalid config")
}
