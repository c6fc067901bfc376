package checkout_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alovak/cardflow-checkout/checkout"
	"github.com/alovak/cardflow-checkout/checkout/models"
	"github.com/alovak/cardflow-checkout/gateway"
	"github.com/alovak/cardflow-checkout/gateway/gatewaytest"
	"github.com/alovak/cardflow-checkout/orchestrator"
)

const testPAN = "5531886652142950"

type testEnv struct {
	router chi.Router
	gw     *gatewaytest.Server
}

func newEnv(t *testing.T, sc gatewaytest.Scenario) *testEnv {
	t.Helper()
	srv := gatewaytest.NewServer(sc)
	t.Cleanup(srv.Close)

	client := gateway.New(srv.Config(), srv.Client(), nil)
	svc := checkout.NewService(checkout.NewRepository(), nil, client, nil, checkout.DefaultConfig(), nil)

	router := chi.NewRouter()
	checkout.NewAPI(svc).AppendRoutes(router)
	return &testEnv{router: router, gw: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createSession(t *testing.T) models.Session {
	t.Helper()
	w := e.do(t, http.MethodPost, "/sessions/", models.CreateSession{
		Amount:   decimal.RequireFromString("1500.00"),
		Currency: "ngn",
		Email:    "ada@example.com",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var sess models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.ID)
	require.Equal(t, "NGN", sess.Currency)
	require.Equal(t, orchestrator.Idle, sess.Result.State)
	return sess
}

func (e *testEnv) submitCard(t *testing.T, sessionID, key string) (*httptest.ResponseRecorder, models.StepResponse) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/sessions/"+sessionID+"/card", models.CardDetails{
		Number:         testPAN,
		CVV:            "564",
		ExpiryMonth:    "09",
		ExpiryYear:     "32",
		CardholderName: "Ada Obi",
	}, map[string]string{checkout.IdempotencyKeyHeader: key})

	var resp models.StepResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestAPI_PINFlow(t *testing.T) {
	env := newEnv(t, gatewaytest.Scenario{AuthModel: "PIN", ExpectedCode: "3310"})
	sess := env.createSession(t)

	w, resp := env.submitCard(t, sess.ID, "key-1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, orchestrator.PinRequired, resp.State)
	require.NotEmpty(t, resp.Correlation.GatewayReference)
	require.NotContains(t, w.Body.String(), testPAN)

	w = env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/pin", models.ChallengeCode{Code: "3310"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, orchestrator.Success, resp.State)

	w = env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, orchestrator.Success, resp.State)
	require.NotNil(t, resp.Transaction)
	require.Equal(t, "successful", resp.Transaction.Status)

	w = env.do(t, http.MethodGet, "/sessions/"+sess.ID+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), testPAN)

	var attempts []models.Attempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &attempts))
	require.Len(t, attempts, 1)
	require.Equal(t, "553188", attempts[0].BIN)
	require.Equal(t, "2950", attempts[0].Last4)
	require.Equal(t, "success", attempts[0].State)
	require.Equal(t, resp.Correlation.TxRef, attempts[0].TxRef)
	require.Equal(t, resp.Correlation.TransactionID, attempts[0].TransactionID)
}

func TestAPI_IdempotentCardSubmission(t *testing.T) {
	env := newEnv(t, gatewaytest.Scenario{AuthModel: "OTP"})
	sess := env.createSession(t)

	w, first := env.submitCard(t, sess.ID, "same-key")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, orchestrator.OtpRequired, first.State)
	require.False(t, first.Replayed)

	w, second := env.submitCard(t, sess.ID, "same-key")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, second.Replayed)
	require.Equal(t, orchestrator.OtpRequired, second.State)
	require.Equal(t, first.Correlation.TxRef, second.Correlation.TxRef)

	require.Len(t, env.gw.Charges(), 1)

	// a different key on the same attempt is a second card submission
	w, _ = env.submitCard(t, sess.ID, "other-key")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Len(t, env.gw.Charges(), 1)
}

func TestAPI_Errors(t *testing.T) {
	env := newEnv(t, gatewaytest.Scenario{AuthModel: "NOAUTH"})
	sess := env.createSession(t)

	t.Run("unknown session", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/sessions/does-not-exist/", nil, nil)
		require.Equal(t, http.StatusNotFound, w.Code)

		w, _ = env.submitCard(t, "does-not-exist", "k")
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sessions/", bytes.NewBufferString(`{"amount":`))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		require.Equal(t, http.StatusBadRequest, w.Code)

		w = env.do(t, http.MethodPost, "/sessions/", models.CreateSession{Amount: decimal.Zero, Currency: "NGN", Email: "a@b.c"}, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)

		w = env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/pin", models.ChallengeCode{}, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		w, _ := env.submitCard(t, sess.ID, "")
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Empty(t, env.gw.Charges())
	})

	t.Run("pin while idle", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/otp", models.ChallengeCode{Code: "123456"}, nil)
		require.Equal(t, http.StatusConflict, w.Code)

		var body struct {
			Error     string `json:"error"`
			ErrorKind string `json:"error_kind"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Equal(t, "invalid_state_transition", body.ErrorKind)
	})
}

func TestAPI_FailedChargeThenReset(t *testing.T) {
	env := newEnv(t, gatewaytest.Scenario{AuthModel: "NOAUTH"})
	env.gw.Fail(gatewaytest.EndpointCharge, http.StatusPaymentRequired, "insufficient funds")
	sess := env.createSession(t)

	w, resp := env.submitCard(t, sess.ID, "k1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, orchestrator.Failed, resp.State)
	require.Equal(t, orchestrator.ChargeFailure, resp.ErrorKind)
	require.Equal(t, "insufficient funds", resp.Message)

	w = env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/reset", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reset models.StepResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reset))
	require.Equal(t, orchestrator.Idle, reset.State)
	require.Empty(t, reset.Correlation.TxRef)
	require.Empty(t, reset.ErrorKind)
	require.Empty(t, reset.Message)

	env.gw.Recover(gatewaytest.EndpointCharge)

	w, resp = env.submitCard(t, sess.ID, "k2")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, orchestrator.Success, resp.State)
	require.Empty(t, resp.ErrorKind)

	w = env.do(t, http.MethodGet, "/sessions/"+sess.ID+"/attempts", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var attempts []models.Attempt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &attempts))
	require.Len(t, attempts, 2)

	outcomes := []string{attempts[0].State + "/" + attempts[0].ErrorKind, attempts[1].State + "/" + attempts[1].ErrorKind}
	require.ElementsMatch(t, []string{"success/", "failed/charge_failure"}, outcomes)
	require.NotEqual(t, attempts[0].TxRef, attempts[1].TxRef)
}

func TestAPI_RedirectFlow(t *testing.T) {
	env := newEnv(t, gatewaytest.Scenario{
		AuthModel:   "VBVSECURECODE",
		Mode:        "redirect",
		RedirectURL: "https://acs.example.com/auth?id=7",
	})
	sess := env.createSession(t)

	w, resp := env.submitCard(t, sess.ID, "k")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, orchestrator.RedirectPending, resp.State)
	require.Equal(t, "https://acs.example.com/auth?id=7", resp.RedirectURL)

	w = env.do(t, http.MethodGet, "/sessions/"+sess.ID+"/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Equal(t, orchestrator.RedirectPending, view.Result.State)

	w = env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, orchestrator.Success, resp.State)
}

func TestAPI_AttemptLookupAndFilters(t *testing.T) {
	env := newEnv(t, gatewaytest.Scenario{AuthModel: "NOAUTH"})
	env.gw.Fail(gatewaytest.EndpointCharge, http.StatusPaymentRequired, "insufficient funds")
	sess := env.createSession(t)

	w, _ := env.submitCard(t, sess.ID, "k1")
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/sessions/"+sess.ID+"/reset", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env.gw.Recover(gatewaytest.EndpointCharge)
	w, _ = env.submitCard(t, sess.ID, "k2")
	require.Equal(t, http.StatusOK, w.Code)

	list := func(t *testing.T, path string) []models.Attempt {
		t.Helper()
		w := env.do(t, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var attempts []models.Attempt
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &attempts))
		return attempts
	}

	failed := list(t, "/sessions/"+sess.ID+"/attempts?state=failed")
	require.Len(t, failed, 1)
	require.Equal(t, "charge_failure", failed[0].ErrorKind)

	require.Len(t, list(t, "/attempts?error_kind=charge_failure"), 1)
	require.Len(t, list(t, "/attempts?state=success"), 1)
	require.Empty(t, list(t, "/attempts?state=pin_required"))
	require.Len(t, list(t, "/attempts"), 2)

	t.Run("get by id", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/attempts/"+failed[0].ID, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NotContains(t, w.Body.String(), testPAN)

		var got models.Attempt
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Equal(t, failed[0].ID, got.ID)
		require.Equal(t, sess.ID, got.SessionID)
		require.Equal(t, "failed", got.State)

		w = env.do(t, http.MethodGet, "/attempts/does-not-exist", nil, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown filter values", func(t *testing.T) {
		for _, q := range []string{"state=settled", "error_kind=card_melted", "limit=-1", "limit=ten"} {
			w := env.do(t, http.MethodGet, "/attempts?"+q, nil, nil)
			require.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})
}
