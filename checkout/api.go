package checkout

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alovak/cardflow-checkout/checkout/models"
	"github.com/alovak/cardflow-checkout/internal/idempotency"
	"github.com/alovak/cardflow-checkout/orchestrator"
)

// IdempotencyKeyHeader must accompany every card submission.
const IdempotencyKeyHeader = "Idempotency-Key"

// API is a HTTP API for the checkout service
type API struct {
	checkout *Service
}

func NewAPI(checkout *Service) *API {
	return &API{
		checkout: checkout,
	}
}

func (a *API) AppendRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Post("/card", a.submitCard)
			r.Post("/pin", a.submitPIN)
			r.Post("/otp", a.submitOTP)
			r.Post("/verify", a.verify)
			r.Post("/reset", a.reset)
			r.Get("/attempts", a.listAttempts)
		})
	})
	r.Get("/attempts", a.listAttempts)
	r.Get("/attempts/{attemptID}", a.getAttempt)
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	create := models.CreateSession{}
	if err := json.NewDecoder(r.Body).Decode(&create); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session, err := a.checkout.CreateSession(create)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.checkout.GetSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) submitCard(w http.ResponseWriter, r *http.Request) {
	var card models.CardDetails
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		// decoder errors can quote the offending input
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := a.checkout.SubmitCard(r.Context(), chi.URLParam(r, "sessionID"), r.Header.Get(IdempotencyKeyHeader), card)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) submitPIN(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	resp, err := a.checkout.SubmitPIN(r.Context(), chi.URLParam(r, "sessionID"), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) submitOTP(w http.ResponseWriter, r *http.Request) {
	code, ok := decodeCode(w, r)
	if !ok {
		return
	}
	resp, err := a.checkout.SubmitOTP(r.Context(), chi.URLParam(r, "sessionID"), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	resp, err := a.checkout.Verify(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) reset(w http.ResponseWriter, r *http.Request) {
	resp, err := a.checkout.Reset(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := AttemptFilter{SessionID: chi.URLParam(r, "sessionID")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a positive number", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("state"); v != "" {
		var st orchestrator.State
		if err := st.UnmarshalText([]byte(v)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.State = &st
	}
	if v := q.Get("error_kind"); v != "" {
		var kind orchestrator.ErrorKind
		if err := kind.UnmarshalText([]byte(v)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.ErrorKind = &kind
	}

	attempts, err := a.checkout.ListAttempts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*models.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (a *API) getAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := a.checkout.GetAttempt(r.Context(), chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func decodeCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body models.ChallengeCode
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return "", false
	}
	if body.Code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return "", false
	}
	return body.Code, true
}

type errorResponse struct {
	Error     string                 `json:"error"`
	ErrorKind orchestrator.ErrorKind `json:"error_kind,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: "internal error"}

	switch {
	case errors.Is(err, ErrNotFound):
		status, resp.Error = http.StatusNotFound, "not found"
	case errors.Is(err, ErrInvalidRequest):
		status, resp.Error = http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrInvalidStateTransition):
		status = http.StatusConflict
		resp.ErrorKind = orchestrator.InvalidStateTransition
		resp.Error = err.Error()
		var oerr *orchestrator.Error
		if errors.As(err, &oerr) {
			resp.Error = oerr.Message
		}
	case errors.Is(err, orchestrator.ErrAttemptReset):
		status, resp.Error = http.StatusConflict, "attempt was reset"
	case errors.Is(err, idempotency.ErrInProgress):
		status, resp.Error = http.StatusConflict, "a request with this idempotency key is in progress"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
