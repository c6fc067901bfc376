// Package gatewaytest runs an in-process payment gateway and identity
// provider speaking the same contract as the real ones. It decrypts every
// submitted card payload, so tests can check what actually went over the wire.
package gatewaytest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alovak/cardflow-checkout/gateway"
	"github.com/alovak/cardflow-checkout/internal/cardgen"
	"github.com/alovak/cardflow-checkout/internal/security"
)

// Endpoint names used in recorded calls and failure injection.
const (
	EndpointToken    = "token"
	EndpointTokenize = "tokenize"
	EndpointKey      = "key"
	EndpointCharge   = "charge"
	EndpointValidate = "validate"
	EndpointVerify   = "verify"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// Scenario shapes the gateway's answers.
type Scenario struct {
	// AuthModel returned by charge creation: "PIN", "OTP", "NOAUTH", "VBVSECURECODE", ...
	AuthModel string
	// ChargeStatus of the charge response envelope; defaults to "success".
	ChargeStatus string
	// Mode and RedirectURL go into data.meta.authorization.
	Mode        string
	RedirectURL string
	// ExpectedCode, when set, is the only PIN/OTP the challenge accepts.
	ExpectedCode string
	// VerifyStatus of the transaction record; defaults to "successful".
	VerifyStatus string
}

type Call struct {
	Endpoint      string
	TraceID       string
	Authorization string
}

// Charge is a decrypted charge submission.
type Charge struct {
	TxRef     string
	Amount    string
	Currency  string
	Email     string
	FullName  string
	Nonce     string
	CardToken string
	CVV       string
	FlwRef    string
	ID        string
}

type failure struct {
	status  int
	message string
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	scenario   Scenario
	calls      []Call
	charges    []Charge
	failures   map[string]failure
	sessions   map[string]string // access token -> issued key
	cardTokens map[string]bool
	pending    map[string]*Charge // flw_ref -> charge awaiting challenge
	settled    map[string]*Charge // transaction id -> charge
	rawBodies  [][]byte
}

// NewServer starts a fake gateway. Close it when done.
func NewServer(scenario Scenario) *Server {
	s := &Server{
		scenario:   scenario,
		failures:   make(map[string]failure),
		sessions:   make(map[string]string),
		cardTokens: make(map[string]bool),
		pending:    make(map[string]*Charge),
		settled:    make(map[string]*Charge),
	}

	r := chi.NewRouter()
	r.Post("/oauth/token", s.token)
	r.Group(func(r chi.Router) {
		r.Use(s.bearer)
		r.Post("/tokens/card", s.tokenize)
		r.Get("/encryption-keys", s.key)
		r.Post("/v3/charges", s.charge)
		r.Post("/v3/validate-charge", s.validate)
		r.Get("/v3/transactions/{id}/verify", s.verify)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// Config returns a gateway.Config pointing at this server.
func (s *Server) Config() gateway.Config {
	return gateway.Config{
		BaseURL:      s.URL,
		TokenURL:     s.URL + "/oauth/token",
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
	}
}

func (s *Server) SetScenario(sc Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenario = sc
}

// Fail makes endpoint answer with status and a gateway message.
func (s *Server) Fail(endpoint string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = failure{status: status, message: message}
}

// Recover clears a failure set with Fail.
func (s *Server) Recover(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, endpoint)
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Endpoints lists the endpoints called so far, in order.
func (s *Server) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Endpoint)
	}
	return out
}

func (s *Server) Charges() []Charge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Charge(nil), s.charges...)
}

// RawBodies returns every request body received after the token call.
func (s *Server) RawBodies() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.rawBodies...)
}

func (s *Server) record(r *http.Request, endpoint string) (failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{
		Endpoint:      endpoint,
		TraceID:       r.Header.Get(gateway.TraceHeader),
		Authorization: r.Header.Get("Authorization"),
	})
	f, ok := s.failures[endpoint]
	return f, ok
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.record(r, EndpointToken); ok {
		writeJSON(w, f.status, map[string]string{"error": "invalid_client", "error_description": f.message})
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client", "error_description": "bad client credentials"})
		return
	}

	access := "sess_" + uuid.NewString()
	s.mu.Lock()
	s.sessions[access] = ""
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"access_token": access, "token_type": "bearer", "expires_in": 3600})
}

func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		_, ok := s.sessions[tok]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tokenize(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.record(r, EndpointTokenize); ok {
		writeError(w, f)
		return
	}
	var req struct {
		CardNumber  string `json:"card_number"`
		CVV         string `json:"cvv"`
		ExpiryMonth string `json:"expiry_month"`
		ExpiryYear  string `json:"expiry_year"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if cardgen.ValidatePAN(req.CardNumber) != nil || req.CVV == "" {
		writeError(w, failure{http.StatusBadRequest, "invalid card"})
		return
	}
	tok := "tok_" + uuid.NewString()
	s.mu.Lock()
	s.cardTokens[tok] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) key(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.record(r, EndpointKey); ok {
		writeError(w, f)
		return
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		writeError(w, failure{http.StatusInternalServerError, "no entropy"})
		return
	}
	key := base64.StdEncoding.EncodeToString(raw)
	s.mu.Lock()
	s.sessions[bearerToken(r)] = key
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) charge(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.record(r, EndpointCharge); ok {
		writeError(w, f)
		return
	}
	var req struct {
		TxRef         string      `json:"tx_ref"`
		Amount        json.Number `json:"amount"`
		Currency      string      `json:"currency"`
		Email         string      `json:"email"`
		FullName      string      `json:"fullname"`
		EncryptedCard string      `json:"encrypted_card"`
		Nonce         string      `json:"nonce"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	key := s.sessions[bearerToken(r)]
	sc := s.scenario
	s.mu.Unlock()

	plain, err := security.Decrypt(req.EncryptedCard, key, req.Nonce)
	if err != nil {
		writeError(w, failure{http.StatusBadRequest, "could not decrypt card"})
		return
	}
	var card struct {
		CardToken string `json:"card_token"`
		CVV       string `json:"cvv"`
	}
	if err := json.Unmarshal(plain, &card); err != nil {
		writeError(w, failure{http.StatusBadRequest, "malformed card payload"})
		return
	}

	ch := Charge{
		TxRef:     req.TxRef,
		Amount:    req.Amount.String(),
		Currency:  req.Currency,
		Email:     req.Email,
		FullName:  req.FullName,
		Nonce:     req.Nonce,
		CardToken: card.CardToken,
		CVV:       card.CVV,
		FlwRef:    "FLW-" + uuid.NewString(),
		ID:        uuid.NewString(),
	}

	s.mu.Lock()
	known := s.cardTokens[card.CardToken]
	delete(s.cardTokens, card.CardToken)
	if known {
		s.charges = append(s.charges, ch)
		s.pending[ch.FlwRef] = &ch
		if strings.ToUpper(sc.AuthModel) == "NOAUTH" {
			s.settled[ch.ID] = &ch
		}
	}
	s.mu.Unlock()
	if !known {
		writeError(w, failure{http.StatusBadRequest, "unknown or used card token"})
		return
	}

	status := sc.ChargeStatus
	if status == "" {
		status = "success"
	}
	data := map[string]any{
		"id":         ch.ID,
		"tx_ref":     ch.TxRef,
		"flw_ref":    ch.FlwRef,
		"auth_model": sc.AuthModel,
	}
	if sc.Mode != "" || sc.RedirectURL != "" {
		data["meta"] = map[string]any{
			"authorization": map[string]string{"mode": sc.Mode, "redirect": sc.RedirectURL},
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "message": "Charge initiated", "data": data})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.record(r, EndpointValidate); ok {
		writeError(w, f)
		return
	}
	var req struct {
		OTP    string `json:"otp"`
		FlwRef string `json:"flw_ref"`
		Type   string `json:"type"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[req.FlwRef]
	if !ok || req.Type != "card" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "unknown charge reference"})
		return
	}
	if s.scenario.ExpectedCode != "" && req.OTP != s.scenario.ExpectedCode {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": "invalid code"})
		return
	}
	delete(s.pending, req.FlwRef)
	s.settled[ch.ID] = ch
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Charge validated"})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.record(r, EndpointVerify); ok {
		writeError(w, f)
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	ch, settled := s.settled[id]
	if !settled {
		for _, p := range s.pending {
			if p.ID == id {
				ch = p
			}
		}
	}
	status := s.scenario.VerifyStatus
	s.mu.Unlock()

	if ch == nil {
		writeError(w, failure{http.StatusNotFound, "transaction not found"})
		return
	}
	if status == "" {
		status = "successful"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Transaction fetched",
		"data": map[string]any{
			"id":       ch.ID,
			"tx_ref":   ch.TxRef,
			"flw_ref":  ch.FlwRef,
			"amount":   json.Number(ch.Amount),
			"currency": ch.Currency,
			"status":   status,
		},
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, failure{http.StatusBadRequest, "invalid json"})
		return false
	}
	s.mu.Lock()
	s.rawBodies = append(s.rawBodies, append([]byte(nil), raw...))
	s.mu.Unlock()
	if err := json.Unmarshal(raw, v); err != nil {
		writeError(w, failure{http.StatusBadRequest, "invalid json"})
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeError(w http.ResponseWriter, f failure) {
	writeJSON(w, f.status, map[string]string{"status": "error", "message": f.message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
