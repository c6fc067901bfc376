// Package orchestrator drives one card payment attempt from raw card details
// through tokenization, payload encryption, charge creation and whatever
// challenge the gateway demands.
//
// An Orchestrator owns exactly one attempt at a time. The step methods are
// safe to call from several goroutines: a step called while another is in
// flight is rejected with ErrInvalidStateTransition, and a step whose attempt
// was Reset mid-flight has its result discarded.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-checkout/gateway"
	"github.com/alovak/cardflow-checkout/internal/cardgen"
	"github.com/alovak/cardflow-checkout/internal/metrics"
	"github.com/alovak/cardflow-checkout/internal/nonce"
	"github.com/alovak/cardflow-checkout/internal/security"
)

// Gateway is the set of calls the orchestrator makes. *gateway.Client
// implements it.
type Gateway interface {
	AcquireSessionToken(ctx context.Context) (string, error)
	TokenizeCard(ctx context.Context, pan, cvv, expiryMonth, expiryYear, sessionToken string) (string, error)
	FetchEncryptionKey(ctx context.Context, sessionToken string) (string, error)
	CreateCharge(ctx context.Context, req gateway.ChargeRequest, sessionToken string) (*gateway.ChargeResult, error)
	SubmitChallenge(ctx context.Context, gatewayReference, code, sessionToken string) (*gateway.ChallengeResult, error)
	VerifyTransaction(ctx context.Context, transactionID, sessionToken string) (*gateway.Transaction, error)
}

var _ Gateway = (*gateway.Client)(nil)

type NonceSource interface {
	Generate() (string, error)
}

// StepResult is what every step hands back to the caller.
type StepResult struct {
	State       State                `json:"state"`
	RedirectURL string               `json:"redirect_url,omitempty"`
	ErrorKind   ErrorKind            `json:"error_kind,omitempty"`
	Message     string               `json:"message,omitempty"`
	Transaction *gateway.Transaction `json:"transaction,omitempty"`
}

// Correlation exposes the business identifiers of the current attempt. The
// session token is deliberately absent.
type Correlation struct {
	TxRef            string `json:"tx_ref,omitempty"`
	GatewayReference string `json:"gateway_reference,omitempty"`
	TransactionID    string `json:"transaction_id,omitempty"`
	AuthModel        string `json:"auth_model,omitempty"`
}

// attempt is the correlation state of one Transaction Attempt.
type attempt struct {
	txRef            string
	sessionToken     string
	gatewayReference string
	transactionID    string
	authModel        gateway.AuthModel
	redirectURL      string
	transaction      *gateway.Transaction
}

type Orchestrator struct {
	gw     Gateway
	enc    security.Encryptor
	nonces NonceSource
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	state      State
	attempt    attempt
	lastErr    *Error
	generation uint64
}

type Option func(*Orchestrator)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an Orchestrator in Idle. A nil encryptor or nonce source falls
// back to software AES-GCM and crypto/rand.
func New(gw Gateway, enc security.Encryptor, nonces NonceSource, logger *slog.Logger, opts ...Option) *Orchestrator {
	if enc == nil {
		enc = security.AESGCM{}
	}
	if nonces == nil {
		nonces = nonce.NewGenerator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		gw:     gw,
		enc:    enc,
		nonces: nonces,
		logger: logger.With(slog.String("component", "orchestrator")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastError returns the failure recorded on the current attempt, if any.
func (o *Orchestrator) LastError() *Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastErr == nil {
		return nil
	}
	e := *o.lastErr
	return &e
}

func (o *Orchestrator) Correlation() Correlation {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := Correlation{
		TxRef:            o.attempt.txRef,
		GatewayReference: o.attempt.gatewayReference,
		TransactionID:    o.attempt.transactionID,
	}
	if o.attempt.txRef != "" {
		c.AuthModel = o.attempt.authModel.String()
	}
	return c
}

// Result describes the current state without running a step.
func (o *Orchestrator) Result() StepResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resultLocked()
}

// Reset discards the attempt and returns to Idle. A step still in flight
// keeps running against the gateway but its result will be dropped.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Processing {
		o.logger.Info("abandoning in-flight attempt", slog.String("tx_ref", o.attempt.txRef))
	}
	o.generation++
	o.state = Idle
	o.attempt = attempt{}
	o.lastErr = nil
}

// SubmitCard runs token acquisition, tokenization, key retrieval, payload
// encryption and charge creation. Valid only from Idle.
//
// The returned error is non-nil only when the call itself was rejected; a
// declined or failed payment is reported through StepResult and LastError.
func (o *Orchestrator) SubmitCard(ctx context.Context, card Card) (StepResult, error) {
	const step = "card"
	gen, _, _, rejected := o.begin(step, Idle)
	if rejected != nil {
		return o.Result(), rejected
	}

	checked, cerr := checkCard(card, o.now())
	if cerr != nil {
		return o.resolve(gen, step, attempt{}, Failed, cerr)
	}

	a := attempt{txRef: uuid.NewString()}
	log := o.logger.With(slog.String("tx_ref", a.txRef))
	log.Info("submitting card", slog.String("card", cardgen.MaskPAN(checked.pan)))

	token, err := o.gw.AcquireSessionToken(ctx)
	if err != nil {
		return o.resolve(gen, step, a, Failed, stepError(AuthFailure, err))
	}
	a.sessionToken = token

	cardToken, err := o.gw.TokenizeCard(ctx, checked.pan, checked.cvv, checked.expiryMonth, checked.expiryYear, token)
	if err != nil {
		return o.resolve(gen, step, a, Failed, stepError(TokenizationFailure, err))
	}

	key, err := o.gw.FetchEncryptionKey(ctx, token)
	if err != nil {
		return o.resolve(gen, step, a, Failed, stepError(KeyRetrievalFailure, err))
	}

	encrypted, n, eerr := o.seal(cardToken, checked.cvv, key)
	if eerr != nil {
		return o.resolve(gen, step, a, Failed, eerr)
	}

	res, err := o.gw.CreateCharge(ctx, gateway.ChargeRequest{
		TxRef:         a.txRef,
		Amount:        card.Amount,
		Currency:      checked.currency,
		Email:         card.Email,
		FullName:      card.Name,
		EncryptedCard: encrypted,
		Nonce:         n,
	}, token)
	if err != nil {
		return o.resolve(gen, step, a, Failed, stepError(ChargeFailure, err))
	}

	a.gatewayReference = res.GatewayReference
	a.transactionID = res.TransactionID
	a.authModel = res.AuthModel

	switch res.AuthModel {
	case gateway.AuthModelNone:
		if !strings.EqualFold(res.Status, "success") {
			return o.resolve(gen, step, a, Failed, newError(ChargeFailure, res.Message, nil))
		}
		return o.resolve(gen, step, a, Success, nil)
	case gateway.AuthModelPIN, gateway.AuthModelOTP:
		if a.gatewayReference == "" {
			return o.resolve(gen, step, a, Failed, newError(ChargeFailure, "", fmt.Errorf("challenge requested without a charge reference")))
		}
		next := PinRequired
		if res.AuthModel == gateway.AuthModelOTP {
			next = OtpRequired
		}
		return o.resolve(gen, step, a, next, nil)
	case gateway.AuthModelRedirect:
		a.redirectURL = res.RedirectURL
		return o.resolve(gen, step, a, RedirectPending, nil)
	default:
		return o.resolve(gen, step, a, Failed, newError(ChargeFailure, "", fmt.Errorf("unrecognized auth model in charge response")))
	}
}

// seal encrypts {card_token, cvv} under the one-time key with a fresh nonce.
// Nothing reaches the gateway if this fails.
func (o *Orchestrator) seal(cardToken, cvv, key string) (ciphertext, n string, failure *Error) {
	n, err := o.nonces.Generate()
	if err != nil {
		return "", "", newError(CryptoUnavailable, "", fmt.Errorf("generating nonce: %w", err))
	}

	payload, err := json.Marshal(struct {
		CardToken string `json:"card_token"`
		CVV       string `json:"cvv"`
	}{cardToken, cvv})
	if err != nil {
		return "", "", newError(CryptoUnavailable, "", fmt.Errorf("encoding card payload: %w", err))
	}
	defer security.Wipe(payload)

	ciphertext, err = o.enc.Encrypt(payload, key, n)
	if err != nil {
		return "", "", stepError(CryptoUnavailable, fmt.Errorf("encrypting card payload: %w", err))
	}
	return ciphertext, n, nil
}

// SubmitPIN answers a PIN challenge. Valid only from PinRequired.
func (o *Orchestrator) SubmitPIN(ctx context.Context, pin string) (StepResult, error) {
	return o.challenge(ctx, "pin", PinRequired, pin)
}

// SubmitOTP answers a one-time code challenge. Valid only from OtpRequired.
func (o *Orchestrator) SubmitOTP(ctx context.Context, otp string) (StepResult, error) {
	return o.challenge(ctx, "otp", OtpRequired, otp)
}

func (o *Orchestrator) challenge(ctx context.Context, step string, from State, code string) (StepResult, error) {
	gen, a, _, rejected := o.begin(step, from)
	if rejected != nil {
		return o.Result(), rejected
	}

	res, err := o.gw.SubmitChallenge(ctx, a.gatewayReference, strings.TrimSpace(code), a.sessionToken)
	if err != nil {
		return o.resolve(gen, step, a, Failed, stepError(ChallengeFailure, err))
	}
	if !strings.EqualFold(res.Status, "success") {
		return o.resolve(gen, step, a, Failed, newError(ChallengeFailure, res.Message, nil))
	}
	return o.resolve(gen, step, a, Success, nil)
}

// Verify fetches the final transaction record. From RedirectPending it settles
// the attempt: Success when the gateway reports the transaction successful,
// Failed otherwise. From Success it only refreshes the record.
func (o *Orchestrator) Verify(ctx context.Context) (StepResult, error) {
	const step = "verify"
	gen, a, from, rejected := o.begin(step, RedirectPending, Success)
	if rejected != nil {
		return o.Result(), rejected
	}
	settled := from == Success

	tx, err := o.gw.VerifyTransaction(ctx, a.transactionID, a.sessionToken)
	if err != nil {
		if settled {
			return o.resolve(gen, step, a, Success, stepError(VerificationFailure, err))
		}
		return o.resolve(gen, step, a, Failed, stepError(VerificationFailure, err))
	}
	a.transaction = tx

	if !tx.Successful() {
		if settled {
			return o.resolve(gen, step, a, Success, newError(VerificationFailure, "transaction status is "+tx.Status, nil))
		}
		return o.resolve(gen, step, a, Failed, newError(VerificationFailure, "transaction status is "+tx.Status, nil))
	}
	return o.resolve(gen, step, a, Success, nil)
}

// begin moves the attempt to Processing if it is in one of the allowed
// states and returns a snapshot to work on outside the lock, along with the
// state it started from.
func (o *Orchestrator) begin(step string, allowed ...State) (uint64, attempt, State, *Error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range allowed {
		if o.state == s {
			o.state = Processing
			return o.generation, o.attempt, s, nil
		}
	}
	o.logger.Warn("step rejected", slog.String("step", step), slog.String("state", o.state.String()))
	return 0, attempt{}, o.state, newError(InvalidStateTransition,
		fmt.Sprintf("%s is not allowed in state %s", step, o.state),
		ErrInvalidStateTransition)
}

// resolve commits the outcome of a step unless the attempt was reset while
// the step was running.
func (o *Orchestrator) resolve(gen uint64, step string, a attempt, next State, failure *Error) (StepResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.generation != gen {
		o.logger.Info("discarding stale step result", slog.String("step", step), slog.String("tx_ref", a.txRef))
		return o.resultLocked(), fmt.Errorf("%s: %w", step, ErrAttemptReset)
	}

	if next == Failed {
		a.sessionToken = ""
	}
	o.attempt = a
	o.state = next
	o.lastErr = failure

	metrics.StepTotal.WithLabelValues(step, next.String()).Inc()
	log := o.logger.With(slog.String("step", step), slog.String("tx_ref", a.txRef), slog.String("state", next.String()))
	if failure != nil {
		metrics.FailureTotal.WithLabelValues(failure.Kind.String()).Inc()
		log.Warn("step failed", slog.String("kind", failure.Kind.String()), slog.String("message", failure.Message))
	} else {
		log.Info("step completed", slog.String("auth_model", a.authModel.String()))
	}
	return o.resultLocked(), nil
}

func (o *Orchestrator) resultLocked() StepResult {
	r := StepResult{State: o.state, Transaction: o.attempt.transaction}
	if o.state == RedirectPending {
		r.RedirectURL = o.attempt.redirectURL
	}
	if o.lastErr != nil {
		r.ErrorKind = o.lastErr.Kind
		r.Message = o.lastErr.Message
	}
	return r
}
