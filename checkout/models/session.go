package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alovak/cardflow-checkout/orchestrator"
)

type CreateSession struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Email        string          `json:"email"`
	CustomerName string          `json:"customer_name"`
}

// Session is a checkout session as returned by the API.
type Session struct {
	ID           string                   `json:"id"`
	Amount       decimal.Decimal          `json:"amount"`
	Currency     string                   `json:"currency"`
	Email        string                   `json:"email"`
	CustomerName string                   `json:"customer_name,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
	Result       orchestrator.StepResult  `json:"result"`
	Correlation  orchestrator.Correlation `json:"correlation"`
}

// CardDetails is the body of a card submission. It is never stored or logged.
type CardDetails struct {
	Number         string `json:"card_number"`
	CVV            string `json:"cvv"`
	ExpiryMonth    string `json:"expiry_month"`
	ExpiryYear     string `json:"expiry_year"`
	CardholderName string `json:"cardholder_name"`
}

type ChallengeCode struct {
	Code string `json:"code"`
}

// StepResponse answers every step endpoint.
type StepResponse struct {
	SessionID string `json:"session_id"`
	orchestrator.StepResult
	Correlation orchestrator.Correlation `json:"correlation"`
	// Replayed is set when an idempotency key matched an earlier submission.
	Replayed bool `json:"replayed,omitempty"`
}
