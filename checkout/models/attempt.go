package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Attempt is the audit record of one card submission. It carries enough to
// find the card again by HMAC, never the card itself.
type Attempt struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id"`
	TxRef            string          `json:"tx_ref,omitempty"`
	BIN              string          `json:"bin"`
	Last4            string          `json:"last4"`
	PANHash          []byte          `json:"-"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	State            string          `json:"state"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	GatewayReference string          `json:"gateway_reference,omitempty"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	AuthModel        string          `json:"auth_model,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
