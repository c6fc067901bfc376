package gateway

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ChargeRequest is the body of an encrypted card charge. The card itself only
// travels inside EncryptedCard.
type ChargeRequest struct {
	TxRef         string
	Amount        decimal.Decimal
	Currency      string
	Email         string
	FullName      string
	EncryptedCard string
	Nonce         string
}

type ChargeResult struct {
	Status           string
	Message          string
	AuthModel        AuthModel
	GatewayReference string
	TransactionID    string
	RedirectURL      string
}

type ChallengeResult struct {
	Status  string
	Message string
}

// Transaction is the final record returned by verification.
type Transaction struct {
	ID                string          `json:"id"`
	TxRef             string          `json:"tx_ref"`
	GatewayReference  string          `json:"flw_ref"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	ProcessorResponse string          `json:"processor_response,omitempty"`
}

// Successful reports whether the gateway settled the transaction.
func (t *Transaction) Successful() bool {
	return t != nil && t.Status == "successful"
}

type tokenizeRequest struct {
	CardNumber  string `json:"card_number"`
	CVV         string `json:"cvv"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
}

type tokenizeResponse struct {
	Token string `json:"token"`
}

type keyResponse struct {
	Key string `json:"key"`
}

type chargeBody struct {
	TxRef         string      `json:"tx_ref"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Email         string      `json:"email"`
	FullName      string      `json:"fullname"`
	EncryptedCard string      `json:"encrypted_card"`
	Nonce         string      `json:"nonce"`
}

type authorizationMeta struct {
	Authorization *struct {
		Mode     string `json:"mode"`
		Redirect string `json:"redirect"`
	} `json:"authorization"`
}

type chargeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID        flexString         `json:"id"`
		FlwRef    string             `json:"flw_ref"`
		AuthModel string             `json:"auth_model"`
		Meta      *authorizationMeta `json:"meta"`
	} `json:"data"`
	// some gateway versions put meta next to data
	Meta *authorizationMeta `json:"meta"`
}

func (r *chargeResponse) authorization() (mode, redirect string) {
	for _, m := range []*authorizationMeta{r.Data.Meta, r.Meta} {
		if m != nil && m.Authorization != nil {
			return m.Authorization.Mode, m.Authorization.Redirect
		}
	}
	return "", ""
}

type validateRequest struct {
	OTP    string `json:"otp"`
	FlwRef string `json:"flw_ref"`
	Type   string `json:"type"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID                flexString      `json:"id"`
		TxRef             string          `json:"tx_ref"`
		FlwRef            string          `json:"flw_ref"`
		Amount            decimal.Decimal `json:"amount"`
		Currency          string          `json:"currency"`
		Status            string          `json:"status"`
		ProcessorResponse string          `json:"processor_response"`
	} `json:"data"`
}

// flexString accepts ids sent either as JSON strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
