package orchestrator

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alovak/cardflow-checkout/internal/cardgen"
	"github.com/alovak/cardflow-checkout/internal/expiry"
)

// Card is what the customer entered. It is only held for the duration of
// SubmitCard.
type Card struct {
	PAN         string
	CVV         string
	ExpiryMonth string
	ExpiryYear  string
	Name        string
	Amount      decimal.Decimal
	Currency    string
	Email       string
}

// checkedCard is a Card that passed local validation, in the gateway's shapes.
type checkedCard struct {
	pan         string
	cvv         string
	expiryMonth string // MM
	expiryYear  string // YY
	currency    string
}

func checkCard(c Card, now time.Time) (checkedCard, *Error) {
	pan := cardgen.NormalizePAN(c.PAN)
	if err := cardgen.ValidatePAN(pan); err != nil {
		return checkedCard{}, newError(InvalidCard, "card number is invalid", err)
	}

	yymm, err := expiry.FromMonthYear(c.ExpiryMonth, c.ExpiryYear)
	if err != nil {
		return checkedCard{}, newError(InvalidCard, "expiry date is invalid", err)
	}
	expired, err := expiry.IsExpired(yymm, now, time.UTC)
	if err != nil {
		return checkedCard{}, newError(InvalidCard, "expiry date is invalid", err)
	}
	if expired {
		return checkedCard{}, newError(InvalidCard, "card has expired", nil)
	}

	cvv := strings.TrimSpace(c.CVV)
	if (len(cvv) != 3 && len(cvv) != 4) || !cardgen.IsDigits(cvv) {
		return checkedCard{}, newError(InvalidCard, "security code is invalid", nil)
	}

	if !c.Amount.IsPositive() {
		return checkedCard{}, newError(InvalidCard, "amount must be positive", nil)
	}

	currency := strings.ToUpper(strings.TrimSpace(c.Currency))
	if len(currency) != 3 || strings.IndexFunc(currency, func(r rune) bool { return r < 'A' || r > 'Z' }) >= 0 {
		return checkedCard{}, newError(InvalidCard, "currency must be a 3 letter code", nil)
	}

	return checkedCard{
		pan:         pan,
		cvv:         cvv,
		expiryMonth: yymm[2:],
		expiryYear:  yymm[:2],
		currency:    currency,
	}, nil
}
