package orchestrator_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alovak/cardflow-checkout/gateway"
	"github.com/alovak/cardflow-checkout/gateway/gatewaytest"
	"github.com/alovak/cardflow-checkout/orchestrator"
)

func card() orchestrator.Card {
	return orchestrator.Card{
		PAN:         "5531886652142950",
		CVV:         "564",
		ExpiryMonth: "09",
		ExpiryYear:  "32",
		Name:        "Ada Obi",
		Amount:      decimal.RequireFromString("100.00"),
		Currency:    "NGN",
		Email:       "ada@example.com",
	}
}

func TestFlow_OverHTTP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("pin", func(t *testing.T) {
		srv := gatewaytest.NewServer(gatewaytest.Scenario{AuthModel: "PIN", ExpectedCode: "3310"})
		defer srv.Close()
		o := orchestrator.New(gateway.New(srv.Config(), srv.Client(), nil), nil, nil, nil)

		res, err := o.SubmitCard(ctx, card())
		require.NoError(t, err)
		require.Equal(t, orchestrator.PinRequired, res.State)

		charges := srv.Charges()
		require.Len(t, charges, 1)
		require.Equal(t, "564", charges[0].CVV)
		require.Len(t, charges[0].Nonce, 12)
		require.Equal(t, o.Correlation().TxRef, charges[0].TxRef)

		res, err = o.SubmitPIN(ctx, "3310")
		require.NoError(t, err)
		require.Equal(t, orchestrator.Success, res.State)

		res, err = o.Verify(ctx)
		require.NoError(t, err)
		require.Equal(t, orchestrator.Success, res.State)
		require.True(t, res.Transaction.Successful())
	})

	t.Run("redirect settled by verification", func(t *testing.T) {
		srv := gatewaytest.NewServer(gatewaytest.Scenario{
			AuthModel:   "VBVSECURECODE",
			Mode:        "redirect",
			RedirectURL: "https://acs.example.com/auth?id=42",
		})
		defer srv.Close()
		o := orchestrator.New(gateway.New(srv.Config(), srv.Client(), nil), nil, nil, nil)

		res, err := o.SubmitCard(ctx, card())
		require.NoError(t, err)
		require.Equal(t, orchestrator.RedirectPending, res.State)
		require.Equal(t, "https://acs.example.com/auth?id=42", res.RedirectURL)

		res, err = o.Verify(ctx)
		require.NoError(t, err)
		require.Equal(t, orchestrator.Success, res.State)
	})

	t.Run("tokenization failure stops before key fetch", func(t *testing.T) {
		srv := gatewaytest.NewServer(gatewaytest.Scenario{AuthModel: "NOAUTH"})
		defer srv.Close()
		srv.Fail(gatewaytest.EndpointTokenize, http.StatusBadGateway, "issuer unavailable")
		o := orchestrator.New(gateway.New(srv.Config(), srv.Client(), nil), nil, nil, nil)

		res, err := o.SubmitCard(ctx, card())
		require.NoError(t, err)
		require.Equal(t, orchestrator.Failed, res.State)
		require.Equal(t, orchestrator.TokenizationFailure, res.ErrorKind)
		require.Equal(t, "issuer unavailable", res.Message)
		require.Equal(t, []string{gatewaytest.EndpointToken, gatewaytest.EndpointTokenize}, srv.Endpoints())
	})
}
