package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alovak/cardflow-checkout/checkout"
	"github.com/alovak/cardflow-checkout/gateway"
	"github.com/alovak/cardflow-checkout/internal/expiry"
	"github.com/alovak/cardflow-checkout/orchestrator"
)

type chargeFlags struct {
	pan      string
	cvv      string
	expiry   string
	name     string
	amount   string
	currency string
	email    string
}

func chargeCmd() *cobra.Command {
	var f chargeFlags

	cmd := &cobra.Command{
		Use:   "charge",
		Short: "Run one card payment interactively against the configured gateway",
		Long: `Run one card payment interactively against the configured gateway.

The card number and security code are prompted for when not given as flags.
PIN, OTP and redirect challenges are answered on stdin.

Examples:
  checkout charge --config sandbox.yaml --amount 100 --currency NGN --email ada@example.com --expiry 09/32`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCharge(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&f.pan, "pan", "", "card number")
	cmd.Flags().StringVar(&f.cvv, "cvv", "", "card security code")
	cmd.Flags().StringVar(&f.expiry, "expiry", "", "expiry as MM/YY")
	cmd.Flags().StringVar(&f.name, "name", "", "cardholder name")
	cmd.Flags().StringVar(&f.amount, "amount", "", "amount in major units, e.g. 25.50")
	cmd.Flags().StringVar(&f.currency, "currency", "NGN", "ISO 4217 currency")
	cmd.Flags().StringVar(&f.email, "email", "", "customer email")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("expiry")
	return cmd
}

func runCharge(ctx context.Context, in io.Reader, out io.Writer, f chargeFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := checkout.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	amount, err := decimal.NewFromString(f.amount)
	if err != nil {
		return fmt.Errorf("amount %q is not a number", f.amount)
	}
	yymm, err := expiry.ParseCardFace(f.expiry)
	if err != nil {
		return err
	}

	stdin := bufio.NewReader(in)
	if f.pan == "" {
		if f.pan, err = prompt(stdin, out, "Card number: "); err != nil {
			return err
		}
	}
	if f.cvv == "" {
		if f.cvv, err = prompt(stdin, out, "Security code: "); err != nil {
			return err
		}
	}

	enc, closeEnc, err := newEncryptor(cfg)
	if err != nil {
		return fmt.Errorf("encryptor: %w", err)
	}
	defer closeEnc()

	gw := gateway.New(cfg.GatewayClientConfig(), &http.Client{Timeout: cfg.Gateway.Timeout}, logger)
	orch := orchestrator.New(gw, enc, nil, logger)

	res, err := orch.SubmitCard(ctx, orchestrator.Card{
		PAN:         f.pan,
		CVV:         f.cvv,
		ExpiryMonth: yymm[2:],
		ExpiryYear:  yymm[:2],
		Name:        f.name,
		Amount:      amount,
		Currency:    f.currency,
		Email:       f.email,
	})
	f.pan, f.cvv = "", ""

	for err == nil && res.State.AwaitingChallenge() {
		switch res.State {
		case orchestrator.PinRequired:
			var pin string
			if pin, err = prompt(stdin, out, "Card PIN: "); err != nil {
				return err
			}
			res, err = orch.SubmitPIN(ctx, pin)
		case orchestrator.OtpRequired:
			var otp string
			if otp, err = prompt(stdin, out, "One-time code: "); err != nil {
				return err
			}
			res, err = orch.SubmitOTP(ctx, otp)
		case orchestrator.RedirectPending:
			fmt.Fprintf(out, "Complete authentication at:\n  %s\n", res.RedirectURL)
			if _, err = prompt(stdin, out, "Press Enter when done: "); err != nil {
				return err
			}
			res, err = orch.Verify(ctx)
		}
	}
	if err != nil {
		return err
	}
	if res.State == orchestrator.Success && res.Transaction == nil {
		if res, err = orch.Verify(ctx); err != nil {
			return err
		}
	}
	return report(out, orch, res)
}

func report(out io.Writer, orch *orchestrator.Orchestrator, res orchestrator.StepResult) error {
	corr := orch.Correlation()
	fmt.Fprintf(out, "state:          %s\n", res.State)
	fmt.Fprintf(out, "tx_ref:         %s\n", corr.TxRef)
	if corr.TransactionID != "" {
		fmt.Fprintf(out, "transaction_id: %s\n", corr.TransactionID)
	}
	if res.Transaction != nil {
		fmt.Fprintf(out, "status:         %s %s %s\n", res.Transaction.Status, res.Transaction.Amount, res.Transaction.Currency)
	}
	if !res.State.Terminal() {
		return fmt.Errorf("attempt stopped in state %s", res.State)
	}
	if res.State == orchestrator.Failed {
		return fmt.Errorf("payment failed (%s): %s", res.ErrorKind, res.Message)
	}
	if res.ErrorKind != orchestrator.KindNone {
		fmt.Fprintf(out, "warning:        %s\n", res.Message)
	}
	return nil
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
