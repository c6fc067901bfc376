package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/alovak/cardflow-checkout/internal/metrics"
	"github.com/alovak/cardflow-checkout/internal/tracing"
)

// TraceHeader carries a fresh id on every outbound request. It is transport
// level only and unrelated to tx_ref, flw_ref or the transaction id.
const TraceHeader = "X-Trace-Id"

const maxBodyBytes = 1 << 20

type Config struct {
	// BaseURL of the payment gateway, e.g. https://api.gateway.example
	BaseURL string
	// TokenURL of the identity provider's client credentials endpoint.
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Client performs the individual gateway calls. It keeps no per-attempt
// state: every correlation value is passed in by the caller. No call is
// retried; a failed charge or challenge must never be replayed blindly.
type Client struct {
	base   string
	creds  clientcredentials.Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	traced := *hc
	traced.Transport = &traceTransport{next: next}

	return &Client{
		base: strings.TrimRight(cfg.BaseURL, "/"),
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		http:   &traced,
		logger: logger.With(slog.String("component", "gateway")),
	}
}

// AcquireSessionToken runs a client credentials grant against the identity provider.
func (c *Client) AcquireSessionToken(ctx context.Context) (string, error) {
	const op = "acquire session token"
	ctx, finish := c.begin(ctx, op)

	tok, err := c.creds.Token(context.WithValue(ctx, oauth2.HTTPClient, c.http))
	if err != nil {
		var gerr *Error
		var re *oauth2.RetrieveError
		var ue *url.Error
		switch {
		case errors.As(err, &re):
			gerr = &Error{Op: op, Kind: ErrAuth, Message: re.ErrorDescription}
			if re.Response != nil {
				gerr.StatusCode = re.Response.StatusCode
			}
			if gerr.Message == "" {
				gerr.Message = gatewayMessage(re.Body)
			}
		case errors.As(err, &ue):
			gerr = transportError(ctx, op, ErrAuth, err)
		default:
			gerr = &Error{Op: op, Kind: ErrAuth, Err: err}
		}
		finish(gerr)
		return "", gerr
	}
	finish(nil)
	return tok.AccessToken, nil
}

// TokenizeCard exchanges PAN and expiry for a single-use card token.
func (c *Client) TokenizeCard(ctx context.Context, pan, cvv, expiryMonth, expiryYear, sessionToken string) (string, error) {
	const op = "tokenize card"
	body := tokenizeRequest{CardNumber: pan, CVV: cvv, ExpiryMonth: expiryMonth, ExpiryYear: expiryYear}
	var resp tokenizeResponse
	if err := c.do(ctx, op, ErrTokenization, http.MethodPost, "/tokens/card", sessionToken, body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &Error{Op: op, Kind: ErrTokenization, Message: "response carried no token"}
	}
	return resp.Token, nil
}

// FetchEncryptionKey returns the base64 encoded one-time encryption key.
func (c *Client) FetchEncryptionKey(ctx context.Context, sessionToken string) (string, error) {
	const op = "fetch encryption key"
	var resp keyResponse
	if err := c.do(ctx, op, ErrKeyRetrieval, http.MethodGet, "/encryption-keys", sessionToken, nil, &resp); err != nil {
		return "", err
	}
	if resp.Key == "" {
		return "", &Error{Op: op, Kind: ErrKeyRetrieval, Message: "response carried no key"}
	}
	return resp.Key, nil
}

// CreateCharge submits the encrypted card. A 2xx answer whose status is
// "error" is a charge failure too.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest, sessionToken string) (*ChargeResult, error) {
	const op = "create charge"
	body := chargeBody{
		TxRef:         req.TxRef,
		Amount:        json.Number(req.Amount.String()),
		Currency:      req.Currency,
		Email:         req.Email,
		FullName:      req.FullName,
		EncryptedCard: req.EncryptedCard,
		Nonce:         req.Nonce,
	}
	var resp chargeResponse
	if err := c.do(ctx, op, ErrCharge, http.MethodPost, "/v3/charges?type=card", sessionToken, body, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, &Error{Op: op, Kind: ErrCharge, Message: resp.Message}
	}

	mode, redirect := resp.authorization()
	return &ChargeResult{
		Status:           resp.Status,
		Message:          resp.Message,
		AuthModel:        ParseAuthModel(resp.Data.AuthModel, mode, redirect),
		GatewayReference: resp.Data.FlwRef,
		TransactionID:    string(resp.Data.ID),
		RedirectURL:      redirect,
	}, nil
}

// SubmitChallenge validates a pending charge with a PIN or one-time code.
// The endpoint is the same for both.
func (c *Client) SubmitChallenge(ctx context.Context, gatewayReference, code, sessionToken string) (*ChallengeResult, error) {
	const op = "submit challenge"
	body := validateRequest{OTP: code, FlwRef: gatewayReference, Type: "card"}
	var resp statusResponse
	if err := c.do(ctx, op, ErrChallenge, http.MethodPost, "/v3/validate-charge", sessionToken, body, &resp); err != nil {
		return nil, err
	}
	return &ChallengeResult{Status: resp.Status, Message: resp.Message}, nil
}

// VerifyTransaction fetches the final record for a charge.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID, sessionToken string) (*Transaction, error) {
	const op = "verify transaction"
	if transactionID == "" {
		return nil, &Error{Op: op, Kind: ErrVerification, Message: "transaction id is required"}
	}
	var resp verifyResponse
	path := "/v3/transactions/" + url.PathEscape(transactionID) + "/verify"
	if err := c.do(ctx, op, ErrVerification, http.MethodGet, path, sessionToken, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, &Error{Op: op, Kind: ErrVerification, Message: resp.Message}
	}
	return &Transaction{
		ID:                string(resp.Data.ID),
		TxRef:             resp.Data.TxRef,
		GatewayReference:  resp.Data.FlwRef,
		Amount:            resp.Data.Amount,
		Currency:          resp.Data.Currency,
		Status:            resp.Data.Status,
		ProcessorResponse: resp.Data.ProcessorResponse,
	}, nil
}

// do sends one bearer authenticated JSON request. Error values never include
// the request or response bodies.
func (c *Client) do(ctx context.Context, op string, kind error, method, path, sessionToken string, in, out any) error {
	ctx, finish := c.begin(ctx, op)

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			gerr := &Error{Op: op, Kind: kind, Err: fmt.Errorf("encoding request: %w", err)}
			finish(gerr)
			return gerr
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		gerr := &Error{Op: op, Kind: kind, Err: err}
		finish(gerr)
		return gerr
	}
	traceID := uuid.NewString()
	req.Header.Set(TraceHeader, traceID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		gerr := transportError(ctx, op, kind, err)
		finish(gerr)
		return gerr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		gerr := transportError(ctx, op, kind, err)
		finish(gerr)
		return gerr
	}

	c.logger.Debug("gateway response",
		slog.String("op", op),
		slog.String("trace_id", traceID),
		slog.Int("status", resp.StatusCode),
	)

	if resp.StatusCode/100 != 2 {
		gerr := &Error{Op: op, Kind: kind, StatusCode: resp.StatusCode, Message: gatewayMessage(raw)}
		finish(gerr)
		return gerr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		gerr := &Error{Op: op, Kind: kind, StatusCode: resp.StatusCode, Message: "malformed gateway response", Err: err}
		finish(gerr)
		return gerr
	}
	finish(nil)
	return nil
}

// begin opens a span for op and returns a finisher that records the outcome
// on the span and in the request duration histogram.
func (c *Client) begin(ctx context.Context, op string) (context.Context, func(*Error)) {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "gateway "+op)
	return ctx, func(gerr *Error) {
		defer span.End()
		outcome := "ok"
		if gerr != nil {
			outcome = "error"
			if errors.Is(gerr, ErrNetwork) {
				outcome = "network_error"
			}
			span.SetStatus(codes.Error, gerr.Kind.Error())
			span.SetAttributes(attribute.Int("http.status_code", gerr.StatusCode))
			c.logger.Warn("gateway call failed",
				slog.String("op", op),
				slog.Int("status", gerr.StatusCode),
				slog.String("kind", gerr.Kind.Error()),
			)
		}
		metrics.GatewayRequestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}
}

// traceTransport stamps a trace id on requests that do not carry one yet
// (the identity provider call) and propagates the span context.
type traceTransport struct {
	next http.RoundTripper
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get(TraceHeader) == "" {
		req.Header.Set(TraceHeader, uuid.NewString())
	}
	tracing.Inject(req.Context(), req.Header)
	return t.next.RoundTrip(req)
}
