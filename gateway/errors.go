package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// Failure kinds. Every error returned by Client matches exactly one of them
// with errors.Is.
var (
	ErrAuth         = errors.New("session token acquisition failed")
	ErrTokenization = errors.New("card tokenization failed")
	ErrKeyRetrieval = errors.New("encryption key retrieval failed")
	ErrCharge       = errors.New("charge failed")
	ErrChallenge    = errors.New("challenge submission failed")
	ErrVerification = errors.New("transaction verification failed")
	ErrNetwork      = errors.New("network failure")
)

// Error describes a failed gateway call. Message is the gateway supplied
// message when there was one; it never contains request material.
type Error struct {
	Op         string
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// transportError maps a failed round trip. A caller side timeout or
// cancellation keeps the operation's own kind so the caller can treat it like
// the corresponding failure; anything else is a network failure.
func transportError(ctx context.Context, op string, kind, err error) *Error {
	if ctx.Err() != nil || isTimeout(err) {
		return &Error{Op: op, Kind: kind, Err: fmt.Errorf("request timed out or was cancelled: %w", err)}
	}
	return &Error{Op: op, Kind: ErrNetwork, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// gatewayMessage pulls the "message" field out of an error body, if any.
func gatewayMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Message
}
