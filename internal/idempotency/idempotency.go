// Package idempotency guards card submissions against replays of the same
// client request.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrInProgress is returned by Reserve while another request holds the key.
var ErrInProgress = errors.New("idempotency key is already being processed")

const (
	statusProcessing = "processing"
	statusSuccess    = "success"
)

// DefaultTTL bounds how long a completed key is remembered.
const DefaultTTL = 24 * time.Hour

// Store tracks idempotency keys through reserve, then success or failure.
type Store interface {
	// Reserve claims key. It reports done=true if a request with the same key
	// already completed; the caller must not repeat the work then.
	Reserve(ctx context.Context, key string) (done bool, err error)
	// MarkSuccess remembers key as completed.
	MarkSuccess(ctx context.Context, key string) error
	// MarkFailure releases key so the request can be retried.
	MarkFailure(ctx context.Context, key string) error
}
