package orchestrator

import (
	"errors"
	"fmt"

	"github.com/alovak/cardflow-checkout/gateway"
	"github.com/alovak/cardflow-checkout/internal/security"
)

// ErrInvalidStateTransition is returned when a step is called from a state
// that does not permit it. The attempt is left untouched.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrAttemptReset is returned by a step whose attempt was reset while its
// network calls were in flight. The late result is discarded.
var ErrAttemptReset = errors.New("attempt was reset while in flight")

type ErrorKind int

const (
	KindNone ErrorKind = iota
	AuthFailure
	TokenizationFailure
	KeyRetrievalFailure
	InvalidNonceLength
	InvalidKeyMaterial
	CryptoUnavailable
	ChargeFailure
	ChallengeFailure
	VerificationFailure
	InvalidStateTransition
	NetworkFailure
	// InvalidCard means the local card checks failed before any network call.
	InvalidCard
)

var kindNames = map[ErrorKind]string{
	KindNone:               "",
	AuthFailure:            "auth_failure",
	TokenizationFailure:    "tokenization_failure",
	KeyRetrievalFailure:    "key_retrieval_failure",
	InvalidNonceLength:     "invalid_nonce_length",
	InvalidKeyMaterial:     "invalid_key_material",
	CryptoUnavailable:      "crypto_unavailable",
	ChargeFailure:          "charge_failure",
	ChallengeFailure:       "challenge_failure",
	VerificationFailure:    "verification_failure",
	InvalidStateTransition: "invalid_state_transition",
	NetworkFailure:         "network_failure",
	InvalidCard:            "invalid_card",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", b)
}

// defaultMessages are shown when the gateway supplied no message of its own.
var defaultMessages = map[ErrorKind]string{
	AuthFailure:            "payment service unavailable, please retry",
	TokenizationFailure:    "card could not be verified",
	KeyRetrievalFailure:    "payment service unavailable, please retry",
	InvalidNonceLength:     "card details could not be secured",
	InvalidKeyMaterial:     "card details could not be secured",
	CryptoUnavailable:      "card details could not be secured",
	ChargeFailure:          "payment failed",
	ChallengeFailure:       "authorization was not accepted",
	VerificationFailure:    "payment could not be confirmed",
	InvalidStateTransition: "operation not allowed in the current state",
	NetworkFailure:         "network error, please retry",
	InvalidCard:            "card details are invalid",
}

// Error is the failure recorded on an attempt. Message is safe to show to a
// customer; Err keeps the originating error for errors.Is/As.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func newError(kind ErrorKind, message string, err error) *Error {
	if message == "" {
		message = defaultMessages[kind]
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Transport failures win over the operation they
// interrupted so callers can tell "retry later" apart from a decline.
func KindOf(err error) ErrorKind {
	var oerr *Error
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &oerr):
		return oerr.Kind
	case errors.Is(err, ErrInvalidStateTransition):
		return InvalidStateTransition
	case errors.Is(err, gateway.ErrNetwork):
		return NetworkFailure
	case errors.Is(err, gateway.ErrAuth):
		return AuthFailure
	case errors.Is(err, gateway.ErrTokenization):
		return TokenizationFailure
	case errors.Is(err, gateway.ErrKeyRetrieval):
		return KeyRetrievalFailure
	case errors.Is(err, gateway.ErrCharge):
		return ChargeFailure
	case errors.Is(err, gateway.ErrChallenge):
		return ChallengeFailure
	case errors.Is(err, gateway.ErrVerification):
		return VerificationFailure
	case errors.Is(err, security.ErrInvalidNonceLength):
		return InvalidNonceLength
	case errors.Is(err, security.ErrInvalidKeyMaterial):
		return InvalidKeyMaterial
	case errors.Is(err, security.ErrCryptoUnavailable):
		return CryptoUnavailable
	default:
		return KindNone
	}
}

// stepError wraps a collaborator failure, falling back to kind when err does
// not classify itself.
func stepError(kind ErrorKind, err error) *Error {
	if k := KindOf(err); k != KindNone {
		kind = k
	}
	var message string
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		message = gerr.Message
	}
	return newError(kind, message, err)
}
