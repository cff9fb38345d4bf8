package domain

import "errors"

// Validation: rejected before any external call, never retried.
var (
	ErrInvalidAmount       = errors.New("invalid amount: must be greater than zero")
	ErrInvalidSide         = errors.New("invalid side")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidStatus       = errors.New("invalid order status")
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketNotTradable   = errors.New("market not tradable")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrUserNotFound        = errors.New("user not found")
)

// Transient: network trouble talking to signer, exchange or indexer.
var ErrTransient = errors.New("transient external error")

// Rejection: terminal, reported to the caller with the specific reason.
var (
	ErrOrderRejected   = errors.New("order rejected by exchange")
	ErrSigningRejected = errors.New("signing declined by user")
)

// Consistency: resolved as no-ops, never surfaced as failures.
var (
	ErrStaleTransition = errors.New("order status changed concurrently")
	ErrNotCancellable  = errors.New("order no longer cancellable")
)

// Fatal: data corruption or a security-relevant fault.
var (
	ErrKeyNotFound      = errors.New("custodial key not found")
	ErrDecryptionFailed = errors.New("custodial key decryption failed")
	ErrInvariant        = errors.New("ledger invariant violated")
	ErrWalletExists     = errors.New("wallet already exists for user")
)

// Auth.
var ErrUnauthorized = errors.New("unauthorized")

// ErrorKind groups errors by how callers must react to them.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindTransient
	KindRejection
	KindConsistency
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindRejection:
		return "rejection"
	case KindConsistency:
		return "consistency"
	case KindAuth:
		return "auth"
	}
	return "internal"
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrMarketNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrUserNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidSide), errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrMarketNotTradable), errors.Is(err, ErrInsufficientBalance):
		return KindValidation
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrSigningRejected):
		return KindRejection
	case errors.Is(err, ErrStaleTransition), errors.Is(err, ErrNotCancellable):
		return KindConsistency
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	}
	return KindInternal
}
