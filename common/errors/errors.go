// Package errors defines the settlement error taxonomy and RFC 7807 responses.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors for the settlement pipeline. Callers classify with
// errors.Is; wrapping with fmt.Errorf("%w: ...") preserves the class.
var (
	// ErrValidation marks bad input rejected before any external call
	ErrValidation = stderrors.New("validation failed")

	// ErrUnsupportedCurrencyPair marks a pair with no configured pricing
	ErrUnsupportedCurrencyPair = stderrors.New("unsupported currency pair")

	// ErrDuplicateIdempotencyKey marks a create that matched an existing transaction
	ErrDuplicateIdempotencyKey = stderrors.New("duplicate idempotency key")

	// ErrInvalidTransition marks a state change rejected by the ledger state machine
	ErrInvalidTransition = stderrors.New("invalid transaction state transition")

	// ErrNotFound marks a missing transaction
	ErrNotFound = stderrors.New("transaction not found")

	// ErrConnectorUnavailable marks a transient connector failure; retryable
	ErrConnectorUnavailable = stderrors.New("connector unavailable")

	// ErrConnectorRejected marks a protocol-level connector rejection; not retryable
	ErrConnectorRejected = stderrors.New("connector rejected transfer")

	// ErrAuthFailure marks a disbursement rail authentication failure; retryable once
	ErrAuthFailure = stderrors.New("disbursement authentication failed")

	// ErrPayoutRejected marks a confirmed disbursement rejection; not retryable
	ErrPayoutRejected = stderrors.New("payout rejected")

	// ErrPayoutTimeout marks a payout whose external outcome is unknown.
	// The transaction fails locally but must be reconciled out-of-band;
	// the money may already have moved.
	ErrPayoutTimeout = stderrors.New("payout timed out")

	// ErrLedger marks a storage-level failure; always surfaced, never swallowed
	ErrLedger = stderrors.New("ledger error")
)

// Wrap annotates err with a message while keeping its class intact
func Wrap(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}
