package domain

import "errors"

var (
	// ErrValidation rejects a malformed request before any saga state exists.
	ErrValidation = errors.New("invalid order request")

	// ErrIdempotencyConflict rejects a key replayed with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

	// ErrInsufficientStock and ErrDeclined are terminal business failures from
	// the inventory and payment services.
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDeclined          = errors.New("payment declined")

	ErrUnknownSKU = errors.New("unknown sku")

	// ErrTransitionConflict means the ledger's current status did not match
	// the expected previous status of a transition.
	ErrTransitionConflict = errors.New("order status transition conflict")

	ErrOrderNotFound = errors.New("order not found")
)

// Machine-readable failure reasons recorded on the order and returned to the
// caller.
const (
	ReasonInsufficientStock   = "insufficient_stock"
	ReasonPaymentDeclined     = "payment_declined"
	ReasonUpstreamUnavailable = "upstream_unavailable"
)
