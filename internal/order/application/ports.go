package application

import (
	"context"
	"encoding/json"

	"github.com/ravikishore-m/orderflow/internal/order/domain"
	"github.com/ravikishore-m/orderflow/pkg/idempotency"
)

// OrderLedger is the durable order record with an append-only status history.
// Transition is conditional on the expected previous status so concurrent or
// duplicate transitions surface as domain.ErrTransitionConflict.
type OrderLedger interface {
	Create(ctx context.Context, o domain.Order) error
	Transition(ctx context.Context, orderID string, from, to domain.OrderStatus) error
	// MarkFailed drives any non-terminal status to Failed and records the
	// failure reason and, for stuck compensations, the reconciliation flag.
	// Terminal orders are never moved.
	MarkFailed(ctx context.Context, orderID, reason string, needsReconciliation bool) error
	// FlagReconciliation is the operator-driven flag, the only mutation
	// allowed after a terminal status.
	FlagReconciliation(ctx context.Context, orderID string) error
	Get(ctx context.Context, orderID string) (domain.Order, error)
}

// InventoryClient is the reserve/release/commit capability of the inventory
// service. Reserve is idempotent per correlation id.
type InventoryClient interface {
	Reserve(ctx context.Context, sku string, qty int, correlationID string) (domain.Reservation, error)
	Release(ctx context.Context, reservationID string) error
	Commit(ctx context.Context, reservationID string) error
}

// PaymentClient is the authorize/void/capture capability of the payment
// service. Authorize is idempotent per correlation id.
type PaymentClient interface {
	Authorize(ctx context.Context, amountCents int64, token, correlationID string) (domain.Authorization, error)
	Void(ctx context.Context, authID string) error
	Capture(ctx context.Context, authID string) error
}

// CatalogClient looks up reference prices. Eventually consistent, outside the
// transactional boundary.
type CatalogClient interface {
	Price(ctx context.Context, sku string) (int64, error)
}

// IdempotencyStore dedups submissions by client-supplied key.
type IdempotencyStore interface {
	Begin(ctx context.Context, key, fingerprint, orderID string) (idempotency.BeginResult, error)
	Complete(ctx context.Context, key, fingerprint, orderID string, result json.RawMessage) error
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*idempotency.Record, error)
}
