package domain

import "time"

type OrderStatus string

const (
	StatusPending      OrderStatus = "pending"
	StatusReserving    OrderStatus = "reserving"
	StatusAuthorizing  OrderStatus = "authorizing"
	StatusConfirmed    OrderStatus = "confirmed"
	StatusCompensating OrderStatus = "compensating"
	StatusFailed       OrderStatus = "failed"
)

// transitions is the forward-only state machine. Compensating is reachable
// only from Reserving and Authorizing; Confirmed and Failed are terminal.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:      {StatusReserving},
	StatusReserving:    {StatusAuthorizing, StatusCompensating},
	StatusAuthorizing:  {StatusConfirmed, StatusCompensating},
	StatusCompensating: {StatusFailed},
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

type LineItem struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"qty"`
	PriceCents int64  `json:"priceCents,omitempty"`
}

type Order struct {
	ID                  string
	UserID              string
	Items               []LineItem
	TotalCents          int64
	Status              OrderStatus
	FailureReason       string
	NeedsReconciliation bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewOrder builds a Pending order from priced line items.
func NewOrder(id, userID string, items []LineItem) Order {
	var total int64
	for _, item := range items {
		total += int64(item.Quantity) * item.PriceCents
	}
	now := time.Now().UTC()
	return Order{
		ID:         id,
		UserID:     userID,
		Items:      items,
		TotalCents: total,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// OrderResult is the outcome returned to the caller and cached per
// idempotency key.
type OrderResult struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
	Reason  string      `json:"reason,omitempty"`

	// Replayed marks a result served from the idempotency cache rather than
	// a fresh saga execution. Not part of the cached payload.
	Replayed bool `json:"-"`
}
