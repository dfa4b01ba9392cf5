package domain

// Outbox event payloads published on order.events.

type OrderConfirmed struct {
	OrderID    string     `json:"orderId"`
	UserID     string     `json:"userId"`
	TotalCents int64      `json:"totalCents"`
	Items      []LineItem `json:"items,omitempty"`
}

type OrderFailed struct {
	OrderID             string `json:"orderId"`
	UserID              string `json:"userId"`
	Reason              string `json:"reason"`
	NeedsReconciliation bool   `json:"needsReconciliation"`
}
