package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// OrderRequest is the validated submission shape. Prices are not accepted from
// the client; the coordinator prices items against the catalog.
type OrderRequest struct {
	IdempotencyKey string     `json:"idempotencyKey"`
	UserID         string     `json:"userId"`
	Items          []LineItem `json:"items"`
	PaymentToken   string     `json:"paymentMethodToken"`
}

func (r OrderRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrValidation)
	}
	if r.PaymentToken == "" {
		return fmt.Errorf("%w: missing payment method token", ErrValidation)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: empty line items", ErrValidation)
	}
	for _, item := range r.Items {
		if item.SKU == "" {
			return fmt.Errorf("%w: empty sku", ErrValidation)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: non-positive quantity for %s", ErrValidation, item.SKU)
		}
	}
	return nil
}

// Fingerprint hashes the request payload so a replayed key with a different
// body is detectable. Client-supplied prices are ignored, line item order is
// significant.
func (r OrderRequest) Fingerprint() string {
	var b strings.Builder
	b.WriteString(r.UserID)
	b.WriteByte('|')
	b.WriteString(r.PaymentToken)
	for _, item := range r.Items {
		fmt.Fprintf(&b, "|%s:%d", item.SKU, item.Quantity)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
