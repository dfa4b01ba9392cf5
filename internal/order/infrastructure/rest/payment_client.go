package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ravikishore-m/orderflow/internal/order/domain"
)

type PaymentClient struct {
	log     *slog.Logger
	hc      *http.Client
	baseURL string
}

func NewPaymentClient(log *slog.Logger, baseURL string) *PaymentClient {
	return &PaymentClient{log: log, hc: defaultHTTPClient(), baseURL: baseURL}
}

type authorizeRequest struct {
	AmountCents   int64  `json:"amountCents"`
	Token         string `json:"paymentMethodToken"`
	CorrelationID string `json:"correlationId"`
}

func (c *PaymentClient) Authorize(ctx context.Context, amountCents int64, token, correlationID string) (domain.Authorization, error) {
	var auth domain.Authorization
	status, err := postJSON(ctx, c.hc, c.baseURL+"/payments/authorize",
		authorizeRequest{AmountCents: amountCents, Token: token, CorrelationID: correlationID}, &auth)
	if err != nil {
		return domain.Authorization{}, err
	}
	switch {
	case status == http.StatusPaymentRequired:
		return domain.Authorization{}, domain.ErrDeclined
	case status < 200 || status > 299:
		return domain.Authorization{}, fmt.Errorf("payment authorize: unexpected status %d", status)
	}
	return auth, nil
}

func (c *PaymentClient) Void(ctx context.Context, authID string) error {
	status, err := postJSON(ctx, c.hc, c.baseURL+"/payments/void",
		map[string]string{"authId": authID}, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("payment void: unexpected status %d", status)
	}
	return nil
}

func (c *PaymentClient) Capture(ctx context.Context, authID string) error {
	status, err := postJSON(ctx, c.hc, c.baseURL+"/payments/capture",
		map[string]string{"authId": authID}, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("payment capture: unexpected status %d", status)
	}
	return nil
}
