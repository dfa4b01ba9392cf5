package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ravikishore-m/orderflow/internal/order/domain"
)

type InventoryClient struct {
	log     *slog.Logger
	hc      *http.Client
	baseURL string
}

func NewInventoryClient(log *slog.Logger, baseURL string) *InventoryClient {
	return &InventoryClient{log: log, hc: defaultHTTPClient(), baseURL: baseURL}
}

type reserveRequest struct {
	SKU           string `json:"sku"`
	Quantity      int    `json:"qty"`
	CorrelationID string `json:"correlationId"`
}

func (c *InventoryClient) Reserve(ctx context.Context, sku string, qty int, correlationID string) (domain.Reservation, error) {
	var res domain.Reservation
	status, err := postJSON(ctx, c.hc, c.baseURL+"/inventory/reserve",
		reserveRequest{SKU: sku, Quantity: qty, CorrelationID: correlationID}, &res)
	if err != nil {
		return domain.Reservation{}, err
	}
	switch {
	case status == http.StatusConflict:
		return domain.Reservation{}, domain.ErrInsufficientStock
	case status < 200 || status > 299:
		return domain.Reservation{}, fmt.Errorf("inventory reserve: unexpected status %d", status)
	}
	return res, nil
}

func (c *InventoryClient) Release(ctx context.Context, reservationID string) error {
	status, err := postJSON(ctx, c.hc, c.baseURL+"/inventory/release",
		map[string]string{"reservationId": reservationID}, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("inventory release: unexpected status %d", status)
	}
	return nil
}

func (c *InventoryClient) Commit(ctx context.Context, reservationID string) error {
	status, err := postJSON(ctx, c.hc, c.baseURL+"/inventory/commit",
		map[string]string{"reservationId": reservationID}, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("inventory commit: unexpected status %d", status)
	}
	return nil
}
