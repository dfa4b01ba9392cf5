package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ravikishore-m/orderflow/internal/order/domain"
)

// CatalogClient reads reference prices. The catalog is eventually consistent
// and outside the saga's transactional boundary.
type CatalogClient struct {
	log     *slog.Logger
	hc      *http.Client
	baseURL string
}

func NewCatalogClient(log *slog.Logger, baseURL string) *CatalogClient {
	return &CatalogClient{log: log, hc: defaultHTTPClient(), baseURL: baseURL}
}

type product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
}

func (c *CatalogClient) Price(ctx context.Context, sku string) (int64, error) {
	var p product
	status, err := getJSON(ctx, c.hc, c.baseURL+"/catalog/products/"+sku, &p)
	if err != nil {
		return 0, err
	}
	switch {
	case status == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownSKU, sku)
	case status < 200 || status > 299:
		return 0, fmt.Errorf("catalog price: unexpected status %d", status)
	}
	return p.PriceCents, nil
}
