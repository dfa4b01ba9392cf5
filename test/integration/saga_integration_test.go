package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ravikishore-m/orderflow/internal/order/application"
	"github.com/ravikishore-m/orderflow/internal/order/domain"
	orderkafka "github.com/ravikishore-m/orderflow/internal/order/infrastructure/kafka"
	orderpg "github.com/ravikishore-m/orderflow/internal/order/infrastructure/postgres"
	"github.com/ravikishore-m/orderflow/internal/order/infrastructure/rest"
	"github.com/ravikishore-m/orderflow/pkg/idempotency"
	"github.com/ravikishore-m/orderflow/pkg/outbox"
)

// downstream is an in-process stand-in for the inventory, payment, and
// catalog services, idempotent per correlation id like the real ones.
type downstream struct {
	mu     sync.Mutex
	stock  map[string]int
	prices map[string]int64
	byCorr map[string]string
	nextID int
	auths  int
}

func newDownstream() *downstream {
	return &downstream{
		stock:  map[string]int{"sku-1": 5},
		prices: map[string]int64{"sku-1": 5000},
		byCorr: make(map[string]string),
	}
}

func (d *downstream) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inventory/reserve", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SKU           string `json:"sku"`
			Quantity      int    `json:"qty"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		defer d.mu.Unlock()
		if id, ok := d.byCorr[req.CorrelationID]; ok {
			_ = json.NewEncoder(w).Encode(domain.Reservation{ID: id, SKU: req.SKU, Quantity: req.Quantity, Status: domain.ReservationHeld})
			return
		}
		if d.stock[req.SKU] < req.Quantity {
			http.Error(w, `{"error":"insufficient_stock"}`, http.StatusConflict)
			return
		}
		d.stock[req.SKU] -= req.Quantity
		d.nextID++
		id := fmt.Sprintf("res-%d", d.nextID)
		d.byCorr[req.CorrelationID] = id
		_ = json.NewEncoder(w).Encode(domain.Reservation{
			ID: id, SKU: req.SKU, Quantity: req.Quantity,
			Status: domain.ReservationHeld, ExpiresAt: time.Now().Add(15 * time.Minute),
		})
	})
	mux.HandleFunc("POST /inventory/release", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /inventory/commit", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /payments/authorize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AmountCents   int64  `json:"amountCents"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		d.auths++
		d.mu.Unlock()
		_ = json.NewEncoder(w).Encode(domain.Authorization{
			ID: "auth-" + req.CorrelationID, AmountCents: req.AmountCents, Status: domain.AuthorizationAuthorized,
		})
	})
	mux.HandleFunc("POST /payments/capture", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("POST /payments/void", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /catalog/products/{sku}", func(w http.ResponseWriter, r *http.Request) {
		sku := r.PathValue("sku")
		d.mu.Lock()
		price, ok := d.prices[sku]
		d.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sku": sku, "priceCents": price})
	})
	return mux
}

func TestSagaEndToEnd(t *testing.T) {
	if os.Getenv("ORDERFLOW_INTEGRATION") == "" {
		t.Skip("set ORDERFLOW_INTEGRATION=1 to run container-backed tests")
	}

	ctx := context.Background()
	env, err := Setup(ctx)
	if err != nil {
		t.Fatalf("container setup: %v", err)
	}
	defer env.Teardown(ctx)

	log := slog.New(slog.DiscardHandler)

	pool, err := pgxpool.New(ctx, env.PGURL)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	ledger := orderpg.NewLedger(log, pool)
	if err := ledger.Init(ctx); err != nil {
		t.Fatal(err)
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: env.RedisAddr})
	defer rdb.Close()
	idem := idempotency.NewStore(rdb, time.Hour)

	srv := httptest.NewServer(newDownstream().handler())
	defer srv.Close()

	writer := orderkafka.NewWriter(env.KafkaAddr)
	defer writer.Close()
	relay := outbox.NewRelay(log, orderpg.NewOutboxStore(log, pool), outbox.NewDispatcher(log, writer, "order.events"), "itest-relay")
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go func() { _ = relay.Run(relayCtx) }()

	coordinator := application.NewCoordinator(log, application.Config{},
		ledger,
		rest.NewInventoryClient(log, srv.URL),
		rest.NewPaymentClient(log, srv.URL),
		rest.NewCatalogClient(log, srv.URL),
		idem,
	)

	req := domain.OrderRequest{
		IdempotencyKey: "itest-k1",
		UserID:         "user1",
		PaymentToken:   "tok-1",
		Items:          []domain.LineItem{{SKU: "sku-1", Quantity: 2}},
	}

	res, err := coordinator.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", res.Status, res.Reason)
	}

	replay, err := coordinator.Submit(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.OrderID != res.OrderID || !replay.Replayed {
		t.Errorf("expected cached replay of %s, got %+v", res.OrderID, replay)
	}

	order, err := ledger.Get(ctx, res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != domain.StatusConfirmed || order.TotalCents != 10000 {
		t.Errorf("unexpected ledger order %+v", order)
	}

	// The relay must publish the OrderConfirmed outbox row and mark it sent.
	deadline := time.Now().Add(30 * time.Second)
	for {
		var sent int
		if err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE aggregate_id=$1 AND status='sent'`, res.OrderID).Scan(&sent); err != nil {
			t.Fatal(err)
		}
		if sent >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("outbox event was not relayed in time")
		}
		time.Sleep(200 * time.Millisecond)
	}
}
