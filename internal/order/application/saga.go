package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ravikishore-m/orderflow/internal/order/domain"
	"github.com/ravikishore-m/orderflow/pkg/idempotency"
	"github.com/ravikishore-m/orderflow/pkg/metrics"
)

// Config tunes the coordinator's deadlines and retry policy.
type Config struct {
	// CallTimeout bounds every individual downstream call.
	CallTimeout time.Duration
	// MaxAttempts bounds forward calls (reserve, authorize, capture, commit).
	MaxAttempts int
	// RetryBackoff is the initial backoff between attempts; it doubles.
	RetryBackoff time.Duration
	// CompensationAttempts bounds release/void. A stuck hold is worse than a
	// slow release, so this is deliberately higher than MaxAttempts; on
	// exhaustion the order is flagged for reconciliation, never abandoned.
	CompensationAttempts int
	// BlockOnInFlight decides whether a submission that hits an in-flight key
	// waits for the running saga or returns its current status immediately.
	BlockOnInFlight  bool
	WaitPollInterval time.Duration
	WaitTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.CompensationAttempts <= 0 {
		c.CompensationAttempts = 8
	}
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = 50 * time.Millisecond
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	return c
}

// Coordinator runs the fixed order-placement saga:
// Pending -> Reserving -> Authorizing -> Confirmed, with failures at
// Reserving or Authorizing compensated through Compensating -> Failed.
type Coordinator struct {
	log       *slog.Logger
	cfg       Config
	ledger    OrderLedger
	inventory InventoryClient
	payments  PaymentClient
	catalog   CatalogClient
	idem      IdempotencyStore
	flights   singleflight.Group
	tracer    trace.Tracer
	newID     func() string
}

func NewCoordinator(log *slog.Logger, cfg Config, ledger OrderLedger, inventory InventoryClient, payments PaymentClient, catalog CatalogClient, idem IdempotencyStore) *Coordinator {
	return &Coordinator{
		log:       log,
		cfg:       cfg.withDefaults(),
		ledger:    ledger,
		inventory: inventory,
		payments:  payments,
		catalog:   catalog,
		idem:      idem,
		tracer:    otel.Tracer("saga-coordinator"),
		newID:     uuid.NewString,
	}
}

// Submit places an order. Valid resubmissions of the same idempotency key
// return the original result without re-executing side effects; the same key
// with a different payload is rejected with domain.ErrIdempotencyConflict.
func (c *Coordinator) Submit(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return domain.OrderResult{}, err
	}
	fingerprint := req.Fingerprint()

	// In blocking mode, concurrent in-process submissions on one key collapse
	// into a single flight and share its result. The flight is keyed on the
	// fingerprint too, so a concurrent reuse of the key with a different
	// payload takes its own flight and hits the store's conflict check
	// instead of sharing a result it never asked for. Cross-process
	// contention is serialized by the idempotency store either way.
	if c.cfg.BlockOnInFlight {
		v, err, _ := c.flights.Do(req.IdempotencyKey+"|"+fingerprint, func() (any, error) {
			return c.submit(ctx, req, fingerprint)
		})
		if err != nil {
			return domain.OrderResult{}, err
		}
		return v.(domain.OrderResult), nil
	}
	return c.submit(ctx, req, fingerprint)
}

func (c *Coordinator) submit(ctx context.Context, req domain.OrderRequest, fingerprint string) (domain.OrderResult, error) {
	ctx, span := c.tracer.Start(ctx, "SubmitOrder")
	defer span.End()

	orderID := c.newID()
	begin, err := c.idem.Begin(ctx, req.IdempotencyKey, fingerprint, orderID)
	if err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			return domain.OrderResult{}, domain.ErrIdempotencyConflict
		}
		return domain.OrderResult{}, err
	}

	switch begin.Outcome {
	case idempotency.Replayed:
		var result domain.OrderResult
		if err := json.Unmarshal(begin.Result, &result); err != nil {
			return domain.OrderResult{}, fmt.Errorf("corrupt cached result for key %s: %w", req.IdempotencyKey, err)
		}
		result.Replayed = true
		c.log.Info("replayed cached order result", "order_id", result.OrderID, "status", result.Status)
		return result, nil

	case idempotency.InFlight:
		if c.cfg.BlockOnInFlight {
			return c.awaitCompletion(ctx, req.IdempotencyKey, begin.OrderID)
		}
		return c.inProgressResult(ctx, begin.OrderID), nil
	}

	return c.run(ctx, req, fingerprint, orderID)
}

func (c *Coordinator) run(ctx context.Context, req domain.OrderRequest, fingerprint, orderID string) (domain.OrderResult, error) {
	start := time.Now()

	items, err := c.priceItems(ctx, req.Items)
	if err != nil {
		_ = c.idem.Release(ctx, req.IdempotencyKey)
		return domain.OrderResult{}, err
	}

	// Last point at which caller cancellation is honored: nothing has been
	// acquired yet. Beyond here the saga runs to completion server-side.
	if err := ctx.Err(); err != nil {
		_ = c.idem.Release(context.WithoutCancel(ctx), req.IdempotencyKey)
		return domain.OrderResult{}, err
	}
	sctx := context.WithoutCancel(ctx)

	order := domain.NewOrder(orderID, req.UserID, items)
	if err := c.ledger.Create(sctx, order); err != nil {
		_ = c.idem.Release(sctx, req.IdempotencyKey)
		return domain.OrderResult{}, fmt.Errorf("create order: %w", err)
	}
	c.log.Info("order accepted", "order_id", order.ID, "user_id", order.UserID, "total_cents", order.TotalCents)

	result := c.execute(sctx, order, req.PaymentToken)

	payload, err := json.Marshal(result)
	if err == nil {
		err = c.idem.Complete(sctx, req.IdempotencyKey, fingerprint, orderID, payload)
	}
	if err != nil {
		// The ledger still holds the terminal status; a replay will
		// re-observe it once the in-flight slot expires.
		c.log.Error("storing terminal result failed", "order_id", order.ID, "err", err)
	}

	metrics.SagaDuration.Observe(time.Since(start).Seconds())
	metrics.OrdersTotal.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}

func (c *Coordinator) priceItems(ctx context.Context, items []domain.LineItem) ([]domain.LineItem, error) {
	priced := make([]domain.LineItem, len(items))
	for i, item := range items {
		var cents int64
		err := c.retry(ctx, c.cfg.MaxAttempts, "catalog price "+item.SKU, func(ctx context.Context) error {
			var err error
			cents, err = c.catalog.Price(ctx, item.SKU)
			return err
		})
		if errors.Is(err, domain.ErrUnknownSKU) {
			return nil, fmt.Errorf("%w: unknown sku %s", domain.ErrValidation, item.SKU)
		}
		if err != nil {
			return nil, fmt.Errorf("price lookup for %s: %w", item.SKU, err)
		}
		priced[i] = domain.LineItem{SKU: item.SKU, Quantity: item.Quantity, PriceCents: cents}
	}
	return priced, nil
}

// execute drives the state machine. It always returns a terminal result; all
// errors inside are folded into compensation and a Failed order.
func (c *Coordinator) execute(ctx context.Context, order domain.Order, token string) domain.OrderResult {
	log := c.log.With("order_id", order.ID)

	if err := c.ledger.Transition(ctx, order.ID, domain.StatusPending, domain.StatusReserving); err != nil {
		// Nothing acquired yet; record the failure without compensation.
		log.Error("transition to reserving failed", "err", err)
		if err := c.ledger.MarkFailed(ctx, order.ID, domain.ReasonUpstreamUnavailable, false); err != nil {
			log.Error("mark failed failed", "err", err)
		}
		return domain.OrderResult{OrderID: order.ID, Status: domain.StatusFailed, Reason: domain.ReasonUpstreamUnavailable}
	}

	held := make([]domain.Reservation, 0, len(order.Items))
	for _, item := range order.Items {
		corr := order.ID + ":" + item.SKU
		var res domain.Reservation
		err := c.retry(ctx, c.cfg.MaxAttempts, "reserve "+item.SKU, func(ctx context.Context) error {
			var err error
			res, err = c.inventory.Reserve(ctx, item.SKU, item.Quantity, corr)
			return err
		})
		if err != nil {
			reason := domain.ReasonUpstreamUnavailable
			if errors.Is(err, domain.ErrInsufficientStock) {
				reason = domain.ReasonInsufficientStock
			}
			log.Warn("reservation failed", "sku", item.SKU, "reason", reason, "err", err)
			return c.compensate(ctx, order, domain.StatusReserving, held, nil, reason)
		}
		held = append(held, res)
	}

	if err := c.ledger.Transition(ctx, order.ID, domain.StatusReserving, domain.StatusAuthorizing); err != nil {
		log.Error("transition to authorizing failed", "err", err)
		return c.compensate(ctx, order, domain.StatusReserving, held, nil, domain.ReasonUpstreamUnavailable)
	}

	var auth domain.Authorization
	err := c.retry(ctx, c.cfg.MaxAttempts, "authorize payment", func(ctx context.Context) error {
		var err error
		auth, err = c.payments.Authorize(ctx, order.TotalCents, token, order.ID)
		return err
	})
	if err != nil {
		reason := domain.ReasonUpstreamUnavailable
		if errors.Is(err, domain.ErrDeclined) {
			reason = domain.ReasonPaymentDeclined
		}
		log.Warn("authorization failed", "reason", reason, "err", err)
		return c.compensate(ctx, order, domain.StatusAuthorizing, held, nil, reason)
	}

	if err := c.retry(ctx, c.cfg.MaxAttempts, "capture payment", func(ctx context.Context) error {
		return c.payments.Capture(ctx, auth.ID)
	}); err != nil {
		log.Error("capture failed", "auth_id", auth.ID, "err", err)
		return c.compensate(ctx, order, domain.StatusAuthorizing, held, &auth, domain.ReasonUpstreamUnavailable)
	}

	// Payment is captured; a hold that cannot be committed now is a stuck
	// resource only an operator can settle.
	stuck := false
	for _, r := range held {
		if err := c.retry(ctx, c.cfg.CompensationAttempts, "commit reservation "+r.SKU, func(ctx context.Context) error {
			return c.inventory.Commit(ctx, r.ID)
		}); err != nil {
			log.Error("reservation commit failed after capture", "reservation_id", r.ID, "err", err)
			stuck = true
		}
	}
	if stuck {
		if err := c.ledger.Transition(ctx, order.ID, domain.StatusAuthorizing, domain.StatusCompensating); err != nil {
			log.Error("transition to compensating failed", "err", err)
		}
		if err := c.ledger.MarkFailed(ctx, order.ID, domain.ReasonUpstreamUnavailable, true); err != nil {
			log.Error("mark failed failed", "err", err)
		}
		metrics.CompensationsTotal.WithLabelValues("stuck").Inc()
		return domain.OrderResult{OrderID: order.ID, Status: domain.StatusFailed, Reason: domain.ReasonUpstreamUnavailable}
	}

	if err := c.ledger.Transition(ctx, order.ID, domain.StatusAuthorizing, domain.StatusConfirmed); err != nil {
		// Side effects are complete; the record disagrees. Surface for the
		// operator rather than undoing a captured payment.
		log.Error("confirm transition failed", "err", err)
		_ = c.ledger.FlagReconciliation(ctx, order.ID)
	}
	log.Info("order confirmed", "total_cents", order.TotalCents)
	return domain.OrderResult{OrderID: order.ID, Status: domain.StatusConfirmed}
}

// compensate releases every acquired resource in reverse order, then drives
// the order to Failed. Release and void failures flag the order for
// reconciliation instead of being dropped.
func (c *Coordinator) compensate(ctx context.Context, order domain.Order, from domain.OrderStatus, held []domain.Reservation, auth *domain.Authorization, reason string) domain.OrderResult {
	log := c.log.With("order_id", order.ID)

	if err := c.ledger.Transition(ctx, order.ID, from, domain.StatusCompensating); err != nil {
		log.Error("transition to compensating failed", "err", err)
	}

	stuck := false
	if auth != nil {
		if err := c.retry(ctx, c.cfg.CompensationAttempts, "void payment", func(ctx context.Context) error {
			return c.payments.Void(ctx, auth.ID)
		}); err != nil {
			log.Error("void failed, authorization stuck", "auth_id", auth.ID, "err", err)
			stuck = true
		}
	}
	for i := len(held) - 1; i >= 0; i-- {
		r := held[i]
		if err := c.retry(ctx, c.cfg.CompensationAttempts, "release reservation "+r.SKU, func(ctx context.Context) error {
			return c.inventory.Release(ctx, r.ID)
		}); err != nil {
			log.Error("release failed, hold stuck", "reservation_id", r.ID, "err", err)
			stuck = true
		}
	}

	if stuck {
		metrics.CompensationsTotal.WithLabelValues("stuck").Inc()
	} else if len(held) > 0 || auth != nil {
		metrics.CompensationsTotal.WithLabelValues("released").Inc()
	}

	if err := c.ledger.MarkFailed(ctx, order.ID, reason, stuck); err != nil {
		log.Error("mark failed failed", "err", err)
	}
	log.Info("order failed", "reason", reason, "needs_reconciliation", stuck)
	return domain.OrderResult{OrderID: order.ID, Status: domain.StatusFailed, Reason: reason}
}

// retry runs fn under the per-call deadline, retrying transient failures with
// doubling backoff. Business failures are returned immediately.
func (c *Coordinator) retry(ctx context.Context, attempts int, op string, fn func(context.Context) error) error {
	backoff := c.cfg.RetryBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if isBusinessFailure(err) {
			return err
		}
		if attempt < attempts {
			c.log.Warn("transient failure, retrying", "op", op, "attempt", attempt, "err", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", op, err)
}

func isBusinessFailure(err error) bool {
	return errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrDeclined) ||
		errors.Is(err, domain.ErrUnknownSKU)
}

// awaitCompletion polls the idempotency store until the in-flight saga for
// key stores its terminal result.
func (c *Coordinator) awaitCompletion(ctx context.Context, key, orderID string) (domain.OrderResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.WaitPollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.idem.Get(ctx, key)
		if err != nil {
			return domain.OrderResult{}, err
		}
		if rec == nil {
			// The slot was released after a pre-side-effect failure.
			return domain.OrderResult{}, fmt.Errorf("in-flight submission for key %s was abandoned, retry", key)
		}
		if rec.State == idempotency.StateCompleted {
			var result domain.OrderResult
			if err := json.Unmarshal(rec.Result, &result); err != nil {
				return domain.OrderResult{}, fmt.Errorf("corrupt cached result for key %s: %w", key, err)
			}
			result.Replayed = true
			return result, nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return domain.OrderResult{}, err
			}
			// Wait bound hit with the saga still running.
			return c.inProgressResult(ctx, orderID), nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) inProgressResult(ctx context.Context, orderID string) domain.OrderResult {
	status := domain.StatusPending
	if o, err := c.ledger.Get(ctx, orderID); err == nil {
		status = o.Status
	}
	return domain.OrderResult{OrderID: orderID, Status: status}
}

// GetOrder reads the durable order record.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return c.ledger.Get(ctx, orderID)
}

// FlagReconciliation is the operator entry point for marking a terminal order
// as needing out-of-band settlement.
func (c *Coordinator) FlagReconciliation(ctx context.Context, orderID string) error {
	return c.ledger.FlagReconciliation(ctx, orderID)
}
