package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ravikishore-m/orderflow/internal/order/domain"
	"github.com/ravikishore-m/orderflow/pkg/tracing"
)

// Schema is applied by the service at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	total_cents BIGINT NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	needs_reconciliation BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS order_items (
	order_id TEXT NOT NULL REFERENCES orders(id),
	sku TEXT NOT NULL,
	quantity INT NOT NULL,
	price_cents BIGINT NOT NULL,
	PRIMARY KEY (order_id, sku)
);
CREATE TABLE IF NOT EXISTS order_status_history (
	id BIGSERIAL PRIMARY KEY,
	order_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BYTEA NOT NULL,
	headers JSONB,
	traceparent TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	relay_id TEXT,
	lease_until TIMESTAMPTZ,
	retry_count INT NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Ledger is the durable, append-only order record. Status moves only through
// conditional updates on the expected previous status, so a lost race shows
// up as domain.ErrTransitionConflict instead of a silent overwrite.
type Ledger struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewLedger(log *slog.Logger, pool *pgxpool.Pool) *Ledger {
	return &Ledger{log: log, pool: pool}
}

func (l *Ledger) Init(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, Schema)
	return err
}

func (l *Ledger) Create(ctx context.Context, o domain.Order) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO orders (id, user_id, total_cents, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.UserID, o.TotalCents, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (order_id, sku, quantity, price_cents) VALUES ($1,$2,$3,$4)`,
			o.ID, item.SKU, item.Quantity, item.PriceCents)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO order_status_history (order_id, from_status, to_status) VALUES ($1,'',$2)`,
		o.ID, o.Status)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	return tx.Commit(ctx)
}

func (l *Ledger) Transition(ctx context.Context, orderID string, from, to domain.OrderStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s not allowed", domain.ErrTransitionConflict, from, to)
	}

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var userID string
	var totalCents int64
	err = tx.QueryRow(ctx, `UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2
		RETURNING user_id, total_cents`, orderID, from, to).Scan(&userID, &totalCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: order %s not at %s", domain.ErrTransitionConflict, orderID, from)
	}
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO order_status_history (order_id, from_status, to_status) VALUES ($1,$2,$3)`,
		orderID, from, to)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	if to == domain.StatusConfirmed {
		payload, err := json.Marshal(domain.OrderConfirmed{OrderID: orderID, UserID: userID, TotalCents: totalCents})
		if err != nil {
			return err
		}
		if err := l.queueEvent(ctx, tx, orderID, "OrderConfirmed", payload); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (l *Ledger) MarkFailed(ctx context.Context, orderID, reason string, needsReconciliation bool) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// prev is read under FOR UPDATE so the history row records the actual
	// pre-failure status.
	var prev domain.OrderStatus
	var userID string
	err = tx.QueryRow(ctx, `SELECT status, user_id FROM orders WHERE id=$1 FOR UPDATE`, orderID).Scan(&prev, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("lock order: %w", err)
	}
	if prev.Terminal() {
		return fmt.Errorf("%w: order %s already %s", domain.ErrTransitionConflict, orderID, prev)
	}

	_, err = tx.Exec(ctx, `UPDATE orders SET status=$2, failure_reason=$3, needs_reconciliation=$4, updated_at=now() WHERE id=$1`,
		orderID, domain.StatusFailed, reason, needsReconciliation)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO order_status_history (order_id, from_status, to_status) VALUES ($1,$2,$3)`,
		orderID, prev, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	payload, err := json.Marshal(domain.OrderFailed{OrderID: orderID, UserID: userID, Reason: reason, NeedsReconciliation: needsReconciliation})
	if err != nil {
		return err
	}
	if err := l.queueEvent(ctx, tx, orderID, "OrderFailed", payload); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (l *Ledger) FlagReconciliation(ctx context.Context, orderID string) error {
	ct, err := l.pool.Exec(ctx, `UPDATE orders SET needs_reconciliation=TRUE, updated_at=now() WHERE id=$1`, orderID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var o domain.Order
	err := l.pool.QueryRow(ctx, `SELECT id, user_id, total_cents, status, failure_reason, needs_reconciliation, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.UserID, &o.TotalCents, &o.Status, &o.FailureReason, &o.NeedsReconciliation, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}

	rows, err := l.pool.Query(ctx, `SELECT sku, quantity, price_cents FROM order_items WHERE order_id=$1 ORDER BY sku`, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.SKU, &item.Quantity, &item.PriceCents); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

// CountByStatus backs the operational view of orders per status.
func (l *Ledger) CountByStatus(ctx context.Context) (map[domain.OrderStatus]int64, error) {
	rows, err := l.pool.Query(ctx, `SELECT status, count(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.OrderStatus]int64)
	for rows.Next() {
		var status domain.OrderStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (l *Ledger) queueEvent(ctx context.Context, tx pgx.Tx, orderID, eventType string, payload []byte) error {
	headers := map[string]string{"source": "order-service"}
	_, err := tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
		"order", orderID, eventType, payload, headers, tracing.Traceparent(ctx))
	if err != nil {
		return fmt.Errorf("queue outbox event: %w", err)
	}
	return nil
}
