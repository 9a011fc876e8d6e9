package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/brokercore/internal/metrics"
	"github.com/ajitpratap0/brokercore/internal/orders"
)

// PoolInterface defines the interface for database pool operations
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Journal records order snapshots and every status transition
type Journal struct {
	pool PoolInterface
}

var _ orders.Journal = (*Journal)(nil)

// NewJournal creates a journal over pool
func NewJournal(pool PoolInterface) *Journal {
	return &Journal{pool: pool}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UpsertOrder writes the latest snapshot of an order
func (j *Journal) UpsertOrder(ctx context.Context, o orders.OrderSnapshot) error {
	query := `
		INSERT INTO broker_orders (
			order_id, symbol, side, price, market, quantity, filled_quantity,
			remaining_quantity, status, broker_order_quantity, adjustment_count,
			deadline, decision_bar, reason, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (order_id) DO UPDATE SET
			filled_quantity = EXCLUDED.filled_quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			status = EXCLUDED.status,
			broker_order_quantity = EXCLUDED.broker_order_quantity,
			deadline = EXCLUDED.deadline,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err := j.pool.Exec(ctx, query,
		o.ID,
		o.Symbol,
		string(o.Side),
		o.Price.String(),
		o.Market,
		o.Quantity,
		o.FilledQty,
		o.RemainingQty,
		string(o.Status),
		o.EchoQty,
		o.Adjustments,
		nullTime(o.Deadline),
		o.DecisionBar,
		nullString(o.Reason),
		o.CreatedAt,
		o.UpdatedAt,
		o.CompletedAt,
	)
	metrics.RecordJournalWrite(err == nil)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", o.ID, err)
	}

	log.Debug().
		Str("order_id", o.ID).
		Str("status", string(o.Status)).
		Msg("Order journaled")
	return nil
}

// RecordTransition appends one status change
func (j *Journal) RecordTransition(ctx context.Context, t orders.Transition) error {
	query := `
		INSERT INTO order_transitions (
			order_id, symbol, side, from_status, to_status, quantity,
			filled_quantity, reason, transitioned_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := j.pool.Exec(ctx, query,
		t.OrderID,
		t.Symbol,
		string(t.Side),
		nullString(string(t.From)),
		string(t.To),
		t.Quantity,
		t.FilledQty,
		nullString(t.Reason),
		t.At,
	)
	metrics.RecordJournalWrite(err == nil)
	if err != nil {
		return fmt.Errorf("failed to record transition for %s: %w", t.OrderID, err)
	}
	return nil
}

// ListTransitions returns an order's transitions, oldest first
func (j *Journal) ListTransitions(ctx context.Context, orderID string) ([]orders.Transition, error) {
	query := `
		SELECT order_id, symbol, side, COALESCE(from_status, ''), to_status,
			quantity, filled_quantity, COALESCE(reason, ''), transitioned_at
		FROM order_transitions
		WHERE order_id = $1
		ORDER BY transitioned_at ASC, id ASC
	`

	rows, err := j.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []orders.Transition
	for rows.Next() {
		var t orders.Transition
		var side, from, to string
		if err := rows.Scan(&t.OrderID, &t.Symbol, &side, &from, &to, &t.Quantity, &t.FilledQty, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Side = orders.Side(side)
		t.From = orders.Status(from)
		t.To = orders.Status(to)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return out, nil
}

const orderColumns = `
	order_id, symbol, side, price::text, market, quantity, filled_quantity,
	remaining_quantity, status, broker_order_quantity, adjustment_count,
	deadline, decision_bar, COALESCE(reason, ''), created_at, updated_at, completed_at
`

func scanOrder(row pgx.Row) (orders.OrderSnapshot, error) {
	var o orders.OrderSnapshot
	var side, status, price string
	var deadline *time.Time

	err := row.Scan(
		&o.ID, &o.Symbol, &side, &price, &o.Market, &o.Quantity, &o.FilledQty,
		&o.RemainingQty, &status, &o.EchoQty, &o.Adjustments,
		&deadline, &o.DecisionBar, &o.Reason, &o.CreatedAt, &o.UpdatedAt, &o.CompletedAt,
	)
	if err != nil {
		return o, err
	}

	o.Side = orders.Side(side)
	o.Status = orders.Status(status)
	if deadline != nil {
		o.Deadline = *deadline
	}
	o.Price, err = decimal.NewFromString(price)
	if err != nil {
		return o, fmt.Errorf("invalid price %q: %w", price, err)
	}
	return o, nil
}

// GetOrder returns the journaled snapshot of one order, or nil
func (j *Journal) GetOrder(ctx context.Context, orderID string) (*orders.OrderSnapshot, error) {
	query := `SELECT ` + orderColumns + ` FROM broker_orders WHERE order_id = $1`

	o, err := scanOrder(j.pool.QueryRow(ctx, query, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return &o, nil
}

// RecentOrders returns the most recently created orders, newest first
func (j *Journal) RecentOrders(ctx context.Context, limit int) ([]orders.OrderSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + orderColumns + ` FROM broker_orders ORDER BY created_at DESC LIMIT $1`

	rows, err := j.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent orders: %w", err)
	}
	defer rows.Close()

	var out []orders.OrderSnapshot
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return out, nil
}
