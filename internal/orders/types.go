// Package orders drives the order lifecycle: submission, two-source status
// reconciliation, timeout enforcement and the false-positive sweeper.
package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/brokercore/internal/kis"
)

// Side is the order direction
type Side = kis.Side

const (
	SideBuy  = kis.SideBuy
	SideSell = kis.SideSell
)

// Status is an order's lifecycle state
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether the status ends the order's life in the active store
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusTimeout
}

// Classification is the result of reconciling broker data; it extends Status with UNKNOWN
type Classification string

const (
	ClassPending   Classification = "PENDING"
	ClassPartial   Classification = "PARTIAL"
	ClassFilled    Classification = "FILLED"
	ClassCancelled Classification = "CANCELLED"
	ClassTimeout   Classification = "TIMEOUT"
	ClassUnknown   Classification = "UNKNOWN"
)

// Status maps a classification onto an order status. UNKNOWN has no status.
func (c Classification) Status() (Status, bool) {
	if c == ClassUnknown || c == "" {
		return "", false
	}
	return Status(c), true
}

// Order is the controller's record of one broker order
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Price        decimal.Decimal
	Market       bool
	Quantity     int64
	FilledQty    int64
	RemainingQty int64
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
	Deadline     time.Time
	// DecisionBar is set for buys only
	DecisionBar time.Time
	Adjustments int
	EchoQty     int64
	RoutingCode string
	LastPrice   decimal.Decimal
	Reason      string
}

// OrderSnapshot is a point-in-time copy of an order handed to callers
type OrderSnapshot struct {
	ID           string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Market       bool            `json:"market"`
	Quantity     int64           `json:"quantity"`
	FilledQty    int64           `json:"filled_quantity"`
	RemainingQty int64           `json:"remaining_quantity"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Deadline     time.Time       `json:"deadline"`
	DecisionBar  *time.Time      `json:"decision_bar,omitempty"`
	Adjustments  int             `json:"adjustment_count"`
	EchoQty      int64           `json:"broker_order_quantity"`
	Reason       string          `json:"reason,omitempty"`
}

// Snapshot copies the order for callers
func (o *Order) Snapshot() OrderSnapshot {
	s := OrderSnapshot{
		ID:           o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Price:        o.Price,
		Market:       o.Market,
		Quantity:     o.Quantity,
		FilledQty:    o.FilledQty,
		RemainingQty: o.RemainingQty,
		Status:       o.Status,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		Deadline:     o.Deadline,
		Adjustments:  o.Adjustments,
		EchoQty:      o.EchoQty,
		Reason:       o.Reason,
	}
	if !o.CompletedAt.IsZero() {
		t := o.CompletedAt
		s.CompletedAt = &t
	}
	if !o.DecisionBar.IsZero() {
		t := o.DecisionBar
		s.DecisionBar = &t
	}
	return s
}

// Result is the discriminated outcome of a submit, cancel or adjust call
type Result struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Transition describes one status change, as recorded and published
type Transition struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	Quantity  int64     `json:"quantity"`
	FilledQty int64     `json:"filled_quantity"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Summary is the controller's pending/completed overview
type Summary struct {
	PendingCount   int             `json:"pending_count"`
	CompletedCount int             `json:"completed_count"`
	Pending        []OrderSnapshot `json:"pending"`
}
