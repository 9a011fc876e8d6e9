package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/brokercore/internal/gateway"
	"github.com/ajitpratap0/brokercore/internal/kis"
)

// TestController_PlaceBuy tests submission bookkeeping for a buy order
func TestController_PlaceBuy(t *testing.T) {
	h := newHarness(t, nil)
	id := h.buy(t, 10, 71000)

	snap := h.ctrl.GetStatus(id)
	require.NotNil(t, snap)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, int64(10), snap.Quantity)
	assert.Equal(t, int64(0), snap.FilledQty)
	assert.Equal(t, int64(10), snap.RemainingQty)
	assert.True(t, snap.Deadline.Equal(h.clock.Now().Add(180*time.Second)))
	require.NotNil(t, snap.DecisionBar)
	assert.True(t, snap.DecisionBar.Equal(monday(h.cal, 10, 3, 0)))

	require.Len(t, h.broker.placed, 1)
	assert.Equal(t, kis.SideBuy, h.broker.placed[0].Side)
	assert.True(t, decimal.NewFromInt(71000).Equal(h.broker.placed[0].Price))

	require.Len(t, h.journal.transitions, 1)
	assert.Equal(t, Status(""), h.journal.transitions[0].From)
	assert.Equal(t, StatusPending, h.journal.transitions[0].To)
	require.Len(t, h.journal.upserts, 1)
	assert.Equal(t, id, h.journal.upserts[0].ID)
	assert.Len(t, h.publisher.transitions, 1)
}

func TestController_PlaceSell(t *testing.T) {
	h := newHarness(t, nil)

	res := h.ctrl.PlaceSell(context.Background(), "005930", 3, decimal.Zero, true)
	require.True(t, res.Success, res.Message)

	snap := h.ctrl.GetStatus(res.OrderID)
	require.NotNil(t, snap)
	assert.True(t, snap.Market)
	assert.Nil(t, snap.DecisionBar, "sells have no decision bar")
	assert.True(t, snap.Deadline.Equal(h.clock.Now().Add(120*time.Second)))
}

func TestController_PlaceValidation(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		qty    int64
		price  int64
	}{
		{"empty symbol", "", 1, 1000},
		{"zero quantity", "005930", 0, 1000},
		{"negative quantity", "005930", -5, 1000},
		{"negative price", "005930", 1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			res := h.ctrl.PlaceBuy(context.Background(), tt.symbol, tt.qty, decimal.NewFromInt(tt.price))
			assert.False(t, res.Success)
			assert.Equal(t, CodeInvalidInput, res.Code)
			assert.Empty(t, h.broker.placed, "nothing reaches the broker")
		})
	}
}

// TestController_PlaceRejected tests that broker codes survive into the result
func TestController_PlaceRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.placeErr = &gateway.BusinessRejectionError{TrID: kis.TrBuy, HTTPStatus: 200, Code: "APBK0986", Message: "insufficient buying power"}

	res := h.ctrl.PlaceBuy(context.Background(), "005930", 10, decimal.NewFromInt(71000))
	assert.False(t, res.Success)
	assert.Equal(t, "APBK0986", res.Code)
	assert.Contains(t, res.Message, "insufficient buying power")
	assert.Empty(t, h.ctrl.Summary().Pending)
	assert.Contains(t, h.publisher.alertCategories(), AlertCategoryOrderPlacement)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.NotEmpty(t, h.publisher.alerts)
	assert.Equal(t, "APBK0986", h.publisher.alerts[len(h.publisher.alerts)-1].Context["broker_code"])
}

// TestController_PlaceUnclassifiedFailures tests codes for failures the broker never ruled on
func TestController_PlaceUnclassifiedFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"acknowledgement without order number", fmt.Errorf("%w: order acknowledgement missing ODNO", kis.ErrMalformedResponse), CodeInvalidResponse},
		{"unexpected error", errors.New("encoder exploded"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.broker.placeErr = tt.err

			res := h.ctrl.PlaceBuy(context.Background(), "005930", 10, decimal.NewFromInt(71000))
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.Code)
			assert.Empty(t, h.ctrl.Summary().Pending)
		})
	}
}

func TestController_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	id := h.buy(t, 10, 71000)
	h.broker.setOpen(openRow(id, 10))

	res := h.ctrl.Cancel(context.Background(), id)
	require.True(t, res.Success, res.Message)

	require.Len(t, h.broker.cancelled, 1)
	assert.Equal(t, "91252", h.broker.cancelled[0].RoutingCode)

	snap := h.ctrl.GetStatus(id)
	require.NotNil(t, snap)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.NotNil(t, snap.CompletedAt)
	assert.False(t, h.ctrl.Store().IsActive(id))
}

func TestController_CancelFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, id string)
		code  string
	}{
		{
			name:  "not listed",
			setup: func(h *harness, id string) {},
			code:  CodeNotCancelable,
		},
		{
			name: "routing field missing",
			setup: func(h *harness, id string) {
				row := openRow(id, 10)
				row.RoutingCode = ""
				h.broker.setOpen(row)
			},
			code: CodeRoutingMissing,
		},
		{
			name: "broker rejects",
			setup: func(h *harness, id string) {
				h.broker.setOpen(openRow(id, 10))
				h.broker.cancelErr = &gateway.BusinessRejectionError{Code: "APBK1680", Message: "already executed"}
			},
			code: "APBK1680",
		},
		{
			name: "transport",
			setup: func(h *harness, id string) {
				h.broker.setOpen(openRow(id, 10))
				h.broker.cancelErr = &gateway.TransportError{TrID: kis.TrCancel, Attempts: 4}
			},
			code: CodeTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := h.buy(t, 10, 71000)
			tt.setup(h, id)

			res := h.ctrl.Cancel(context.Background(), id)
			assert.False(t, res.Success)
			assert.Equal(t, tt.code, res.Code)
			assert.True(t, h.ctrl.Store().IsActive(id), "a failed cancel leaves the order active")
			assert.Contains(t, h.publisher.alertCategories(), AlertCategoryOrderCancel)
		})
	}
}

func TestController_CancelBeforeOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.clock.t = monday(h.cal, 8, 30, 0)
	id := h.buy(t, 10, 71000)
	h.broker.setOpen(openRow(id, 10))

	res := h.ctrl.Cancel(context.Background(), id)
	assert.False(t, res.Success)
	assert.Equal(t, CodeMarketNotOpen, res.Code)
	assert.Zero(t, h.broker.cancelCount())
}

func TestController_CancelUnknownOrder(t *testing.T) {
	h := newHarness(t, nil)

	res := h.ctrl.Cancel(context.Background(), "0000009999")
	assert.False(t, res.Success)
	assert.Equal(t, CodeNotFound, res.Code)
	assert.Nil(t, h.ctrl.GetStatus("0000009999"))
}

func TestController_Refresh(t *testing.T) {
	h := newHarness(t, nil)
	id := h.buy(t, 10, 71000)
	h.broker.setOpen(openRow(id, 10))
	h.broker.setFills(fillRow(id, 10, 4))

	snap, err := h.ctrl.Refresh(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, snap.Status)
	assert.Equal(t, int64(4), snap.FilledQty)
	assert.Equal(t, int64(6), snap.RemainingQty)

	_, err = h.ctrl.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestController_Adjust(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxAdjustments = 1 })
	id := h.buy(t, 10, 1000)
	h.broker.setOpen(openRow(id, 10))
	h.broker.setFills(fillRow(id, 10, 4))
	_, err := h.ctrl.Refresh(context.Background(), id)
	require.NoError(t, err)

	res := h.ctrl.Adjust(context.Background(), id, decimal.NewFromInt(1004))
	assert.False(t, res.Success)
	assert.Equal(t, CodeNoAdjustment, res.Code, "inside the tolerance band")

	res = h.ctrl.Adjust(context.Background(), id, decimal.NewFromInt(1010))
	require.True(t, res.Success, res.Message)
	assert.NotEqual(t, id, res.OrderID)

	old := h.ctrl.GetStatus(id)
	require.NotNil(t, old)
	assert.Equal(t, StatusCancelled, old.Status)

	replacement := h.ctrl.GetStatus(res.OrderID)
	require.NotNil(t, replacement)
	assert.Equal(t, int64(6), replacement.Quantity, "only the unfilled remainder is re-placed")
	assert.True(t, decimal.NewFromInt(1011).Equal(replacement.Price), "got %s", replacement.Price)
	assert.Equal(t, 1, replacement.Adjustments)

	h.broker.setOpen(openRow(res.OrderID, 6))
	again := h.ctrl.Adjust(context.Background(), res.OrderID, decimal.NewFromInt(1100))
	assert.False(t, again.Success)
	assert.Equal(t, CodeNoAdjustment, again.Code, "limit reached")
}

func TestController_AdjustDisabled(t *testing.T) {
	h := newHarness(t, nil)
	id := h.buy(t, 10, 1000)

	res := h.ctrl.Adjust(context.Background(), id, decimal.NewFromInt(2000))
	assert.False(t, res.Success)
	assert.Equal(t, CodeDisabled, res.Code)
}

func TestRepriceTarget(t *testing.T) {
	tests := []struct {
		name    string
		side    Side
		price   int64
		current int64
		want    int64
		needed  bool
	}{
		{"buy chased up", SideBuy, 1000, 1010, 1011, true},
		{"buy at band edge", SideBuy, 1000, 1005, 1000, false},
		{"buy price fell", SideBuy, 1000, 900, 1000, false},
		{"sell chased down", SideSell, 1000, 990, 989, true},
		{"sell at band edge", SideSell, 1000, 995, 1000, false},
		{"sell price rose", SideSell, 1000, 1100, 1000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, needed := repriceTarget(tt.side, decimal.NewFromInt(tt.price), decimal.NewFromInt(tt.current))
			assert.Equal(t, tt.needed, needed)
			assert.True(t, decimal.NewFromInt(tt.want).Equal(got), "got %s", got)
		})
	}
}

type stubStats struct{ stats gateway.Stats }

func (s stubStats) Stats() gateway.Stats { return s.stats }

func TestController_SummaryAndStats(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl = NewController(h.broker, h.cal, DefaultConfig(),
		WithClock(h.clock.Now),
		WithGatewayStats(stubStats{gateway.Stats{TotalCalls: 7, SuccessCalls: 6}}),
	)

	filled := h.buy(t, 10, 71000)
	pending := h.buy(t, 5, 70000)
	h.broker.setOpen(openRow(pending, 5))
	h.broker.setFills(fillRow(filled, 10, 10))

	require.NoError(t, h.ctrl.MonitorOnce(context.Background()))

	sum := h.ctrl.Summary()
	assert.Equal(t, 1, sum.PendingCount)
	assert.Equal(t, 1, sum.CompletedCount)
	require.Len(t, sum.Pending, 1)
	assert.Equal(t, pending, sum.Pending[0].ID)

	st := h.ctrl.Stats()
	assert.Equal(t, 1, st.ActiveOrders)
	assert.Equal(t, 1, st.TerminalOrders)
	assert.Equal(t, int64(1), st.MonitorCycles)
	require.NotNil(t, st.Gateway)
	assert.Equal(t, int64(7), st.Gateway.TotalCalls)
}

// TestController_JournalFailureDoesNotBlock tests that hook errors never undo a transition
func TestController_JournalFailureDoesNotBlock(t *testing.T) {
	h := newHarness(t, nil)
	h.journal.err = assert.AnError

	id := h.buy(t, 10, 71000)
	h.broker.setFills(fillRow(id, 10, 10))
	require.NoError(t, h.ctrl.MonitorOnce(context.Background()))

	snap := h.ctrl.GetStatus(id)
	require.NotNil(t, snap)
	assert.Equal(t, StatusFilled, snap.Status)
	assert.Len(t, h.publisher.transitions, 2)
}
