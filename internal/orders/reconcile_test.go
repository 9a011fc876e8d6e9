package orders

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/brokercore/internal/kis"
)

var reconcileNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func pendingOrder(id string, qty int64) Order {
	return Order{ID: id, Side: SideBuy, Quantity: qty, RemainingQty: qty, Status: StatusPending, CreatedAt: reconcileNow.Add(-time.Minute)}
}

func TestReconcile(t *testing.T) {
	cancelledRow := fillRow("1", 10, 0)
	cancelledRow.Cancelled = true
	partialCancelled := fillRow("1", 10, 4)
	partialCancelled.Cancelled = true
	completeCancelled := fillRow("1", 10, 10)
	completeCancelled.Cancelled = true
	open := openRow("1", 10)

	tests := []struct {
		name       string
		order      Order
		view       BrokerView
		class      Classification
		filled     int64
		remaining  int64
		suppressed bool
	}{
		{
			name:  "listed open without fills is pending",
			order: pendingOrder("1", 10),
			view:  BrokerView{Open: &open},
			class: ClassPending, filled: 0, remaining: 10,
		},
		{
			name:  "listed open with partial fills",
			order: pendingOrder("1", 10),
			view:  BrokerView{Open: &open, Fills: []kis.Fill{fillRow("1", 10, 4)}},
			class: ClassPartial, filled: 4, remaining: 6,
		},
		{
			name:  "listed open but fills complete",
			order: pendingOrder("1", 10),
			view:  BrokerView{Open: &open, Fills: []kis.Fill{fillRow("1", 10, 10)}},
			class: ClassFilled, filled: 10, remaining: 0,
		},
		{
			name:  "fill rows across executions",
			order: pendingOrder("1", 10),
			view:  BrokerView{Fills: []kis.Fill{fillRow("1", 10, 3), fillRow("1", 10, 7)}},
			class: ClassFilled, filled: 10, remaining: 0,
		},
		{
			name:  "zero fill rows stay pending",
			order: pendingOrder("1", 10),
			view:  BrokerView{Fills: []kis.Fill{fillRow("1", 10, 0)}},
			class: ClassPending, filled: 0, remaining: 10,
		},
		{
			name:  "cancel flag without fills stays pending",
			order: pendingOrder("1", 10),
			view:  BrokerView{Fills: []kis.Fill{cancelledRow}},
			class: ClassPending, filled: 0, remaining: 10,
		},
		{
			name:  "cancel flag after partial fill stays partial",
			order: pendingOrder("1", 10),
			view:  BrokerView{Fills: []kis.Fill{partialCancelled}},
			class: ClassPartial, filled: 4, remaining: 6,
		},
		{
			name:  "partial fill rows",
			order: pendingOrder("1", 10),
			view:  BrokerView{Fills: []kis.Fill{fillRow("1", 10, 6)}},
			class: ClassPartial, filled: 6, remaining: 4,
		},
		{
			name:  "complete fills with cancel flag are suppressed",
			order: pendingOrder("1", 10),
			view:  BrokerView{Fills: []kis.Fill{completeCancelled}},
			class: ClassPending, filled: 10, suppressed: true,
		},
		{
			name:  "broker quantity differs from local",
			order: pendingOrder("1", 10),
			view:  BrokerView{Fills: []kis.Fill{fillRow("1", 12, 12)}},
			class: ClassPending, filled: 12, suppressed: true,
		},
		{
			name: "over-fill keeps previous state",
			order: func() Order {
				o := pendingOrder("1", 10)
				o.Status = StatusPartial
				return o
			}(),
			view:  BrokerView{Fills: []kis.Fill{fillRow("1", 10, 8), fillRow("1", 10, 8)}},
			class: ClassPartial, filled: 16, suppressed: true,
		},
		{
			name:  "absent from both sources is unknown",
			order: pendingOrder("1", 10),
			view:  BrokerView{},
			class: ClassUnknown, filled: 0, remaining: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Reconcile(tt.order, tt.view, reconcileNow, 5*time.Minute)
			assert.Equal(t, tt.class, out.Class, out.Reason)
			assert.Equal(t, tt.filled, out.Filled)
			assert.Equal(t, tt.suppressed, out.Suppressed)
			if !tt.suppressed {
				assert.Equal(t, tt.remaining, out.Remaining)
			}
		})
	}
}

// TestReconcile_UnknownBecomesTimeout tests the five minute ambiguity rule
func TestReconcile_UnknownBecomesTimeout(t *testing.T) {
	o := pendingOrder("1", 10)
	o.CreatedAt = reconcileNow.Add(-6 * time.Minute)

	out := Reconcile(o, BrokerView{}, reconcileNow, 5*time.Minute)
	assert.Equal(t, ClassTimeout, out.Class)
	assert.Contains(t, out.Reason, "absent from open orders and fills")

	o.CreatedAt = reconcileNow.Add(-5 * time.Minute)
	out = Reconcile(o, BrokerView{}, reconcileNow, 5*time.Minute)
	assert.Equal(t, ClassUnknown, out.Class, "exactly at the limit is still unknown")
}

func TestViewFor(t *testing.T) {
	open := []kis.OpenOrder{openRow("1", 10), openRow("2", 5)}
	fills := []kis.Fill{fillRow("2", 5, 1), fillRow("3", 7, 7), fillRow("2", 5, 2)}

	v := ViewFor("2", open, fills)
	require.NotNil(t, v.Open)
	assert.Equal(t, "2", v.Open.OrderNo)
	assert.Len(t, v.Fills, 2)

	v = ViewFor("9", open, fills)
	assert.Nil(t, v.Open)
	assert.Empty(t, v.Fills)
}

// TestReconcile_Properties checks idempotence and that FILLED is only ever
// reported on complete, consistent, uncancelled data.
func TestReconcile_Properties(t *testing.T) {
	openQtys := []int64{-1, 0, 10, 12}
	fillSets := [][]int64{nil, {0}, {4}, {10}, {4, 6}, {12}, {8, 8}}
	echoes := []int64{10, 12}
	ages := []time.Duration{time.Minute, 6 * time.Minute}
	previous := []Status{StatusPending, StatusPartial}

	for _, openQty := range openQtys {
		for _, set := range fillSets {
			for _, echo := range echoes {
				for _, cancelled := range []bool{false, true} {
					for _, age := range ages {
						for _, prev := range previous {
							o := pendingOrder("1", 10)
							o.Status = prev
							o.CreatedAt = reconcileNow.Add(-age)

							var v BrokerView
							if openQty >= 0 {
								row := openRow("1", openQty)
								v.Open = &row
							}
							var sum int64
							for _, q := range set {
								f := fillRow("1", echo, q)
								f.Cancelled = cancelled
								v.Fills = append(v.Fills, f)
								sum += q
							}

							name := fmt.Sprintf("open=%d fills=%v echo=%d cancelled=%t age=%s prev=%s", openQty, set, echo, cancelled, age, prev)
							first := Reconcile(o, v, reconcileNow, 5*time.Minute)
							second := Reconcile(o, v, reconcileNow, 5*time.Minute)
							require.Equal(t, first, second, name)

							assert.Equal(t, sum, first.Filled, "filled only comes from fill rows: %s", name)

							if first.Class == ClassFilled {
								assert.False(t, first.Suppressed, name)
								assert.Equal(t, o.Quantity, first.Filled, name)
								assert.Equal(t, o.Quantity, first.EchoQty, name)
								assert.False(t, first.Cancelled, name)
								assert.Zero(t, first.Remaining, name)
							}
							if v.Open != nil || len(v.Fills) > 0 {
								assert.NotEqual(t, ClassTimeout, first.Class, "only absent orders time out here: %s", name)
							}
							assert.NotEqual(t, ClassCancelled, first.Class, "cancel flags never terminate an order: %s", name)
						}
					}
				}
			}
		}
	}
}
