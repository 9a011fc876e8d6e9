package orders

import (
	"time"

	"github.com/ajitpratap0/brokercore/internal/kis"
)

// BrokerView is what the two broker listings say about one order
type BrokerView struct {
	Open  *kis.OpenOrder
	Fills []kis.Fill
}

// ViewFor extracts one order's rows from full listings
func ViewFor(orderID string, open []kis.OpenOrder, fills []kis.Fill) BrokerView {
	var v BrokerView
	for i := range open {
		if open[i].OrderNo == orderID {
			o := open[i]
			v.Open = &o
			break
		}
	}
	for _, f := range fills {
		if f.OrderNo == orderID {
			v.Fills = append(v.Fills, f)
		}
	}
	return v
}

// Outcome is the reconciled state of one order
type Outcome struct {
	Class     Classification
	Filled    int64
	Remaining int64
	EchoQty   int64
	Cancelled bool
	// Suppressed is set when the data looked like a fill but failed the
	// FILLED guard; Class then carries the order's previous state.
	Suppressed bool
	Reason     string
}

// Reconcile derives an order's status from the open-orders and fill-history
// rows. It is pure: the same inputs always give the same outcome.
//
// Filled quantity only ever comes from fill rows. FILLED additionally needs
// the fill sum to equal the broker's echoed quantity, the echo to equal the
// local quantity, and no cancel flag; anything short of that keeps the
// previous state for the next poll.
func Reconcile(o Order, v BrokerView, now time.Time, unknownTimeout time.Duration) Outcome {
	var filled, echo int64
	cancelled := false
	for _, f := range v.Fills {
		filled += f.FilledQty
		if f.OrderQty > echo {
			echo = f.OrderQty
		}
		if f.Cancelled {
			cancelled = true
		}
	}

	out := Outcome{Filled: filled, Cancelled: cancelled}

	switch {
	case v.Open != nil:
		if v.Open.OrderQty > 0 {
			echo = v.Open.OrderQty
		}
		out.EchoQty = echo
		out.Remaining = o.Quantity - filled

		if filled > 0 && filled == echo {
			// Listing lag: the fill history already shows the whole quantity
			return guardFilled(o, out, "fills complete while still listed open")
		}
		if filled > 0 {
			out.Class = ClassPartial
			out.Reason = "listed open with partial fills"
			return out
		}
		out.Class = ClassPending
		out.Reason = "listed open, no fills"
		return out

	case len(v.Fills) > 0:
		out.EchoQty = echo
		out.Remaining = o.Quantity - filled

		// A cancel flag never terminates here; the deadline path owns that
		switch {
		case filled == 0:
			out.Class = ClassPending
			out.Reason = "fill rows sum to zero"
		case filled == echo:
			return guardFilled(o, out, "fill rows sum to order quantity")
		case filled < echo:
			out.Class = ClassPartial
			out.Reason = "fill rows below order quantity"
		default:
			out.Class = previous(o)
			out.Suppressed = true
			out.Reason = "fill rows exceed order quantity"
		}
		return out

	default:
		out.Remaining = o.Quantity
		if now.Sub(o.CreatedAt) > unknownTimeout {
			out.Class = ClassTimeout
			out.Reason = (&AmbiguousStatusError{OrderID: o.ID, Since: now.Sub(o.CreatedAt)}).Error()
			return out
		}
		out.Class = ClassUnknown
		out.Reason = "absent from open orders and fills"
		return out
	}
}

func guardFilled(o Order, out Outcome, reason string) Outcome {
	switch {
	case out.Cancelled:
		out.Reason = reason + "; suppressed, cancel flag set"
	case out.EchoQty != o.Quantity:
		out.Reason = reason + "; suppressed, broker quantity differs from local"
	default:
		out.Class = ClassFilled
		out.Remaining = 0
		out.Reason = reason
		return out
	}
	out.Class = previous(o)
	out.Suppressed = true
	return out
}

func previous(o Order) Classification {
	if o.Status == "" {
		return ClassPending
	}
	return Classification(o.Status)
}
