package kis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/brokercore/internal/gateway"
)

// PaperBehaviour selects how the paper broker treats new orders
type PaperBehaviour int

const (
	// PaperFillImmediately fills every order in full on submission
	PaperFillImmediately PaperBehaviour = iota
	// PaperRest leaves orders resting in the open-orders listing
	PaperRest
	// PaperPartial fills half of each order and leaves the rest resting
	PaperPartial
	// PaperReject refuses every order with a business rejection
	PaperReject
)

type paperOrder struct {
	req       PlaceRequest
	orderNo   string
	placedAt  time.Time
	filled    int64
	fillPrice decimal.Decimal
	cancelled bool
}

// PaperBroker simulates the broker for paper trading. It satisfies the same
// interface as Client so the order controller runs unchanged against it.
type PaperBroker struct {
	mu           sync.RWMutex
	orders       map[string]*paperOrder
	sequence     []string
	marketPrices map[string]decimal.Decimal
	behaviour    PaperBehaviour
	cancelErr    error
	slippage     decimal.Decimal
	now          func() time.Time
	routingCode  string
}

// NewPaperBroker creates a paper broker that fills orders immediately
func NewPaperBroker() *PaperBroker {
	log.Info().Msg("Paper broker initialized (paper trading mode)")
	return &PaperBroker{
		orders:       make(map[string]*paperOrder),
		marketPrices: make(map[string]decimal.Decimal),
		slippage:     decimal.NewFromFloat(0.0005),
		now:          time.Now,
		routingCode:  "00950",
	}
}

// SetBehaviour changes how subsequent orders are handled
func (p *PaperBroker) SetBehaviour(b PaperBehaviour) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.behaviour = b
}

// SetCancelError makes CancelOrder fail with err; nil restores normal cancels
func (p *PaperBroker) SetCancelError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelErr = err
}

// SetClock replaces the time source stamped on new orders
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetMarketPrice sets the reference price used for market order fills
func (p *PaperBroker) SetMarketPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketPrices[symbol] = price
}

// Fill executes qty more of a resting order, as if the market traded through it
func (p *PaperBroker) Fill(orderNo string, qty int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderNo]
	if !ok {
		return fmt.Errorf("order not found: %s", orderNo)
	}
	if o.cancelled {
		return fmt.Errorf("order %s is cancelled", orderNo)
	}
	if o.filled+qty > o.req.Quantity {
		qty = o.req.Quantity - o.filled
	}
	o.filled += qty
	if o.fillPrice.IsZero() {
		o.fillPrice = p.fillPriceLocked(o.req)
	}
	return nil
}

// PlaceCashOrder accepts an order according to the current behaviour
func (p *PaperBroker) PlaceCashOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := validatePaperOrder(req); err != nil {
		return nil, &gateway.BusinessRejectionError{TrID: "PAPER", Code: "PAPER_INVALID", Message: err.Error()}
	}
	if p.behaviour == PaperReject {
		return nil, &gateway.BusinessRejectionError{TrID: "PAPER", Code: "PAPER_REJECT", Message: "order rejected by paper broker"}
	}

	now := p.now()
	orderNo := fmt.Sprintf("VT-%s-%s-%d", req.Side, req.Symbol, now.Unix())
	// Same second, same symbol and side: keep ids unique
	for i := 1; p.orders[orderNo] != nil; i++ {
		orderNo = fmt.Sprintf("VT-%s-%s-%d-%d", req.Side, req.Symbol, now.Unix(), i)
	}

	o := &paperOrder{req: req, orderNo: orderNo, placedAt: now}
	switch p.behaviour {
	case PaperFillImmediately:
		o.filled = req.Quantity
		o.fillPrice = p.fillPriceLocked(req)
	case PaperPartial:
		o.filled = req.Quantity / 2
		o.fillPrice = p.fillPriceLocked(req)
	}
	p.orders[orderNo] = o
	p.sequence = append(p.sequence, orderNo)

	log.Info().
		Str("order_no", orderNo).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Int64("filled", o.filled).
		Msg("Paper order placed")

	return &PlaceResult{OrderNo: orderNo, RoutingCode: p.routingCode, OrderTime: now.Format("150405")}, nil
}

// CancelOrder cancels the unfilled remainder of a resting order
func (p *PaperBroker) CancelOrder(ctx context.Context, req CancelRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelErr != nil {
		return p.cancelErr
	}

	o, ok := p.orders[req.OrderNo]
	if !ok {
		return &gateway.BusinessRejectionError{TrID: "PAPER", Code: "PAPER_NOT_FOUND", Message: "order not found"}
	}
	if o.cancelled || o.filled >= o.req.Quantity {
		return &gateway.BusinessRejectionError{TrID: "PAPER", Code: "PAPER_NOT_CANCELABLE", Message: "order is not cancelable"}
	}

	o.cancelled = true
	log.Info().Str("order_no", req.OrderNo).Msg("Paper order cancelled")
	return nil
}

// OpenOrders lists unfilled, uncancelled orders
func (p *PaperBroker) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []OpenOrder
	for _, no := range p.sequence {
		o := p.orders[no]
		if o.cancelled || o.filled >= o.req.Quantity {
			continue
		}
		out = append(out, OpenOrder{
			OrderNo:       o.orderNo,
			Symbol:        o.req.Symbol,
			Side:          o.req.Side,
			OrderQty:      o.req.Quantity,
			FilledQty:     o.filled,
			CancelableQty: o.req.Quantity - o.filled,
			Price:         o.req.Price,
			RoutingCode:   p.routingCode,
			RoutingField:  "krx_fwdg_ord_orgno",
		})
	}
	return out, nil
}

// DailyFills lists orders placed on day that have any execution or were cancelled
func (p *PaperBroker) DailyFills(ctx context.Context, day time.Time) ([]Fill, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	y, m, d := day.Date()
	var out []Fill
	for _, no := range p.sequence {
		o := p.orders[no]
		py, pm, pd := o.placedAt.In(day.Location()).Date()
		if py != y || pm != m || pd != d {
			continue
		}
		if o.filled == 0 && !o.cancelled {
			continue
		}
		out = append(out, Fill{
			OrderNo:      o.orderNo,
			Symbol:       o.req.Symbol,
			Side:         o.req.Side,
			OrderQty:     o.req.Quantity,
			FilledQty:    o.filled,
			RemainingQty: o.req.Quantity - o.filled,
			AvgPrice:     o.fillPrice,
			Cancelled:    o.cancelled,
			OrderDate:    o.placedAt.Format("20060102"),
			OrderTime:    o.placedAt.Format("150405"),
		})
	}
	return out, nil
}

// fillPriceLocked applies slippage to market orders; limit orders fill at their price
func (p *PaperBroker) fillPriceLocked(req PlaceRequest) decimal.Decimal {
	if !req.Market {
		return req.Price
	}
	mid, ok := p.marketPrices[req.Symbol]
	if !ok {
		mid = req.Price
	}
	if req.Side == SideBuy {
		return mid.Mul(decimal.NewFromInt(1).Add(p.slippage)).Round(0)
	}
	return mid.Mul(decimal.NewFromInt(1).Sub(p.slippage)).Round(0)
}

func validatePaperOrder(req PlaceRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return fmt.Errorf("invalid order side: %s", req.Side)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if !req.Market && req.Price.Sign() <= 0 {
		return fmt.Errorf("limit orders must have a positive price")
	}
	return nil
}
