package orders

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/gateway"
	"github.com/ajitpratap0/brokercore/internal/kis"
	"github.com/ajitpratap0/brokercore/internal/metrics"
)

// Broker is the subset of broker operations the controller needs.
// Both the live KIS client and the paper broker satisfy it.
type Broker interface {
	PlaceCashOrder(ctx context.Context, req kis.PlaceRequest) (*kis.PlaceResult, error)
	CancelOrder(ctx context.Context, req kis.CancelRequest) error
	OpenOrders(ctx context.Context) ([]kis.OpenOrder, error)
	DailyFills(ctx context.Context, day time.Time) ([]kis.Fill, error)
}

// Journal records orders and their transitions durably
type Journal interface {
	UpsertOrder(ctx context.Context, o OrderSnapshot) error
	RecordTransition(ctx context.Context, t Transition) error
}

// Publisher streams transitions to other processes
type Publisher interface {
	PublishTransition(ctx context.Context, t Transition) error
}

// StatsSource exposes gateway counters
type StatsSource interface {
	Stats() gateway.Stats
}

// Config holds controller timing and policy
type Config struct {
	BuyTimeout      time.Duration
	SellTimeout     time.Duration
	BarTimeoutCount int
	MonitorInterval time.Duration
	ClosedInterval  time.Duration
	ErrorBackoff    time.Duration
	UnknownTimeout  time.Duration
	SweeperWindow   int
	SweeperMaxAge   time.Duration
	DemotionBudget  time.Duration
	DemotionFloor   time.Duration
	MaxAdjustments  int
	Workers         int
}

// ConfigFromSettings converts loaded configuration
func ConfigFromSettings(cfg config.OrdersConfig) Config {
	return Config{
		BuyTimeout:      cfg.BuyTimeout,
		SellTimeout:     cfg.SellTimeout,
		BarTimeoutCount: cfg.BarTimeoutCount,
		MonitorInterval: cfg.MonitorInterval,
		ClosedInterval:  cfg.ClosedInterval,
		ErrorBackoff:    cfg.ErrorBackoff,
		UnknownTimeout:  cfg.UnknownTimeout,
		SweeperWindow:   cfg.SweeperWindow,
		SweeperMaxAge:   cfg.SweeperMaxAge,
		DemotionBudget:  cfg.DemotionBudget,
		DemotionFloor:   cfg.DemotionFloor,
		MaxAdjustments:  cfg.MaxAdjustments,
		Workers:         cfg.Workers,
	}
}

// DefaultConfig returns the stock policy
func DefaultConfig() Config {
	return Config{
		BuyTimeout:      180 * time.Second,
		SellTimeout:     120 * time.Second,
		BarTimeoutCount: 4,
		MonitorInterval: 3 * time.Second,
		ClosedInterval:  60 * time.Second,
		ErrorBackoff:    10 * time.Second,
		UnknownTimeout:  5 * time.Minute,
		SweeperWindow:   10,
		SweeperMaxAge:   10 * time.Minute,
		DemotionBudget:  180 * time.Second,
		DemotionFloor:   30 * time.Second,
		Workers:         4,
	}
}

// Controller owns every order's lifecycle. All status changes go through it.
type Controller struct {
	broker    Broker
	store     *Store
	cal       *Calendar
	cfg       Config
	sweeper   *Sweeper
	alerts    *AlertManager
	journal   Journal
	publisher Publisher
	gwStats   StatsSource
	log       zerolog.Logger
	now       func() time.Time

	// mu serializes state transitions; broker I/O happens outside it
	mu sync.Mutex

	cycles         atomic.Int64
	forcedTimeouts atomic.Int64
	demotions      atomic.Int64

	idleLog  rate.Sometimes
	queryLog rate.Sometimes
}

// Option configures a Controller
type Option func(*Controller)

// WithJournal records orders and transitions
func WithJournal(j Journal) Option { return func(c *Controller) { c.journal = j } }

// WithPublisher streams transitions
func WithPublisher(p Publisher) Option { return func(c *Controller) { c.publisher = p } }

// WithAlerts replaces the default log-only alert manager
func WithAlerts(am *AlertManager) Option { return func(c *Controller) { c.alerts = am } }

// WithGatewayStats includes gateway counters in Stats
func WithGatewayStats(s StatsSource) Option { return func(c *Controller) { c.gwStats = s } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// NewController creates a controller over broker
func NewController(broker Broker, cal *Calendar, cfg Config, opts ...Option) *Controller {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BarTimeoutCount <= 0 {
		cfg.BarTimeoutCount = 4
	}

	c := &Controller{
		broker:   broker,
		store:    NewStore(),
		cal:      cal,
		cfg:      cfg,
		alerts:   NewAlertManager(nil),
		log:      config.NewLogger("order_controller"),
		now:      time.Now,
		idleLog:  rate.Sometimes{Interval: 10 * time.Minute},
		queryLog: rate.Sometimes{Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sweeper = NewSweeper(c.store, cfg, c.now)
	return c
}

// Store exposes the order store for read-only inspection
func (c *Controller) Store() *Store { return c.store }

// PlaceBuy submits a limit buy order
func (c *Controller) PlaceBuy(ctx context.Context, symbol string, qty int64, price decimal.Decimal) Result {
	return c.submit(ctx, kis.PlaceRequest{Symbol: symbol, Side: SideBuy, Quantity: qty, Price: price}, 0)
}

// PlaceSell submits a limit or market sell order
func (c *Controller) PlaceSell(ctx context.Context, symbol string, qty int64, price decimal.Decimal, market bool) Result {
	return c.submit(ctx, kis.PlaceRequest{Symbol: symbol, Side: SideSell, Quantity: qty, Price: price, Market: market}, 0)
}

func validate(req kis.PlaceRequest) error {
	if req.Symbol == "" {
		return &InputError{Field: "symbol", Reason: "required"}
	}
	if req.Quantity <= 0 {
		return &InputError{Field: "quantity", Reason: fmt.Sprintf("must be positive, got %d", req.Quantity)}
	}
	if !req.Market && req.Price.Sign() < 0 {
		return &InputError{Field: "price", Reason: fmt.Sprintf("must not be negative, got %s", req.Price)}
	}
	return nil
}

func (c *Controller) submit(ctx context.Context, req kis.PlaceRequest, adjustments int) Result {
	if err := validate(req); err != nil {
		return failure("", "place order", err)
	}

	res, err := c.broker.PlaceCashOrder(ctx, req)
	if err != nil {
		c.alerts.SendAlert(ctx, AlertOrderPlacementFailed(err, req.Symbol, req.Side, req.Quantity))
		return failure("", "place order", err)
	}

	now := c.now()
	timeout := c.cfg.SellTimeout
	if req.Side == SideBuy {
		timeout = c.cfg.BuyTimeout
	}

	o := &Order{
		ID:           res.OrderNo,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Price:        req.Price,
		Market:       req.Market,
		Quantity:     req.Quantity,
		RemainingQty: req.Quantity,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Deadline:     now.Add(timeout),
		Adjustments:  adjustments,
		RoutingCode:  res.RoutingCode,
		LastPrice:    req.Price,
		Reason:       "submitted",
	}
	if req.Side == SideBuy {
		o.DecisionBar = c.cal.DecisionBar(now)
	}

	c.mu.Lock()
	c.store.Add(o)
	snap := o.Snapshot()
	c.mu.Unlock()

	c.log.Info().
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Int64("quantity", o.Quantity).
		Str("price", o.Price.String()).
		Time("deadline", o.Deadline).
		Msg("Order submitted")

	c.emit(ctx, []event{{transition: transitionOf(snap, "", "submitted", now), snapshot: snap}})

	return Result{Success: true, OrderID: o.ID, Message: "order submitted"}
}

// Cancel cancels an active order at the broker and marks it CANCELLED
func (c *Controller) Cancel(ctx context.Context, id string) Result {
	o, ok := c.store.Get(id)
	if !ok || !c.store.IsActive(id) {
		return failure(id, "cancel", ErrOrderNotFound)
	}

	if err := c.cancelAtBroker(ctx, o, nil); err != nil {
		c.alerts.SendAlert(ctx, AlertOrderCancellationFailed(err, id))
		return failure(id, "cancel", err)
	}

	c.finish(ctx, id, StatusCancelled, "cancelled on request")
	return Result{Success: true, OrderID: id, Message: "order cancelled"}
}

// cancelAtBroker locates the routing code in the open-orders listing and
// cancels. open may be a listing fetched this cycle; nil fetches a fresh one.
func (c *Controller) cancelAtBroker(ctx context.Context, o Order, open []kis.OpenOrder) error {
	if c.cal.BeforeOpen(c.now()) {
		return ErrMarketNotOpen
	}

	if open == nil {
		var err error
		open, err = c.broker.OpenOrders(ctx)
		if err != nil {
			return err
		}
	}

	view := ViewFor(o.ID, open, nil)
	if view.Open == nil {
		return fmt.Errorf("%w: %s", ErrNotCancelable, o.ID)
	}
	if view.Open.RoutingCode == "" {
		return &RoutingFieldMissingError{OrderID: o.ID}
	}

	return c.broker.CancelOrder(ctx, kis.CancelRequest{OrderNo: o.ID, RoutingCode: view.Open.RoutingCode})
}

// finish moves an active order to a terminal status and emits the transition
func (c *Controller) finish(ctx context.Context, id string, status Status, reason string) {
	c.mu.Lock()
	ev, ok := c.completeLocked(id, status, reason)
	c.mu.Unlock()
	if ok {
		c.emit(ctx, []event{ev})
	}
}

func (c *Controller) completeLocked(id string, status Status, reason string) (event, bool) {
	before, ok := c.store.Get(id)
	if !ok {
		return event{}, false
	}
	now := c.now()
	after, ok := c.store.Complete(id, status, now, reason)
	if !ok {
		return event{}, false
	}
	snap := after.Snapshot()
	return event{transition: transitionOf(snap, before.Status, reason, now), snapshot: snap}, true
}

// GetStatus returns a snapshot of an active or completed order, or nil
func (c *Controller) GetStatus(id string) *OrderSnapshot {
	o, ok := c.store.Get(id)
	if !ok {
		return nil
	}
	snap := o.Snapshot()
	return &snap
}

// Refresh reconciles one active order against the broker right now
func (c *Controller) Refresh(ctx context.Context, id string) (*OrderSnapshot, error) {
	if !c.store.IsActive(id) {
		if snap := c.GetStatus(id); snap != nil {
			return snap, nil
		}
		return nil, ErrOrderNotFound
	}

	open, fills, err := c.fetchListings(ctx)
	if err != nil {
		return nil, err
	}

	o, ok := c.store.Get(id)
	if !ok {
		return nil, ErrOrderNotFound
	}
	out := Reconcile(o, ViewFor(id, open, fills), c.now(), c.cfg.UnknownTimeout)

	c.mu.Lock()
	events := c.applyLocked(ctx, o, out)
	c.mu.Unlock()
	c.emit(ctx, events)

	return c.GetStatus(id), nil
}

func (c *Controller) fetchListings(ctx context.Context) ([]kis.OpenOrder, []kis.Fill, error) {
	open, err := c.broker.OpenOrders(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open orders: %w", err)
	}
	fills, err := c.broker.DailyFills(ctx, c.now().In(c.cal.Location()))
	if err != nil {
		return nil, nil, fmt.Errorf("daily fills: %w", err)
	}
	if open == nil {
		open = []kis.OpenOrder{}
	}
	return open, fills, nil
}

// Adjust cancels a resting limit order that the market has moved away from
// and re-places the unfilled remainder nearer the current price.
func (c *Controller) Adjust(ctx context.Context, id string, current decimal.Decimal) Result {
	if c.cfg.MaxAdjustments <= 0 {
		return Result{OrderID: id, Message: "price adjustment disabled", Code: CodeDisabled}
	}

	o, ok := c.store.Get(id)
	if !ok || !c.store.IsActive(id) {
		return failure(id, "adjust", ErrOrderNotFound)
	}
	if o.Market {
		return Result{OrderID: id, Message: "market orders are not repriced", Code: CodeNoAdjustment}
	}
	if o.Adjustments >= c.cfg.MaxAdjustments {
		return Result{OrderID: id, Message: fmt.Sprintf("adjustment limit %d reached", c.cfg.MaxAdjustments), Code: CodeNoAdjustment}
	}

	newPrice, needed := repriceTarget(o.Side, o.Price, current)
	if !needed {
		return Result{OrderID: id, Message: "price within tolerance", Code: CodeNoAdjustment}
	}

	if err := c.cancelAtBroker(ctx, o, nil); err != nil {
		c.alerts.SendAlert(ctx, AlertOrderCancellationFailed(err, id))
		return failure(id, "adjust", err)
	}
	c.finish(ctx, id, StatusCancelled, fmt.Sprintf("repriced %s -> %s", o.Price, newPrice))

	remaining := o.Quantity - o.FilledQty
	if remaining <= 0 {
		return Result{Success: true, OrderID: id, Message: "order cancelled; nothing left to re-place"}
	}

	res := c.submit(ctx, kis.PlaceRequest{Symbol: o.Symbol, Side: o.Side, Quantity: remaining, Price: newPrice}, o.Adjustments+1)
	if res.Success {
		res.Message = fmt.Sprintf("repriced %s -> %s, replaced %s", o.Price, newPrice, id)
	}
	return res
}

var (
	buyTrigger  = decimal.RequireFromString("1.005")
	buyTarget   = decimal.RequireFromString("1.001")
	sellTrigger = decimal.RequireFromString("0.995")
	sellTarget  = decimal.RequireFromString("0.999")
)

// repriceTarget returns the new whole-won price when current has moved past
// the tolerance band around price, against the order's interest.
func repriceTarget(side Side, price, current decimal.Decimal) (decimal.Decimal, bool) {
	switch side {
	case SideBuy:
		if current.GreaterThan(price.Mul(buyTrigger)) {
			return current.Mul(buyTarget).Round(0), true
		}
	case SideSell:
		if current.LessThan(price.Mul(sellTrigger)) {
			return current.Mul(sellTarget).Round(0), true
		}
	}
	return price, false
}

// Stats aggregates order counts with the gateway's call statistics
type Stats struct {
	Gateway        *gateway.Stats `json:"gateway,omitempty"`
	ActiveOrders   int            `json:"active_orders"`
	TerminalOrders int            `json:"terminal_orders"`
	MonitorCycles  int64          `json:"monitor_cycles"`
	ForcedTimeouts int64          `json:"forced_timeouts"`
	Demotions      int64          `json:"sweeper_demotions"`
}

// Stats returns a snapshot of controller and gateway statistics
func (c *Controller) Stats() Stats {
	active, terminal := c.store.Counts()
	st := Stats{
		ActiveOrders:   active,
		TerminalOrders: terminal,
		MonitorCycles:  c.cycles.Load(),
		ForcedTimeouts: c.forcedTimeouts.Load(),
		Demotions:      c.demotions.Load(),
	}
	if c.gwStats != nil {
		gs := c.gwStats.Stats()
		st.Gateway = &gs
	}
	return st
}

// Summary lists pending orders and counts completed ones
func (c *Controller) Summary() Summary {
	active := c.store.Active()
	_, terminal := c.store.Counts()

	pending := make([]OrderSnapshot, 0, len(active))
	for i := range active {
		pending = append(pending, active[i].Snapshot())
	}
	return Summary{PendingCount: len(pending), CompletedCount: terminal, Pending: pending}
}

type event struct {
	transition Transition
	snapshot   OrderSnapshot
}

func transitionOf(s OrderSnapshot, from Status, reason string, at time.Time) Transition {
	return Transition{
		OrderID:   s.ID,
		Symbol:    s.Symbol,
		Side:      s.Side,
		From:      from,
		To:        s.Status,
		Quantity:  s.Quantity,
		FilledQty: s.FilledQty,
		Reason:    reason,
		At:        at,
	}
}

// emit records metrics and forwards transitions to the journal and publisher.
// Hook failures are logged; the transition itself already happened.
func (c *Controller) emit(ctx context.Context, events []event) {
	if len(events) == 0 {
		return
	}

	active, _ := c.store.Counts()
	metrics.SetPendingOrders(active)

	for _, ev := range events {
		t := ev.transition
		metrics.RecordOrderTransition(string(t.Side), string(t.To))

		c.log.Info().
			Str("order_id", t.OrderID).
			Str("symbol", t.Symbol).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Int64("filled", t.FilledQty).
			Int64("quantity", t.Quantity).
			Str("reason", t.Reason).
			Msg("Order transition")

		if c.journal != nil {
			if err := c.journal.UpsertOrder(ctx, ev.snapshot); err != nil {
				c.log.Error().Err(err).Str("order_id", t.OrderID).Msg("Failed to journal order")
			}
			if err := c.journal.RecordTransition(ctx, t); err != nil {
				c.log.Error().Err(err).Str("order_id", t.OrderID).Msg("Failed to journal transition")
			}
		}
		if c.publisher != nil {
			if err := c.publisher.PublishTransition(ctx, t); err != nil {
				c.log.Warn().Err(err).Str("order_id", t.OrderID).Msg("Failed to publish transition")
			}
		}
	}
}
