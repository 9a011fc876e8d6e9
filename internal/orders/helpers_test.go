package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/kis"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeBroker serves scripted listings and records submissions and cancels
type fakeBroker struct {
	mu        sync.Mutex
	seq       int
	open      []kis.OpenOrder
	fills     []kis.Fill
	placed    []kis.PlaceRequest
	cancelled []kis.CancelRequest
	placeErr  error
	cancelErr error
	listErr   error
	listCalls int

	// cancelPanic makes CancelOrder panic
	cancelPanic bool
}

func (b *fakeBroker) PlaceCashOrder(ctx context.Context, req kis.PlaceRequest) (*kis.PlaceResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	b.seq++
	b.placed = append(b.placed, req)
	return &kis.PlaceResult{OrderNo: fmt.Sprintf("%010d", b.seq), RoutingCode: "91252"}, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, req kis.CancelRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelPanic {
		panic("broker exploded")
	}
	if b.cancelErr != nil {
		return b.cancelErr
	}
	b.cancelled = append(b.cancelled, req)
	kept := b.open[:0]
	for _, o := range b.open {
		if o.OrderNo != req.OrderNo {
			kept = append(kept, o)
		}
	}
	b.open = kept
	return nil
}

func (b *fakeBroker) OpenOrders(ctx context.Context) ([]kis.OpenOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]kis.OpenOrder(nil), b.open...), nil
}

func (b *fakeBroker) DailyFills(ctx context.Context, day time.Time) ([]kis.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]kis.Fill(nil), b.fills...), nil
}

func (b *fakeBroker) setOpen(rows ...kis.OpenOrder) {
	b.mu.Lock()
	b.open = rows
	b.mu.Unlock()
}

func (b *fakeBroker) setFills(rows ...kis.Fill) {
	b.mu.Lock()
	b.fills = rows
	b.mu.Unlock()
}

func (b *fakeBroker) setListErr(err error) {
	b.mu.Lock()
	b.listErr = err
	b.mu.Unlock()
}

func (b *fakeBroker) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cancelled)
}

type recordingJournal struct {
	mu          sync.Mutex
	upserts     []OrderSnapshot
	transitions []Transition
	err         error
}

func (j *recordingJournal) UpsertOrder(ctx context.Context, o OrderSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.upserts = append(j.upserts, o)
	return j.err
}

func (j *recordingJournal) RecordTransition(ctx context.Context, t Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, t)
	return j.err
}

func (p *recordingPublisher) alertCategories() []AlertCategory {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []AlertCategory
	for _, a := range p.alerts {
		out = append(out, a.Category)
	}
	return out
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []Transition
	alerts      []Alert
}

func (p *recordingPublisher) PublishTransition(ctx context.Context, t Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, t)
	return nil
}

func (p *recordingPublisher) PublishAlert(ctx context.Context, a Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func testCalendar(t *testing.T) *Calendar {
	t.Helper()
	cal, err := NewCalendar(config.MarketConfig{Timezone: "Asia/Seoul", Open: "09:00", Close: "15:30"}, 3)
	require.NoError(t, err)
	return cal
}

// monday returns a time on a regular trading Monday in the market zone
func monday(cal *Calendar, hour, minute, second int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, second, 0, cal.Location())
}

type harness struct {
	ctrl      *Controller
	broker    *fakeBroker
	clock     *fakeClock
	cal       *Calendar
	journal   *recordingJournal
	publisher *recordingPublisher
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cal := testCalendar(t)
	clock := &fakeClock{t: monday(cal, 10, 0, 30)}
	broker := &fakeBroker{}
	journal := &recordingJournal{}
	publisher := &recordingPublisher{}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	ctrl := NewController(broker, cal, cfg,
		WithClock(clock.Now),
		WithJournal(journal),
		WithPublisher(publisher),
		WithAlerts(NewAlertManager(publisher)),
	)
	return &harness{ctrl: ctrl, broker: broker, clock: clock, cal: cal, journal: journal, publisher: publisher}
}

func (h *harness) buy(t *testing.T, qty int64, price int64) string {
	t.Helper()
	res := h.ctrl.PlaceBuy(context.Background(), "005930", qty, decimal.NewFromInt(price))
	require.True(t, res.Success, res.Message)
	return res.OrderID
}

func openRow(id string, qty int64) kis.OpenOrder {
	return kis.OpenOrder{OrderNo: id, Symbol: "005930", Side: kis.SideBuy, OrderQty: qty, CancelableQty: qty, RoutingCode: "91252", RoutingField: "krx_fwdg_ord_orgno"}
}

func fillRow(id string, orderQty, filled int64) kis.Fill {
	return kis.Fill{OrderNo: id, Symbol: "005930", Side: kis.SideBuy, OrderQty: orderQty, FilledQty: filled, RemainingQty: orderQty - filled}
}
