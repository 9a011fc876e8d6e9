package orders

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/brokercore/internal/config"
)

// Calendar knows the regular trading session and the decision-bar grid
type Calendar struct {
	loc   *time.Location
	open  time.Duration // offset from midnight
	close time.Duration
	bar   time.Duration
}

// NewCalendar builds a calendar from market hours and the bar width in minutes
func NewCalendar(market config.MarketConfig, barMinutes int) (*Calendar, error) {
	open, err := parseClock(market.Open)
	if err != nil {
		return nil, fmt.Errorf("invalid market open: %w", err)
	}
	closeAt, err := parseClock(market.Close)
	if err != nil {
		return nil, fmt.Errorf("invalid market close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("market close %s must be after open %s", market.Close, market.Open)
	}
	if barMinutes <= 0 {
		return nil, fmt.Errorf("bar minutes must be positive, got %d", barMinutes)
	}

	return &Calendar{
		loc:   market.Location(),
		open:  open,
		close: closeAt,
		bar:   time.Duration(barMinutes) * time.Minute,
	}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location returns the market time zone
func (c *Calendar) Location() *time.Location { return c.loc }

// Bar returns the decision-bar width
func (c *Calendar) Bar() time.Duration { return c.bar }

func (c *Calendar) midnight(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// OpenAt returns the session open on t's trading day
func (c *Calendar) OpenAt(t time.Time) time.Time { return c.midnight(t).Add(c.open) }

// CloseAt returns the session close on t's trading day
func (c *Calendar) CloseAt(t time.Time) time.Time { return c.midnight(t).Add(c.close) }

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are not modelled.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsOpen reports whether t is inside the regular session
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	return !t.Before(c.OpenAt(t)) && t.Before(c.CloseAt(t))
}

// BeforeOpen reports whether t is earlier than the session open on its day
func (c *Calendar) BeforeOpen(t time.Time) bool {
	return t.Before(c.OpenAt(t))
}

// DecisionBar rounds t up to the next bar boundary counted from the open,
// clamped to the close. Times before the open map to the first boundary.
func (c *Calendar) DecisionBar(t time.Time) time.Time {
	open := c.OpenAt(t)
	closeAt := c.CloseAt(t)

	elapsed := t.Sub(open)
	if elapsed < 0 {
		elapsed = 0
	}
	bars := int64(elapsed/c.bar) + 1
	bar := open.Add(time.Duration(bars) * c.bar)
	if bar.After(closeAt) {
		return closeAt
	}
	return bar
}

// BarsElapsed counts whole bars of real time since the decision bar. It is
// not clamped to the close, so an order placed near the close still ages out.
func (c *Calendar) BarsElapsed(decisionBar, now time.Time) int {
	if decisionBar.IsZero() || now.Before(decisionBar) {
		return 0
	}
	return int(now.Sub(decisionBar) / c.bar)
}
