package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/brokercore/internal/kis"
	"github.com/ajitpratap0/brokercore/internal/metrics"
)

// Run drives the monitoring loop until ctx ends. Cycles run every
// MonitorInterval while the market is open and every ClosedInterval otherwise;
// a failed cycle waits ErrorBackoff.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info().
		Dur("interval", c.cfg.MonitorInterval).
		Dur("closed_interval", c.cfg.ClosedInterval).
		Int("workers", c.cfg.Workers).
		Msg("Order monitor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Order monitor stopped")
			return ctx.Err()
		case <-timer.C:
		}

		timer.Reset(c.runScheduled(ctx))
	}
}

// runScheduled runs one cycle if there is work and returns the wait before the next
func (c *Controller) runScheduled(ctx context.Context) time.Duration {
	now := c.now()
	open := c.cal.IsOpen(now)
	active, _ := c.store.Counts()

	if !open && active == 0 {
		c.idleLog.Do(func() {
			c.log.Debug().Msg("Market closed and no pending orders; monitor idle")
		})
		return c.cfg.ClosedInterval
	}

	if err := c.MonitorOnce(ctx); err != nil {
		if ctx.Err() == nil {
			c.log.Error().Err(err).Dur("backoff", c.cfg.ErrorBackoff).Msg("Monitor cycle failed")
		}
		return c.cfg.ErrorBackoff
	}

	if open {
		return c.cfg.MonitorInterval
	}
	return c.cfg.ClosedInterval
}

type reconciled struct {
	order   Order
	outcome Outcome
	ok      bool
}

type cancelAttempt struct {
	order  Order
	reason string
	err    error
}

// MonitorOnce runs one monitoring cycle: reconcile every active order,
// enforce both timeouts, then sweep recent completions. Deadlines are
// enforced even when the broker listings cannot be fetched.
func (c *Controller) MonitorOnce(ctx context.Context) error {
	start := time.Now()
	c.cycles.Add(1)
	defer func() {
		metrics.RecordMonitorCycle(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	active := c.store.Active()
	recent := c.sweeper.Candidates()
	if len(active) == 0 && len(recent) == 0 {
		return nil
	}

	open, fills, queryErr := c.fetchListings(ctx)
	if queryErr != nil {
		c.queryLog.Do(func() {
			c.alerts.SendAlert(ctx, AlertOrderQueryFailed(queryErr, len(active)))
		})
	}

	var events []event

	if queryErr == nil && len(active) > 0 {
		results := c.reconcileAll(ctx, active, open, fills)

		c.mu.Lock()
		for _, r := range results {
			if r.ok {
				events = append(events, c.applyLocked(ctx, r.order, r.outcome)...)
			}
		}
		c.mu.Unlock()
	}

	// Deadline checks use the post-reconciliation view of the store
	now := c.now()
	var expired []cancelAttempt
	for _, o := range c.store.Active() {
		if reason, ok := c.timedOut(o, now); ok {
			expired = append(expired, cancelAttempt{order: o, reason: reason})
		}
	}
	if len(expired) > 0 {
		c.cancelAll(ctx, expired, open)

		c.mu.Lock()
		for _, a := range expired {
			if ev, ok := c.resolveTimeoutLocked(ctx, a); ok {
				events = append(events, ev)
			}
		}
		c.mu.Unlock()
	}

	if queryErr == nil {
		events = append(events, c.applyDemotions(ctx, c.sweeper.Sweep(open, fills))...)
	}

	c.emit(ctx, events)
	return queryErr
}

// reconcileAll classifies each order on the worker pool; a panic while
// handling one order only skips that order.
func (c *Controller) reconcileAll(ctx context.Context, active []Order, open []kis.OpenOrder, fills []kis.Fill) []reconciled {
	results := make([]reconciled, len(active))
	now := c.now()

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)
	for i := range active {
		i := i
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.alerts.SendAlert(ctx, AlertMonitorPanic(active[i].ID, r))
				}
			}()
			o := active[i]
			results[i] = reconciled{
				order:   o,
				outcome: Reconcile(o, ViewFor(o.ID, open, fills), now, c.cfg.UnknownTimeout),
				ok:      true,
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// cancelAll issues broker cancels for expired orders on the worker pool
func (c *Controller) cancelAll(ctx context.Context, attempts []cancelAttempt, open []kis.OpenOrder) {
	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Workers)
	for i := range attempts {
		i := i
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.alerts.SendAlert(ctx, AlertMonitorPanic(attempts[i].order.ID, r))
					attempts[i].err = fmt.Errorf("panic during cancel: %v", r)
				}
			}()
			attempts[i].err = c.cancelAtBroker(ctx, attempts[i].order, open)
			return nil
		})
	}
	_ = g.Wait()
}

// timedOut reports whether o passed its wall-clock deadline or, for buys,
// its decision-bar budget.
func (c *Controller) timedOut(o Order, now time.Time) (string, bool) {
	if !o.Deadline.IsZero() && !now.Before(o.Deadline) {
		return fmt.Sprintf("wall-clock timeout after %s", now.Sub(o.CreatedAt).Round(time.Second)), true
	}
	if o.Side == SideBuy && !o.DecisionBar.IsZero() {
		if bars := c.cal.BarsElapsed(o.DecisionBar, now); bars >= c.cfg.BarTimeoutCount {
			return fmt.Sprintf("%d bars elapsed since decision bar", bars), true
		}
	}
	return "", false
}

// resolveTimeoutLocked completes an expired order: CANCELLED when the broker
// accepted the cancel, otherwise forced to TIMEOUT.
func (c *Controller) resolveTimeoutLocked(ctx context.Context, a cancelAttempt) (event, bool) {
	if !c.store.IsActive(a.order.ID) {
		return event{}, false
	}

	if a.err == nil {
		return c.completeLocked(a.order.ID, StatusCancelled, a.reason)
	}

	reason := fmt.Sprintf("%s; cancel failed: %v", a.reason, a.err)
	c.forcedTimeouts.Add(1)
	metrics.RecordForcedTimeout(forcedTimeoutLabel(a.err))
	c.alerts.SendAlert(ctx, AlertForcedTimeout(a.err, a.order, a.reason))
	return c.completeLocked(a.order.ID, StatusTimeout, reason)
}

func forcedTimeoutLabel(err error) string {
	var routing *RoutingFieldMissingError
	switch {
	case errors.Is(err, ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, ErrNotCancelable):
		return "not_cancelable"
	case errors.As(err, &routing):
		return "routing_field_missing"
	default:
		return metrics.NormalizeGatewayError(err)
	}
}

// applyLocked applies a reconciliation outcome to an active order
func (c *Controller) applyLocked(ctx context.Context, o Order, out Outcome) []event {
	if !c.store.IsActive(o.ID) {
		return nil
	}

	if out.Suppressed {
		c.log.Warn().
			Str("order_id", o.ID).
			Int64("filled", out.Filled).
			Int64("broker_qty", out.EchoQty).
			Int64("local_qty", o.Quantity).
			Bool("cancelled", out.Cancelled).
			Str("reason", out.Reason).
			Msg("Fill classification suppressed; keeping previous state")
		return nil
	}

	now := c.now()
	switch out.Class {
	case ClassUnknown:
		return nil

	case ClassFilled, ClassCancelled, ClassTimeout:
		status, _ := out.Class.Status()
		c.store.Update(o.ID, func(ord *Order) {
			ord.FilledQty = out.Filled
			ord.RemainingQty = out.Remaining
			if out.Class == ClassFilled {
				ord.RemainingQty = 0
			}
			if out.EchoQty > 0 {
				ord.EchoQty = out.EchoQty
			}
		})
		if out.Class == ClassTimeout {
			c.alerts.SendAlert(ctx, AlertAmbiguousTimeout(o, now.Sub(o.CreatedAt)))
		}
		if ev, ok := c.completeLocked(o.ID, status, out.Reason); ok {
			return []event{ev}
		}
		return nil

	default:
		status, _ := out.Class.Status()
		changed := false
		var snap OrderSnapshot
		c.store.Update(o.ID, func(ord *Order) {
			changed = ord.Status != status || ord.FilledQty != out.Filled
			ord.Status = status
			ord.FilledQty = out.Filled
			ord.RemainingQty = out.Remaining
			if out.EchoQty > 0 {
				ord.EchoQty = out.EchoQty
			}
			if changed {
				ord.UpdatedAt = now
				ord.Reason = out.Reason
			}
			snap = ord.Snapshot()
		})
		if !changed {
			return nil
		}
		return []event{{transition: transitionOf(snap, o.Status, out.Reason, now), snapshot: snap}}
	}
}

// applyDemotions moves sweeper findings back into the active store
func (c *Controller) applyDemotions(ctx context.Context, demotions []Demotion) []event {
	if len(demotions) == 0 {
		return nil
	}

	var events []event
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, d := range demotions {
		before, ok := c.store.Terminal(d.Order.ID)
		if !ok || before.Status != StatusFilled {
			continue
		}
		reason := "sweeper: " + d.Outcome.Reason
		after, ok := c.store.Demote(d.Order.ID, d.Deadline, now, reason)
		if !ok {
			continue
		}
		c.store.Update(after.ID, func(ord *Order) {
			ord.FilledQty = d.Outcome.Filled
			ord.RemainingQty = d.Outcome.Remaining
			after = *ord
		})

		c.demotions.Add(1)
		metrics.RecordSweeperDemotion()
		c.alerts.SendAlert(ctx, AlertDemoted(after, d.Outcome))

		snap := after.Snapshot()
		events = append(events, event{transition: transitionOf(snap, before.Status, reason, now), snapshot: snap})
	}
	return events
}
