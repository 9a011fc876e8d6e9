package orders

import (
	"time"

	"github.com/ajitpratap0/brokercore/internal/kis"
)

// Demotion is a sweeper finding: a FILLED order the broker now shows as unfilled
type Demotion struct {
	Order    Order
	Outcome  Outcome
	Deadline time.Time
}

// Sweeper re-checks recent FILLED buys against fresh broker data
type Sweeper struct {
	store          *Store
	window         int
	maxAge         time.Duration
	budget         time.Duration
	floor          time.Duration
	unknownTimeout time.Duration
	now            func() time.Time
}

// NewSweeper creates a sweeper over store
func NewSweeper(store *Store, cfg Config, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:          store,
		window:         cfg.SweeperWindow,
		maxAge:         cfg.SweeperMaxAge,
		budget:         cfg.DemotionBudget,
		floor:          cfg.DemotionFloor,
		unknownTimeout: cfg.UnknownTimeout,
		now:            now,
	}
}

func filledBuy(o Order) bool {
	return o.Side == SideBuy && o.Status == StatusFilled
}

// Candidates returns the orders the next sweep will examine
func (s *Sweeper) Candidates() []Order {
	if s.window <= 0 {
		return nil
	}
	return s.store.RecentTerminal(filledBuy, s.window, s.maxAge, s.now())
}

// Sweep decides which candidates to demote. It does not change the store.
func (s *Sweeper) Sweep(open []kis.OpenOrder, fills []kis.Fill) []Demotion {
	now := s.now()

	var out []Demotion
	for _, o := range s.Candidates() {
		view := ViewFor(o.ID, open, fills)
		res := Reconcile(o, view, now, s.unknownTimeout)
		if !showsUnfilled(res) {
			continue
		}
		out = append(out, Demotion{Order: o, Outcome: res, Deadline: now.Add(s.demotionBudget(o, now))})
	}
	return out
}

// showsUnfilled reports whether the broker positively lists the order as
// resting or short of its quantity. Absence from both listings proves
// nothing, and a lagging open row with complete fills still reconciles to
// FILLED.
func showsUnfilled(res Outcome) bool {
	if res.Suppressed || res.Cancelled {
		return false
	}
	return res.Class == ClassPending || res.Class == ClassPartial
}

// demotionBudget gives a demoted order what is left of its original budget,
// never less than the floor.
func (s *Sweeper) demotionBudget(o Order, now time.Time) time.Duration {
	remaining := s.budget - now.Sub(o.CreatedAt)
	if remaining < s.floor {
		return s.floor
	}
	return remaining
}
