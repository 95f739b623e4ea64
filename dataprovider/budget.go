package dataprovider

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PolicyKind selects how an upstream's request budget regenerates.
type PolicyKind int

const (
	// PolicyWeightPerMinute grants a linearly regenerating weight allowance
	// per rolling minute (CoinMarketCap, Bitvavo).
	PolicyWeightPerMinute PolicyKind = iota
	// PolicyFixedInterval grants one request per fixed interval
	// (Binance, CoinGecko, everything else).
	PolicyFixedInterval
)

// Policy is the configured budget for one upstream.
type Policy struct {
	Kind            PolicyKind
	WeightPerMinute int
	Interval        time.Duration
	Cooldown        time.Duration // applied after a rate-limit signal
}

// DecisionKind tags an Acquire decision.
type DecisionKind int

const (
	Granted DecisionKind = iota
	WaitFor
	Cooldown
)

// Decision is the non-blocking answer to an Acquire call. The caller decides
// whether to wait out Wait or defer the work.
type Decision struct {
	Kind DecisionKind
	Wait time.Duration
}

// Outcome reports how an upstream call went, feeding cooldown bookkeeping.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeServerError
	OutcomeNetworkError
)

type upstreamBudget struct {
	policy        Policy
	limiter       *rate.Limiter // weight-per-minute upstreams only
	lastCall      time.Time
	cooldownUntil time.Time
}

// Budget is the single arbiter of when a request to any upstream may be
// issued. Adapters never self-throttle by sleeping outside of it.
type Budget struct {
	mu        sync.Mutex
	now       func() time.Time
	upstreams map[string]*upstreamBudget
}

// NewBudget creates an empty Budget using the wall clock.
func NewBudget() *Budget {
	return &Budget{now: time.Now, upstreams: make(map[string]*upstreamBudget)}
}

// NewBudgetWithClock creates a Budget with an injected time source.
func NewBudgetWithClock(now func() time.Time) *Budget {
	return &Budget{now: now, upstreams: make(map[string]*upstreamBudget)}
}

// Configure registers or replaces the policy for an upstream.
func (b *Budget) Configure(upstream string, p Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ub := &upstreamBudget{policy: p}
	if p.Kind == PolicyWeightPerMinute {
		perSec := rate.Limit(float64(p.WeightPerMinute) / 60.0)
		ub.limiter = rate.NewLimiter(perSec, p.WeightPerMinute)
	}
	b.upstreams[upstream] = ub
}

// Acquire asks for `weight` units against the upstream's budget. It never
// blocks: the answer is granted, a duration to wait, or a cooldown notice.
func (b *Budget) Acquire(upstream string, weight int) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	ub, ok := b.upstreams[upstream]
	if !ok {
		return Decision{Kind: Granted}
	}
	now := b.now()

	if now.Before(ub.cooldownUntil) {
		return Decision{Kind: Cooldown, Wait: ub.cooldownUntil.Sub(now)}
	}

	switch ub.policy.Kind {
	case PolicyWeightPerMinute:
		if weight <= 0 {
			weight = 1
		}
		res := ub.limiter.ReserveN(now, weight)
		if !res.OK() {
			// weight exceeds burst; the full window is the best wait hint
			return Decision{Kind: WaitFor, Wait: time.Minute}
		}
		delay := res.DelayFrom(now)
		if delay > 0 {
			res.CancelAt(now)
			return Decision{Kind: WaitFor, Wait: delay}
		}
		ub.lastCall = now
		return Decision{Kind: Granted}
	default: // PolicyFixedInterval
		wait := ub.lastCall.Add(ub.policy.Interval).Sub(now)
		if wait > 0 {
			return Decision{Kind: WaitFor, Wait: wait}
		}
		ub.lastCall = now
		return Decision{Kind: Granted}
	}
}

// Report feeds a call outcome back. A rate-limit outcome puts the upstream
// into cooldown and discards any residual tokens.
func (b *Budget) Report(upstream string, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ub, ok := b.upstreams[upstream]
	if !ok {
		return
	}
	if outcome != OutcomeRateLimited {
		return
	}
	now := b.now()
	cd := ub.policy.Cooldown
	if cd <= 0 {
		cd = 5 * time.Minute
	}
	ub.cooldownUntil = now.Add(cd)
	if ub.limiter != nil {
		// fresh limiter, fully drained; tokens regenerate from zero
		ub.limiter = rate.NewLimiter(ub.limiter.Limit(), ub.policy.WeightPerMinute)
		ub.limiter.ReserveN(now, ub.policy.WeightPerMinute)
	}
}

// ReportWeightRemaining syncs the local token estimate with a server-reported
// remaining weight (Bitvavo returns its own count per response).
func (b *Budget) ReportWeightRemaining(upstream string, remaining int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ub, ok := b.upstreams[upstream]
	if !ok || ub.limiter == nil {
		return
	}
	now := b.now()
	local := int(ub.limiter.TokensAt(now))
	if remaining < local {
		ub.limiter.ReserveN(now, local-remaining)
	}
}

// Remaining reports the current token count, when the budget is fully
// regenerated, and whether the upstream is quiesced in a cooldown.
func (b *Budget) Remaining(upstream string) (tokens float64, resetAt time.Time, inCooldown bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ub, ok := b.upstreams[upstream]
	if !ok {
		return 0, time.Time{}, false
	}
	now := b.now()
	if now.Before(ub.cooldownUntil) {
		return 0, ub.cooldownUntil, true
	}
	switch ub.policy.Kind {
	case PolicyWeightPerMinute:
		tokens = ub.limiter.TokensAt(now)
		if tokens < 0 {
			tokens = 0
		}
		deficit := float64(ub.policy.WeightPerMinute) - tokens
		refill := time.Duration(deficit / float64(ub.limiter.Limit()) * float64(time.Second))
		return tokens, now.Add(refill), false
	default:
		next := ub.lastCall.Add(ub.policy.Interval)
		if now.Before(next) {
			return 0, next, false
		}
		return 1, now, false
	}
}
