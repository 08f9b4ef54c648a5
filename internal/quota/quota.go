// Package quota implements the two-layer rate-limit guard and the
// finalization write path of the dual-track payment model. Layer 1 splits
// an estimated cost between the user's package windows and prepaid balance;
// layer 2 enforces the key's own rate and spend ceilings. Reads go through
// the shared counter store and fall through to the durable store on a miss;
// quota checks never fail open.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/counter"
	"github.com/eugener/switchyard/internal/pricing"
	"github.com/eugener/switchyard/internal/storage"
)

// DefaultEstimatedCostUSD is the conservative constant pre-estimate used at
// guard time. Real usage is only known after streaming completes, so the
// plan is recomputed at finalization.
const DefaultEstimatedCostUSD = 1.0

// defaultSlotTTL bounds how long a leaked concurrency slot survives a
// crashed replica.
const defaultSlotTTL = 10 * time.Minute

// Store is the slice of durable storage the guard reads.
type Store interface {
	SumPackageSpend(ctx context.Context, f storage.SpendFilter) (float64, error)
	GetUser(ctx context.Context, id string) (*relay.User, error)
	GetKey(ctx context.Context, id string) (*relay.APIKey, error)
}

// Ledger is the balance side of finalization.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount float64, note, messageRequestID string) (*relay.BalanceTransaction, error)
}

// Config carries the guard's tunables.
type Config struct {
	EstimatedCostUSD float64        // constant pre-estimate; <=0 means DefaultEstimatedCostUSD
	Timezone         *time.Location // anchors daily and natural weekly windows; nil means UTC
	SlotTTL          time.Duration  // concurrency slot safety TTL; <=0 means defaultSlotTTL
}

// Guard answers allow-or-deny for a principal and performs the counter and
// ledger writes at finalization.
type Guard struct {
	counters counter.Store
	store    Store
	ledger   Ledger
	cfg      Config
	now      func() time.Time
}

// New returns a Guard over the given counter store, durable store and
// ledger.
func New(counters counter.Store, store Store, ledger Ledger, cfg Config) *Guard {
	if cfg.EstimatedCostUSD <= 0 {
		cfg.EstimatedCostUSD = DefaultEstimatedCostUSD
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = defaultSlotTTL
	}
	return &Guard{counters: counters, store: store, ledger: ledger, cfg: cfg, now: time.Now}
}

// Grant is a successful guard decision. Release must be called when the
// session closes to return the concurrency slot; it is idempotent.
type Grant struct {
	Plan relay.PaymentPlan

	releaseOnce sync.Once
	release     func(context.Context)
}

// Release returns the concurrency slot acquired by the check, if any.
func (g *Grant) Release(ctx context.Context) {
	g.releaseOnce.Do(func() {
		if g.release != nil {
			g.release(ctx)
		}
	})
}

// limitWindow pairs a period name with its configured USD ceiling.
type limitWindow struct {
	period string
	limit  float64
}

func userWindows(u *relay.User) []limitWindow {
	var ws []limitWindow
	if u.Limit5hUSD > 0 {
		ws = append(ws, limitWindow{counter.Period5h, u.Limit5hUSD})
	}
	if u.LimitWeeklyUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodWeekly, u.LimitWeeklyUSD})
	}
	if u.LimitMonthlyUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodMonthly, u.LimitMonthlyUSD})
	}
	if u.LimitTotalUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodTotal, u.LimitTotalUSD})
	}
	return ws
}

func keyWindows(k *relay.APIKey) []limitWindow {
	var ws []limitWindow
	if k.Limit5hUSD > 0 {
		ws = append(ws, limitWindow{counter.Period5h, k.Limit5hUSD})
	}
	if k.DailyLimitUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodDaily, k.DailyLimitUSD})
	}
	if k.LimitWeeklyUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodWeekly, k.LimitWeeklyUSD})
	}
	if k.LimitMonthlyUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodMonthly, k.LimitMonthlyUSD})
	}
	return ws
}

// Check runs both guard layers in order and short-circuits on the first
// denial. Denials are *relay.RateLimitError; store outages surface as
// ErrStoreUnavailable.
func (g *Guard) Check(ctx context.Context, p *relay.Principal) (*Grant, error) {
	now := g.now()

	plan, err := g.planUser(ctx, p.User, g.cfg.EstimatedCostUSD, now)
	if err != nil {
		return nil, err
	}

	release, err := g.checkKey(ctx, p, plan, now)
	if err != nil {
		return nil, err
	}

	return &Grant{Plan: plan, release: release}, nil
}

// planUser runs the layer-1 dual-track algebra for a given cost.
func (g *Guard) planUser(ctx context.Context, u *relay.User, cost float64, now time.Time) (relay.PaymentPlan, error) {
	headroom, err := g.packageHeadroom(ctx, u, now)
	if err != nil {
		return relay.PaymentPlan{}, err
	}

	var fromPackage, fromBalance float64
	if u.BalancePolicy == relay.BalancePreferBalance {
		fromBalance = math.Min(cost, u.BalanceUSD)
		fromPackage = cost - fromBalance
		if fromPackage > headroom {
			return relay.PaymentPlan{}, &relay.RateLimitError{
				Scope: "user", Reason: relay.ErrQuotaExceeded.Error(), Err: relay.ErrQuotaExceeded,
			}
		}
	} else {
		fromPackage = math.Min(headroom, cost)
		fromBalance = cost - fromPackage
		if fromBalance > u.BalanceUSD {
			return relay.PaymentPlan{}, &relay.RateLimitError{
				Scope: "user", Reason: relay.ErrQuotaExceeded.Error(), Err: relay.ErrQuotaExceeded,
			}
		}
	}

	fromPackage = pricing.Round6(fromPackage)
	fromBalance = pricing.Round6(fromBalance)
	return relay.PaymentPlan{
		FromPackageUSD: fromPackage,
		FromBalanceUSD: fromBalance,
		Source:         relay.SourceFor(fromPackage, fromBalance),
	}, nil
}

// packageHeadroom returns the minimum remaining package budget across the
// user's configured windows, floored at zero. A user with no configured
// windows has no package track at all and pays from balance.
func (g *Guard) packageHeadroom(ctx context.Context, u *relay.User, now time.Time) (float64, error) {
	windows := userWindows(u)
	if len(windows) == 0 {
		return 0, nil
	}
	minRemaining := math.Inf(1)
	for _, w := range windows {
		spend, err := g.userSpend(ctx, u, w.period, now)
		if err != nil {
			return 0, err
		}
		if r := w.limit - spend; r < minRemaining {
			minRemaining = r
		}
	}
	if minRemaining < 0 {
		return 0, nil
	}
	return minRemaining, nil
}

// userSpend reads a user window. Billing-cycle anchored weekly/monthly
// periods cannot be keyed by natural period names, so they always read the
// durable store.
func (g *Guard) userSpend(ctx context.Context, u *relay.User, period string, now time.Time) (float64, error) {
	if u.BillingCycleStart != nil && anchoredPeriod(period) {
		since := anchoredStart(*u.BillingCycleStart, now, anchoredSpan(period))
		sum, err := g.store.SumPackageSpend(ctx, storage.SpendFilter{UserID: u.ID, Since: since})
		if err != nil {
			return 0, fmt.Errorf("anchored %s spend: %w", period, err)
		}
		return sum, nil
	}
	return g.spend(ctx, counter.ScopeUser, u.ID, storage.SpendFilter{UserID: u.ID}, period, now)
}

// spend reads one scope/period window: counter fast path, durable fallback
// on miss or counter outage, write-back with the period TTL. The rolling 5h
// window writes back a single entry stamped now, which can only overstate
// spend near the window tail; quota reads must err toward denial.
func (g *Guard) spend(ctx context.Context, scope, id string, filter storage.SpendFilter, period string, now time.Time) (float64, error) {
	key := counter.SpendKey(scope, id, period)

	if period == counter.Period5h {
		sum, ok, cerr := g.counters.WindowSum(ctx, key, now, rollingWindow)
		if cerr == nil && ok {
			return sum, nil
		}
		filter.Since = now.Add(-rollingWindow)
		durable, err := g.store.SumPackageSpend(ctx, filter)
		if err != nil {
			return 0, fmt.Errorf("5h spend fallback %s: %w", key, err)
		}
		if cerr == nil && durable > 0 {
			g.counters.WindowAdd(ctx, key, durable, now, rollingWindow) //nolint:errcheck
		}
		return durable, nil
	}

	val, ok, cerr := g.counters.Get(ctx, key)
	if cerr == nil && ok {
		return val, nil
	}
	filter.Since = windowStart(period, now, g.cfg.Timezone)
	durable, err := g.store.SumPackageSpend(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("%s spend fallback %s: %w", period, key, err)
	}
	if cerr == nil {
		var ttl time.Duration
		if end := windowEnd(period, now, g.cfg.Timezone); !end.IsZero() {
			ttl = end.Sub(now)
		}
		g.counters.Set(ctx, key, durable, ttl) //nolint:errcheck
	}
	return durable, nil
}

// checkKey runs layer 2 against the presented key: RPM sliding window, the
// key's own spend windows, the owner aggregate for child keys, and the
// concurrent-session ceiling as one atomic check-and-add.
func (g *Guard) checkKey(ctx context.Context, p *relay.Principal, plan relay.PaymentPlan, now time.Time) (func(context.Context), error) {
	k := p.Key

	if k.RPM > 0 {
		res, err := g.counters.SlidingAllow(ctx, counter.RPMKey(counter.ScopeKey, k.ID), k.RPM, now, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("%w: rpm check: %w", relay.ErrStoreUnavailable, err)
		}
		if !res.Allowed {
			return nil, &relay.RateLimitError{Scope: "key", Reason: "requests per minute", Err: relay.ErrRateLimited}
		}
	}

	if err := g.checkKeyWindows(ctx, counter.ScopeKey, k.ID, storage.SpendFilter{KeyHash: k.KeyHash}, keyWindows(k), plan, now); err != nil {
		return nil, err
	}

	if k.Scope == relay.ScopeChild && k.OwnerKeyID != "" {
		owner, err := g.store.GetKey(ctx, k.OwnerKeyID)
		switch {
		case err == nil:
			aggID := k.OwnerAggregateID()
			filter := storage.SpendFilter{OwnerKeyID: aggID}
			if err := g.checkKeyWindows(ctx, counter.ScopeOwnerAgg, aggID, filter, keyWindows(owner), plan, now); err != nil {
				return nil, err
			}
		case errors.Is(err, relay.ErrNotFound):
			// Orphaned child key: nothing to aggregate against.
		default:
			return nil, fmt.Errorf("%w: owner key lookup: %w", relay.ErrStoreUnavailable, err)
		}
	}

	var release func(context.Context)
	if k.LimitConcurrentSessions > 0 {
		slotKey := counter.ConcurrencyKey(counter.ScopeKey, k.ID)
		ok, err := g.counters.AcquireSlot(ctx, slotKey, k.LimitConcurrentSessions, g.cfg.SlotTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: concurrency check: %w", relay.ErrStoreUnavailable, err)
		}
		if !ok {
			return nil, &relay.RateLimitError{Scope: "key", Reason: "concurrent sessions", Err: relay.ErrRateLimited}
		}
		release = func(ctx context.Context) {
			g.counters.ReleaseSlot(ctx, slotKey, g.cfg.SlotTTL) //nolint:errcheck
		}
	}

	return release, nil
}

// checkKeyWindows denies when any configured window cannot absorb the
// plan's package draw on top of the spend already recorded.
func (g *Guard) checkKeyWindows(ctx context.Context, scope, id string, filter storage.SpendFilter, windows []limitWindow, plan relay.PaymentPlan, now time.Time) error {
	for _, w := range windows {
		spend, err := g.spend(ctx, scope, id, filter, w.period, now)
		if err != nil {
			return err
		}
		if spend+plan.FromPackageUSD > w.limit+1e-9 {
			return &relay.RateLimitError{
				Scope:  "key",
				Reason: w.period + " spend limit reached",
				Err:    relay.ErrRateLimited,
			}
		}
	}
	return nil
}

// Finalization is the outcome of the write path: the plan recomputed at the
// actual cost and the ledger row when balance was drawn.
type Finalization struct {
	Plan        relay.PaymentPlan
	Transaction *relay.BalanceTransaction
}

// Finalize recomputes the payment plan at the actual cost, debits the
// ledger for the balance share, and increments the spend counters across
// {key, owner_key_aggregate, user} x {5h, weekly, monthly, daily, total} by
// the package share only. The spend has already happened, so the settle
// never denies: when balance or headroom moved since the check the
// remainder lands on the package track, where the next check sees it.
func (g *Guard) Finalize(ctx context.Context, p *relay.Principal, actualCost float64, messageRequestID string) (*Finalization, error) {
	if actualCost <= 0 {
		return &Finalization{Plan: relay.PaymentPlan{Source: relay.PaymentPackage}}, nil
	}
	now := g.now()

	user := p.User
	if fresh, err := g.store.GetUser(ctx, user.ID); err == nil {
		user = fresh
	}

	headroom, err := g.packageHeadroom(ctx, user, now)
	if err != nil {
		// Counter and durable store both unreachable: settle everything on
		// the package track rather than lose the ledger invariant.
		headroom = 0
	}

	plan := settlePlan(user.BalancePolicy, user.BalanceUSD, headroom, actualCost)

	var tx *relay.BalanceTransaction
	if plan.FromBalanceUSD > 0 {
		tx, err = g.debitClamped(ctx, user.ID, plan.FromBalanceUSD, messageRequestID)
		if err != nil {
			return nil, err
		}
		if tx == nil || -tx.Amount < plan.FromBalanceUSD {
			// Balance moved between read and debit; shift the shortfall.
			drawn := 0.0
			if tx != nil {
				drawn = -tx.Amount
			}
			plan.FromBalanceUSD = pricing.Round6(drawn)
			plan.FromPackageUSD = pricing.Round6(actualCost - drawn)
			plan.Source = relay.SourceFor(plan.FromPackageUSD, plan.FromBalanceUSD)
		}
	}

	if plan.FromPackageUSD > 0 {
		if err := g.recordSpend(ctx, p, plan.FromPackageUSD, now); err != nil {
			return &Finalization{Plan: plan, Transaction: tx}, err
		}
	}
	return &Finalization{Plan: plan, Transaction: tx}, nil
}

// settlePlan splits an actual cost without the option of denial.
func settlePlan(policy relay.BalancePolicy, balance, headroom, cost float64) relay.PaymentPlan {
	var fromBalance float64
	if policy == relay.BalancePreferBalance {
		fromBalance = math.Min(cost, balance)
	} else {
		fromPackage := math.Min(headroom, cost)
		fromBalance = math.Min(cost-fromPackage, balance)
	}
	fromBalance = pricing.Round6(math.Max(0, fromBalance))
	fromPackage := pricing.Round6(cost - fromBalance)
	return relay.PaymentPlan{
		FromPackageUSD: fromPackage,
		FromBalanceUSD: fromBalance,
		Source:         relay.SourceFor(fromPackage, fromBalance),
	}
}

// debitClamped debits amount, retrying once with the remaining balance when
// a concurrent debit drained it first. Returns nil when nothing could be
// drawn.
func (g *Guard) debitClamped(ctx context.Context, userID string, amount float64, messageRequestID string) (*relay.BalanceTransaction, error) {
	tx, err := g.ledger.Debit(ctx, userID, amount, "usage", messageRequestID)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, relay.ErrInsufficientFunds) {
		return nil, fmt.Errorf("debit %v: %w", amount, err)
	}
	fresh, ferr := g.store.GetUser(ctx, userID)
	if ferr != nil {
		return nil, fmt.Errorf("debit reread: %w", ferr)
	}
	clamped := pricing.Round6(math.Min(amount, fresh.BalanceUSD))
	if clamped <= 0 {
		return nil, nil
	}
	tx, err = g.ledger.Debit(ctx, userID, clamped, "usage", messageRequestID)
	if err != nil {
		if errors.Is(err, relay.ErrInsufficientFunds) {
			return nil, nil
		}
		return nil, fmt.Errorf("debit clamped %v: %w", clamped, err)
	}
	return tx, nil
}

// recordSpend increments all spend counters by the package share. Failures
// are joined so the caller can log every miss; the write is best-effort by
// contract.
func (g *Guard) recordSpend(ctx context.Context, p *relay.Principal, amount float64, now time.Time) error {
	targets := []struct{ scope, id string }{
		{counter.ScopeKey, p.Key.ID},
		{counter.ScopeOwnerAgg, p.Key.OwnerAggregateID()},
		{counter.ScopeUser, p.User.ID},
	}
	scalarPeriods := []string{counter.PeriodWeekly, counter.PeriodMonthly, counter.PeriodDaily, counter.PeriodTotal}

	var errs []error
	for _, t := range targets {
		if err := g.counters.WindowAdd(ctx, counter.SpendKey(t.scope, t.id, counter.Period5h), amount, now, rollingWindow); err != nil {
			errs = append(errs, fmt.Errorf("5h %s:%s: %w", t.scope, t.id, err))
		}
		for _, period := range scalarPeriods {
			key := counter.SpendKey(t.scope, t.id, period)
			if _, err := g.counters.IncrByFloat(ctx, key, amount, windowEnd(period, now, g.cfg.Timezone)); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", period, key, err))
			}
		}
	}
	return errors.Join(errs...)
}
