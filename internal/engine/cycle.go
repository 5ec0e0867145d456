// Package engine schedules per-pair order cycles across exchanges and owns
// the buy→wait→drain→settle state machine.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/skim/internal/domain"
	"github.com/vadiminshakov/skim/internal/exchange"
	"github.com/vadiminshakov/skim/pkg/retrier"
	"go.uber.org/zap"
)

// Phase of an order cycle.
type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhasePlacingLimit    Phase = "PLACING_LIMIT"
	PhaseWaitingFill     Phase = "WAITING_FILL"
	PhaseCancelRequested Phase = "CANCEL_REQUESTED"
	PhaseDraining        Phase = "DRAINING"
	PhaseSettled         Phase = "SETTLED"
)

// feeBuffer shrinks the spendable quote balance slightly so taker fees never
// push an order over the available funds.
var feeBuffer = decimal.RequireFromString("0.9985")

// ErrInsufficientBalance aborts an iteration when even the corrected order
// size is below the exchange minimum.
var ErrInsufficientBalance = errors.New("insufficient quote balance")

// gapPolicy is the partial-fill policy derived from the pair's gap mode.
type gapPolicy struct {
	// waitTimeout bounds WAITING_FILL before the remainder is canceled.
	waitTimeout time.Duration
	// cooldown before the next iteration after a partial or aborted one.
	cooldown time.Duration
}

func policyFor(mode domain.GapMode) gapPolicy {
	switch mode {
	case domain.GapModeDownOnly:
		return gapPolicy{waitTimeout: 45 * time.Second, cooldown: 30 * time.Second}
	case domain.GapModeSymmetric:
		// retry the remainder quickly on the next iteration
		return gapPolicy{waitTimeout: 30 * time.Second, cooldown: 5 * time.Second}
	default:
		return gapPolicy{waitTimeout: 60 * time.Second, cooldown: 30 * time.Second}
	}
}

// CycleTunables override cycle timing, mainly for tests.
type CycleTunables struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration // zero means gap-mode default
	Cooldown     time.Duration // zero means gap-mode default
}

// TradeSink receives settled trades without ever blocking the caller.
type TradeSink interface {
	Offer(trade domain.Trade)
}

// EventSink receives telemetry events, fire-and-forget.
type EventSink interface {
	Publish(event domain.TelemetryEvent)
}

// Cycle runs the order lifecycle for a single (exchange, pair). All
// operations within one cycle are strictly sequential; the per-exchange lock
// serializes order placement against cancel-all on the same venue.
type Cycle struct {
	cfg      domain.PairConfig
	adapter  exchange.Adapter
	exLock   *sync.Mutex
	trades   TradeSink
	events   EventSink
	retry    *retrier.Retrier
	logger   *zap.Logger
	tunables CycleTunables

	phase atomic.Value // Phase

	stopRequested atomic.Bool
}

// NewCycle builds a cycle for the pair. exLock must be the engine-owned lock
// for the pair's exchange.
func NewCycle(cfg domain.PairConfig, adapter exchange.Adapter, exLock *sync.Mutex,
	trades TradeSink, events EventSink, logger *zap.Logger, tunables CycleTunables) *Cycle {

	if tunables.PollInterval <= 0 {
		tunables.PollInterval = 2 * time.Second
	}
	c := &Cycle{
		cfg:     cfg,
		adapter: adapter,
		exLock:  exLock,
		trades:  trades,
		events:  events,
		retry: retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxInterval(5*time.Second),
		),
		logger:   logger.With(zap.String("exchange", cfg.Exchange), zap.String("pair", cfg.Pair.String())),
		tunables: tunables,
	}
	c.phase.Store(PhaseIdle)
	return c
}

// Phase returns the current phase, for observability.
func (c *Cycle) Phase() Phase {
	return c.phase.Load().(Phase)
}

// RequestStop parks the cycle in IDLE after the current iteration. An
// in-flight DRAINING always finishes; a partially filled position is never
// abandoned.
func (c *Cycle) RequestStop() {
	c.stopRequested.Store(true)
}

// Run iterates the cycle until a stop is requested, the context is canceled,
// or a fatal venue error occurs. Fatal errors are returned to the engine;
// everything else is absorbed locally.
func (c *Cycle) Run(ctx context.Context) error {
	for {
		if c.stopRequested.Load() || ctx.Err() != nil {
			c.setPhase(PhaseIdle)
			return ctx.Err()
		}

		cooldown, err := c.iterate(ctx)
		if err != nil {
			if exchange.IsFatal(err) {
				c.setPhase(PhaseIdle)
				return err
			}
			switch {
			case errors.Is(err, ErrInsufficientBalance):
				c.events.Publish(domain.TelemetryEvent{
					Kind:     domain.EventAlert,
					Exchange: c.cfg.Exchange,
					Pair:     c.cfg.Pair.String(),
					Message:  "insufficient balance: order below exchange minimum, iteration skipped",
					Time:     time.Now().UTC(),
				})
			case exchange.IsRejected(err):
				c.logger.Warn("iteration rejected by exchange", zap.Error(err))
			case errors.Is(err, context.Canceled):
				c.setPhase(PhaseIdle)
				return err
			default:
				// exhausted transient retries
				c.events.Publish(domain.TelemetryEvent{
					Kind:     domain.EventAlert,
					Exchange: c.cfg.Exchange,
					Pair:     c.cfg.Pair.String(),
					Message:  "iteration aborted: " + err.Error(),
					Time:     time.Now().UTC(),
				})
			}
		}

		c.setPhase(PhaseIdle)
		if !c.sleep(ctx, cooldown) {
			return ctx.Err()
		}
	}
}

// iterate runs one buy→wait→drain→settle pass and returns the cooldown to
// apply before the next one.
func (c *Cycle) iterate(ctx context.Context) (time.Duration, error) {
	policy := policyFor(c.cfg.GapMode)
	if c.tunables.WaitTimeout > 0 {
		policy.waitTimeout = c.tunables.WaitTimeout
	}
	if c.tunables.Cooldown > 0 {
		policy.cooldown = c.tunables.Cooldown
	}

	c.setPhase(PhasePlacingLimit)

	limits, err := c.callLimits(ctx)
	if err != nil {
		return policy.cooldown, err
	}

	// pre-buy hygiene: no resting orders, no leftover base position
	if err := c.cancelAllBarrier(ctx); err != nil {
		return policy.cooldown, err
	}
	if err := c.drainLeftover(ctx, limits); err != nil {
		return policy.cooldown, err
	}

	price, err := c.callPrice(ctx)
	if err != nil {
		return policy.cooldown, err
	}
	target := limits.ClampPrice(price.Mul(decimal.NewFromInt(1).Sub(c.cfg.DeviationPct.Div(decimal.NewFromInt(100))))) //nolint:lll
	if !target.IsPositive() {
		return policy.cooldown, errors.Errorf("non-positive target price %s", target)
	}

	// balances are re-read fresh on every iteration, never cached
	available, err := c.callBalance(ctx, c.cfg.Pair.Quote)
	if err != nil {
		return policy.cooldown, err
	}

	amount, err := c.sizeOrder(target, available, limits)
	if err != nil {
		return policy.cooldown, err
	}

	orderID, err := c.placeLimitBuy(ctx, target, amount)
	if err != nil {
		return policy.cooldown, err
	}
	c.logger.Info("limit buy placed",
		zap.String("order_id", orderID),
		zap.String("price", target.String()),
		zap.String("amount", amount.String()))

	c.setPhase(PhaseWaitingFill)
	filled, avgPrice, err := c.waitForFill(ctx, orderID, policy)
	if err != nil {
		return policy.cooldown, err
	}
	if filled.IsZero() {
		// nothing filled within the window
		return policy.cooldown, nil
	}
	if avgPrice.IsZero() {
		avgPrice = target
	}

	c.setPhase(PhaseDraining)
	sellFill, err := c.drain(ctx, filled, limits)
	if err != nil {
		return policy.cooldown, err
	}

	c.setPhase(PhaseSettled)
	now := time.Now().UTC()
	c.trades.Offer(domain.NewTrade(c.cfg.Exchange, c.cfg.Pair, domain.SideBuy, avgPrice, filled, decimal.Zero, now))
	if sellFill.Amount.IsPositive() {
		c.trades.Offer(domain.NewTrade(c.cfg.Exchange, c.cfg.Pair, domain.SideSell, sellFill.AvgPrice, sellFill.Amount, sellFill.Fee, now))
	}
	c.events.Publish(domain.TelemetryEvent{
		Kind:     domain.EventLifecycle,
		Exchange: c.cfg.Exchange,
		Pair:     c.cfg.Pair.String(),
		Message:  "cycle settled",
		Time:     now,
	})

	return policy.cooldown, nil
}

// sizeOrder computes the order size from the quote budget, clamped to the
// venue limits and to what the available balance affords.
func (c *Cycle) sizeOrder(target, available decimal.Decimal, limits domain.Limits) (decimal.Decimal, error) {
	budget := c.cfg.QuoteBudget
	affordable := available.Mul(feeBuffer)

	if budget.GreaterThan(affordable) {
		c.events.Publish(domain.TelemetryEvent{
			Kind:     domain.EventParamChange,
			Exchange: c.cfg.Exchange,
			Pair:     c.cfg.Pair.String(),
			Message:  "order shrunk to available balance: budget " + budget.String() + ", affordable " + affordable.String(),
			Time:     time.Now().UTC(),
		})
		budget = affordable
	}

	if !budget.IsPositive() {
		return decimal.Zero, ErrInsufficientBalance
	}

	amount := limits.ClampAmount(budget.Div(target))
	notional := amount.Mul(target)

	if amount.LessThan(limits.MinBase) || notional.LessThan(limits.MinQuote) || !amount.IsPositive() {
		return decimal.Zero, ErrInsufficientBalance
	}
	return amount, nil
}

// waitForFill polls the order until it fills or the gap-mode timeout passes,
// then cancels the remainder and reports whatever filled.
func (c *Cycle) waitForFill(ctx context.Context, orderID string, policy gapPolicy) (decimal.Decimal, decimal.Decimal, error) {
	deadline := time.Now().Add(policy.waitTimeout)
	ticker := time.NewTicker(c.tunables.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.callOrderStatus(ctx, orderID)
		if err != nil {
			// the order may be resting; cancel it before giving up
			c.cancelRemainder(ctx, orderID)
			return decimal.Zero, decimal.Zero, err
		}

		switch status.State {
		case domain.OrderStateFilled:
			return status.FilledBase, status.AvgPrice, nil
		case domain.OrderStateCanceled:
			return status.FilledBase, status.AvgPrice, nil
		}

		if time.Now().After(deadline) {
			c.setPhase(PhaseCancelRequested)
			c.cancelRemainder(ctx, orderID)
			final, err := c.callOrderStatus(ctx, orderID)
			if err != nil {
				return status.FilledBase, status.AvgPrice, nil
			}
			return final.FilledBase, final.AvgPrice, nil
		}

		select {
		case <-ctx.Done():
			// process shutdown mid-wait: do not leave the order resting
			c.cancelRemainder(context.Background(), orderID)
			return decimal.Zero, decimal.Zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cycle) cancelRemainder(ctx context.Context, orderID string) {
	if err := c.adapter.CancelOrder(ctx, c.cfg.Pair, orderID); err != nil {
		c.logger.Warn("cancel remainder failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// drain market-sells the base amount. Residual below the dust threshold is
// recorded once and left unsold, never retried in a tight loop.
func (c *Cycle) drain(ctx context.Context, amount decimal.Decimal, limits domain.Limits) (domain.Fill, error) {
	sellable := limits.ClampAmount(amount)

	price, err := c.callPrice(ctx)
	if err != nil {
		price = decimal.Zero
	}
	dust := dustThreshold(limits, price)

	if sellable.LessThan(dust) {
		c.recordDust(amount)
		return domain.Fill{}, nil
	}

	var permanent error
	fill, err := retrier.DoWithData(c.retry, ctx, func(ctx context.Context) (domain.Fill, error) {
		f, e := c.adapter.MarketSell(ctx, c.cfg.Pair, sellable)
		if e != nil && !exchange.IsTransient(e) {
			permanent = e
			return domain.Fill{}, nil
		}
		return f, e
	})
	if permanent != nil {
		return domain.Fill{}, permanent
	}
	if err != nil {
		return domain.Fill{}, err
	}

	if residual := amount.Sub(fill.Amount); residual.GreaterThan(decimal.Zero) && residual.LessThan(dust) {
		c.recordDust(residual)
	}
	return fill, nil
}

func (c *Cycle) recordDust(residual decimal.Decimal) {
	c.logger.Info("dust left unsold", zap.String("amount", residual.String()))
	c.events.Publish(domain.TelemetryEvent{
		Kind:     domain.EventParamChange,
		Exchange: c.cfg.Exchange,
		Pair:     c.cfg.Pair.String(),
		Message:  "dust below minimum tradable size: " + residual.String() + " " + c.cfg.Pair.Base,
		Time:     time.Now().UTC(),
	})
}

// dustThreshold is the smallest base amount still worth selling: the venue
// minimum size, the minimum notional converted at the current price, or one
// amount step, whichever is largest.
func dustThreshold(limits domain.Limits, price decimal.Decimal) decimal.Decimal {
	threshold := limits.MinBase
	if price.IsPositive() && limits.MinQuote.IsPositive() {
		if byNotional := limits.MinQuote.Div(price); byNotional.GreaterThan(threshold) {
			threshold = byNotional
		}
	}
	if limits.BaseStep.GreaterThan(threshold) {
		threshold = limits.BaseStep
	}
	return threshold
}

// drainLeftover sells base left over from a previous interrupted iteration.
func (c *Cycle) drainLeftover(ctx context.Context, limits domain.Limits) error {
	base, err := c.callBalance(ctx, c.cfg.Pair.Base)
	if err != nil {
		return err
	}
	if base.IsZero() {
		return nil
	}

	price, priceErr := c.callPrice(ctx)
	if priceErr != nil {
		price = decimal.Zero
	}
	if limits.ClampAmount(base).LessThan(dustThreshold(limits, price)) {
		return nil
	}

	c.setPhase(PhaseDraining)
	fill, err := c.drain(ctx, base, limits)
	if err != nil {
		return err
	}
	if fill.Amount.IsPositive() {
		c.trades.Offer(domain.NewTrade(c.cfg.Exchange, c.cfg.Pair, domain.SideSell, fill.AvgPrice, fill.Amount, fill.Fee, time.Now().UTC()))
	}
	c.setPhase(PhasePlacingLimit)
	return nil
}

// cancelAllBarrier cancels the pair's resting orders under the per-exchange
// lock. The lock guarantees cancel-all completes before any concurrent
// placement on the same venue.
func (c *Cycle) cancelAllBarrier(ctx context.Context) error {
	c.exLock.Lock()
	defer c.exLock.Unlock()
	return c.withRetry(ctx, func(ctx context.Context) error {
		return c.adapter.CancelAll(ctx, c.cfg.Pair)
	})
}

func (c *Cycle) placeLimitBuy(ctx context.Context, price, amount decimal.Decimal) (string, error) {
	c.exLock.Lock()
	defer c.exLock.Unlock()
	return retrierString(c, ctx, func(ctx context.Context) (string, error) {
		return c.adapter.PlaceLimitBuy(ctx, c.cfg.Pair, price, amount)
	})
}

func (c *Cycle) callPrice(ctx context.Context) (decimal.Decimal, error) {
	return retrierDecimal(c, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return c.adapter.Price(ctx, c.cfg.Pair)
	})
}

func (c *Cycle) callBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return retrierDecimal(c, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return c.adapter.Balance(ctx, asset)
	})
}

func (c *Cycle) callLimits(ctx context.Context) (domain.Limits, error) {
	var out domain.Limits
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		out, e = c.adapter.Limits(ctx, c.cfg.Pair)
		return e
	})
	return out, err
}

func (c *Cycle) callOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	var out domain.OrderStatus
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		out, e = c.adapter.OrderStatus(ctx, c.cfg.Pair, orderID)
		return e
	})
	return out, err
}

// withRetry retries transient failures with bounded backoff and stops
// immediately on rejected or fatal ones.
func (c *Cycle) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var permanent error
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		e := fn(ctx)
		if e != nil && !exchange.IsTransient(e) {
			permanent = e
			return nil
		}
		return e
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func retrierDecimal(c *Cycle, ctx context.Context, fn func(ctx context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		out, e = fn(ctx)
		return e
	})
	return out, err
}

func retrierString(c *Cycle, ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	var out string
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var e error
		out, e = fn(ctx)
		return e
	})
	return out, err
}

func (c *Cycle) setPhase(p Phase) {
	c.phase.Store(p)
}

func (c *Cycle) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
