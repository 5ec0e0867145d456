package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vadiminshakov/skim/internal/domain"
	"github.com/vadiminshakov/skim/internal/exchange"
	"go.uber.org/zap"
)

// SnapshotSource provides the latest versioned pairs snapshot.
type SnapshotSource interface {
	Latest() (domain.PairsSnapshot, error)
}

// Config holds engine tunables. Zero values fall back to defaults.
type Config struct {
	// TickInterval is how often running cycles are reconciled against the
	// latest pairs snapshot.
	TickInterval time.Duration
	// MaxConcurrentPairs bounds the number of simultaneously running cycles.
	MaxConcurrentPairs int
	// ShutdownTimeout bounds the wait for cycles and the final cancel-all.
	ShutdownTimeout time.Duration
	// Cycle tunables applied to every spawned cycle.
	Cycle CycleTunables
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.MaxConcurrentPairs <= 0 {
		c.MaxConcurrentPairs = 5
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	return c
}

// Engine owns the set of running cycles. It diff-reconciles them against the
// pairs snapshot at every tick: config edits, activations and deactivations
// take effect only at cycle boundaries, never mid-cycle.
type Engine struct {
	registry *exchange.Registry
	source   SnapshotSource
	trades   TradeSink
	events   EventSink
	logger   *zap.Logger
	cfg      Config

	mu          sync.Mutex
	running     map[string]*runningCycle
	exLocks     map[string]*sync.Mutex
	halted      map[string]bool
	paused      bool
	pauseGen    uint64
	lastVersion uint64

	sem chan struct{}
}

type runningCycle struct {
	cycle  *Cycle
	cfg    domain.PairConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine over the registry and snapshot source.
func New(registry *exchange.Registry, source SnapshotSource, trades TradeSink,
	events EventSink, logger *zap.Logger, cfg Config) *Engine {

	cfg = cfg.withDefaults()
	return &Engine{
		registry: registry,
		source:   source,
		trades:   trades,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		running:  make(map[string]*runningCycle),
		exLocks:  make(map[string]*sync.Mutex),
		halted:   make(map[string]bool),
		sem:      make(chan struct{}, cfg.MaxConcurrentPairs),
	}
}

// Run reconciles until the context is canceled, then performs a bounded
// shutdown: stop cycles, wait, and best-effort cancel-all on active venues.
func (e *Engine) Run(ctx context.Context) error {
	e.publishLifecycle("", "", "engine started")

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			e.publishLifecycle("", "", "engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

// Pause stops scheduling new iterations. Running cycles finish their current
// iteration, an in-flight drain included, then park; afterwards every
// affected venue gets a cancel-all.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return
	}
	e.paused = true
	e.pauseGen++
	gen := e.pauseGen
	stopped := make([]*runningCycle, 0, len(e.running))
	for _, rc := range e.running {
		rc.cycle.RequestStop()
		stopped = append(stopped, rc)
	}
	e.mu.Unlock()

	e.publishLifecycle("", "", "trading paused")

	go func() {
		deadline := time.After(2 * e.cfg.ShutdownTimeout)
		for _, rc := range stopped {
			select {
			case <-rc.done:
			case <-deadline:
			}
		}
		// a resume may have respawned cycles while we waited; their fresh
		// orders must survive, so the deferred cancel-all applies only while
		// this pause is still the latest state
		e.mu.Lock()
		superseded := !e.paused || e.pauseGen != gen
		e.mu.Unlock()
		if superseded {
			e.logger.Info("pause superseded by resume, cancel-all skipped")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
		defer cancel()
		e.cancelAllFor(ctx, configsOf(stopped))
		e.publishLifecycle("", "", "pause complete, open orders canceled")
	}()
}

// Resume re-enables scheduling and clears fatal exchange halts. Cycles
// respawn on the next reconcile tick, each behind a fresh cancel-all barrier.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	for id := range e.halted {
		delete(e.halted, id)
	}
	e.mu.Unlock()
	e.publishLifecycle("", "", "trading resumed")
}

// Paused reports whether scheduling is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// CycleStatus is a read-only view of one running cycle.
type CycleStatus struct {
	Key   string `json:"key"`
	Phase Phase  `json:"phase"`
}

// Status is a read-only view of the scheduler state.
type Status struct {
	Paused       bool          `json:"paused"`
	PairsVersion uint64        `json:"pairs_version"`
	Halted       []string      `json:"halted_exchanges,omitempty"`
	Cycles       []CycleStatus `json:"cycles"`
}

// Status reports the scheduler state for the admin surface.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{Paused: e.paused, PairsVersion: e.lastVersion}
	for id := range e.halted {
		st.Halted = append(st.Halted, id)
	}
	sort.Strings(st.Halted)
	for key, rc := range e.running {
		st.Cycles = append(st.Cycles, CycleStatus{Key: key, Phase: rc.cycle.Phase()})
	}
	sort.Slice(st.Cycles, func(i, j int) bool { return st.Cycles[i].Key < st.Cycles[j].Key })
	return st
}

// VenueTrades queries the venue's own trade history for one pair, so report
// rows can be reconciled against what the exchange recorded. The engine owns
// all adapter access; callers never touch adapters themselves.
func (e *Engine) VenueTrades(ctx context.Context, exchangeID string, pair domain.Pair, since time.Time) ([]domain.Trade, error) {
	adapter, err := e.registry.Resolve(exchangeID)
	if err != nil {
		return nil, err
	}
	return adapter.Trades(ctx, pair, since)
}

func (e *Engine) reconcile(ctx context.Context) {
	snap, err := e.source.Latest()
	if err != nil {
		e.logger.Error("load pairs snapshot", zap.Error(err))
		return
	}

	e.mu.Lock()
	versionChanged := snap.Version != e.lastVersion
	e.lastVersion = snap.Version
	e.mu.Unlock()

	desired := make(map[string]domain.PairConfig)
	for _, pc := range snap.Pairs {
		if !pc.Active {
			continue
		}
		if !e.registry.Known(pc.Exchange) {
			if versionChanged {
				e.logger.Error("pair references unknown exchange, skipping",
					zap.String("exchange", pc.Exchange), zap.String("pair", pc.Pair.String()))
				e.events.Publish(domain.TelemetryEvent{
					Kind:     domain.EventAlert,
					Exchange: pc.Exchange,
					Pair:     pc.Pair.String(),
					Message:  "configured exchange is not registered, pair skipped",
					Time:     time.Now().UTC(),
				})
			}
			continue
		}
		desired[pc.Key()] = pc
	}

	if versionChanged {
		e.events.Publish(domain.TelemetryEvent{
			Kind:    domain.EventParamChange,
			Message: "pairs snapshot applied",
			Time:    time.Now().UTC(),
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// stop cycles whose pair was removed, deactivated or edited; the new
	// config is picked up on a later tick once the old cycle has parked
	for key, rc := range e.running {
		want, ok := desired[key]
		if !ok || !configEqual(rc.cfg, want) {
			rc.cycle.RequestStop()
		}
	}

	if e.paused {
		return
	}

	for key, pc := range desired {
		if _, ok := e.running[key]; ok {
			continue
		}
		if e.halted[normalized(pc.Exchange)] {
			continue
		}
		select {
		case e.sem <- struct{}{}:
		default:
			// concurrency cap reached, retry on a later tick
			continue
		}
		e.spawnLocked(ctx, key, pc)
	}
}

// spawnLocked starts a cycle for the pair. Caller holds e.mu and a semaphore
// slot, which is released when the cycle exits.
func (e *Engine) spawnLocked(ctx context.Context, key string, pc domain.PairConfig) {
	adapter, err := e.registry.Resolve(pc.Exchange)
	if err != nil {
		<-e.sem
		e.logger.Error("resolve adapter", zap.String("exchange", pc.Exchange), zap.Error(err))
		return
	}

	cctx, cancel := context.WithCancel(ctx)
	rc := &runningCycle{
		cycle:  NewCycle(pc, adapter, e.exchangeLockLocked(pc.Exchange), e.trades, e.events, e.logger, e.cfg.Cycle),
		cfg:    pc,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.running[key] = rc

	e.logger.Info("cycle started", zap.String("key", key))
	go func() {
		defer close(rc.done)
		defer cancel()
		err := rc.cycle.Run(cctx)
		e.onCycleExit(key, pc, err)
		<-e.sem
	}()
}

func (e *Engine) onCycleExit(key string, pc domain.PairConfig, err error) {
	e.mu.Lock()
	delete(e.running, key)
	fatal := exchange.IsFatal(err)
	if fatal {
		e.halted[normalized(pc.Exchange)] = true
	}
	e.mu.Unlock()

	if fatal {
		e.logger.Error("exchange halted after fatal error",
			zap.String("exchange", pc.Exchange), zap.Error(err))
		e.events.Publish(domain.TelemetryEvent{
			Kind:     domain.EventAlert,
			Exchange: pc.Exchange,
			Pair:     pc.Pair.String(),
			Message:  "exchange halted after fatal error: " + err.Error(),
			Time:     time.Now().UTC(),
		})
		return
	}
	e.logger.Info("cycle stopped", zap.String("key", key))
}

// shutdown stops every cycle, waits up to the shutdown timeout, then runs a
// best-effort cancel-all so no resting orders survive the process.
func (e *Engine) shutdown() {
	e.mu.Lock()
	stopped := make([]*runningCycle, 0, len(e.running))
	for _, rc := range e.running {
		rc.cycle.RequestStop()
		rc.cancel()
		stopped = append(stopped, rc)
	}
	e.mu.Unlock()

	deadline := time.After(e.cfg.ShutdownTimeout)
	for _, rc := range stopped {
		select {
		case <-rc.done:
		case <-deadline:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()
	e.cancelAllFor(ctx, configsOf(stopped))
}

// cancelAllFor cancels resting orders for each config, deduplicated by pair
// key, each under the venue lock.
func (e *Engine) cancelAllFor(ctx context.Context, configs []domain.PairConfig) {
	seen := make(map[string]struct{})
	for _, pc := range configs {
		if _, ok := seen[pc.Key()]; ok {
			continue
		}
		seen[pc.Key()] = struct{}{}

		adapter, err := e.registry.Resolve(pc.Exchange)
		if err != nil {
			e.logger.Warn("cancel-all skipped, adapter unavailable",
				zap.String("exchange", pc.Exchange), zap.Error(err))
			continue
		}

		lock := e.exchangeLock(pc.Exchange)
		lock.Lock()
		err = adapter.CancelAll(ctx, pc.Pair)
		lock.Unlock()
		if err != nil {
			e.logger.Warn("cancel-all failed",
				zap.String("key", pc.Key()), zap.Error(err))
		}
	}
}

func (e *Engine) exchangeLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exchangeLockLocked(id)
}

func (e *Engine) exchangeLockLocked(id string) *sync.Mutex {
	key := normalized(id)
	lock, ok := e.exLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.exLocks[key] = lock
	}
	return lock
}

func (e *Engine) publishLifecycle(exchangeID, pair, msg string) {
	e.events.Publish(domain.TelemetryEvent{
		Kind:     domain.EventLifecycle,
		Exchange: exchangeID,
		Pair:     pair,
		Message:  msg,
		Time:     time.Now().UTC(),
	})
}

func configsOf(cycles []*runningCycle) []domain.PairConfig {
	out := make([]domain.PairConfig, 0, len(cycles))
	for _, rc := range cycles {
		out = append(out, rc.cfg)
	}
	return out
}

func configEqual(a, b domain.PairConfig) bool {
	return a.Exchange == b.Exchange &&
		a.Pair == b.Pair &&
		a.QuoteBudget.Equal(b.QuoteBudget) &&
		a.DeviationPct.Equal(b.DeviationPct) &&
		a.GapMode == b.GapMode &&
		a.Active == b.Active
}

func normalized(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
