package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vadiminshakov/skim/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHeartbeatEvery = 60 * time.Minute
	defaultStaleAfter     = 90 * time.Minute
)

// Option configures a Monitor.
type Option func(*Monitor)

// WithHeartbeatInterval overrides how often a heartbeat is sent.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.heartbeatEvery = d
		}
	}
}

// WithStaleAfter overrides the silence threshold for the staleness alert.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.staleAfter = d
		}
	}
}

// WithStatus attaches a status line appended to every heartbeat.
func WithStatus(fn func() string) Option {
	return func(m *Monitor) {
		m.status = fn
	}
}

// Monitor forwards events to the notifier fire-and-forget and runs two
// independent clocks: a heartbeat ticker proving liveness, and a watchdog
// that alerts when heartbeats stop. The watchdog deliberately does not share
// the heartbeat timer, so a wedged heartbeat loop still trips the alert.
type Monitor struct {
	notifier Notifier
	logger   *zap.Logger

	heartbeatEvery time.Duration
	staleAfter     time.Duration
	status         func() string

	in   chan domain.TelemetryEvent
	beat chan struct{}
}

// NewMonitor creates a monitor over the notifier.
func NewMonitor(notifier Notifier, logger *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		notifier:       notifier,
		logger:         logger,
		heartbeatEvery: defaultHeartbeatEvery,
		staleAfter:     defaultStaleAfter,
		in:             make(chan domain.TelemetryEvent, 256),
		beat:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish enqueues an event without blocking. A full queue drops the event
// and logs it; telemetry loss never stalls trading.
func (m *Monitor) Publish(event domain.TelemetryEvent) {
	select {
	case m.in <- event:
	default:
		m.logger.Warn("telemetry queue full, event dropped",
			zap.String("kind", string(event.Kind)), zap.String("message", event.Message))
	}
}

// Run processes events, heartbeats and the staleness watchdog until the
// context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.eventLoop(ctx) })
	g.Go(func() error { return m.heartbeatLoop(ctx) })
	g.Go(func() error { return m.watchdogLoop(ctx) })
	return g.Wait()
}

func (m *Monitor) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-m.in:
			m.deliver(formatEvent(event))
		}
	}
}

func (m *Monitor) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			event := domain.TelemetryEvent{
				Kind:    domain.EventHeartbeat,
				Message: "alive",
				Time:    time.Now().UTC(),
			}
			if m.status != nil {
				event.Message += ", " + m.status()
			}
			m.deliver(formatEvent(event))
			select {
			case m.beat <- struct{}{}:
			default:
			}
		}
	}
}

// watchdogLoop alerts exactly once per silence: the alert re-arms only after
// heartbeats resume.
func (m *Monitor) watchdogLoop(ctx context.Context) error {
	timer := time.NewTimer(m.staleAfter)
	defer timer.Stop()

	alerted := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.beat:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(m.staleAfter)
			alerted = false
		case <-timer.C:
			if !alerted {
				alerted = true
				m.deliver(formatEvent(domain.TelemetryEvent{
					Kind:    domain.EventAlert,
					Message: fmt.Sprintf("no heartbeat for %s, trading may be wedged", m.staleAfter),
					Time:    time.Now().UTC(),
				}))
			}
		}
	}
}

// deliver pushes text to the notifier in the background. A failure is logged
// once and the message is not retried.
func (m *Monitor) deliver(text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.notifier.Send(ctx, text); err != nil {
			m.logger.Warn("telemetry delivery failed", zap.Error(err))
		}
	}()
}

func formatEvent(event domain.TelemetryEvent) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(event.Kind))
	b.WriteString("]")
	if event.Exchange != "" {
		b.WriteString(" ")
		b.WriteString(event.Exchange)
	}
	if event.Pair != "" {
		b.WriteString(" ")
		b.WriteString(event.Pair)
	}
	b.WriteString(": ")
	b.WriteString(event.Message)
	return b.String()
}
