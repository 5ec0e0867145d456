package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/vadiminshakov/skim/internal/domain"
)

// mockAdapter is a testify mock over the exchange adapter surface.
type mockAdapter struct {
	mock.Mock
	name string
}

func newMockAdapter(name string) *mockAdapter {
	return &mockAdapter{name: name}
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Price(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockAdapter) Limits(ctx context.Context, pair domain.Pair) (domain.Limits, error) {
	args := m.Called(ctx, pair)
	return args.Get(0).(domain.Limits), args.Error(1)
}

func (m *mockAdapter) PlaceLimitBuy(ctx context.Context, pair domain.Pair, price, amount decimal.Decimal) (string, error) {
	args := m.Called(ctx, pair, price, amount)
	return args.String(0), args.Error(1)
}

func (m *mockAdapter) MarketSell(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (domain.Fill, error) {
	args := m.Called(ctx, pair, amount)
	return args.Get(0).(domain.Fill), args.Error(1)
}

func (m *mockAdapter) OrderStatus(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderStatus, error) {
	args := m.Called(ctx, pair, orderID)
	return args.Get(0).(domain.OrderStatus), args.Error(1)
}

func (m *mockAdapter) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	args := m.Called(ctx, pair, orderID)
	return args.Error(0)
}

func (m *mockAdapter) CancelAll(ctx context.Context, pair domain.Pair) error {
	args := m.Called(ctx, pair)
	return args.Error(0)
}

func (m *mockAdapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockAdapter) Trades(ctx context.Context, pair domain.Pair, since time.Time) ([]domain.Trade, error) {
	args := m.Called(ctx, pair, since)
	if trades := args.Get(0); trades != nil {
		return trades.([]domain.Trade), args.Error(1)
	}
	return nil, args.Error(1)
}

func decimalMatcher(expected decimal.Decimal) interface{} {
	return mock.MatchedBy(func(actual decimal.Decimal) bool {
		return expected.Equal(actual)
	})
}

// tradeRecorder collects offered trades.
type tradeRecorder struct {
	mu     sync.Mutex
	trades []domain.Trade
}

func (r *tradeRecorder) Offer(trade domain.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
}

func (r *tradeRecorder) all() []domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Trade, len(r.trades))
	copy(out, r.trades)
	return out
}

// eventRecorder collects published telemetry events.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.TelemetryEvent
}

func (r *eventRecorder) Publish(event domain.TelemetryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) byKind(kind domain.EventKind) []domain.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TelemetryEvent
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
