package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/skim/internal/domain"
)

// stubAdapter is a minimal Adapter for registry tests.
type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Price(context.Context, domain.Pair) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubAdapter) Limits(context.Context, domain.Pair) (domain.Limits, error) {
	return domain.Limits{}, nil
}
func (s *stubAdapter) PlaceLimitBuy(context.Context, domain.Pair, decimal.Decimal, decimal.Decimal) (string, error) {
	return "", nil
}
func (s *stubAdapter) MarketSell(context.Context, domain.Pair, decimal.Decimal) (domain.Fill, error) {
	return domain.Fill{}, nil
}
func (s *stubAdapter) OrderStatus(context.Context, domain.Pair, string) (domain.OrderStatus, error) {
	return domain.OrderStatus{}, nil
}
func (s *stubAdapter) CancelOrder(context.Context, domain.Pair, string) error { return nil }
func (s *stubAdapter) CancelAll(context.Context, domain.Pair) error           { return nil }
func (s *stubAdapter) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (s *stubAdapter) Trades(context.Context, domain.Pair, time.Time) ([]domain.Trade, error) {
	return nil, nil
}

func TestRegistryResolveMemoizes(t *testing.T) {
	registry := NewRegistry()

	var constructed atomic.Int32
	registry.Register("Binance", func() (Adapter, error) {
		constructed.Add(1)
		return &stubAdapter{name: "binance"}, nil
	})

	first, err := registry.Resolve("binance")
	require.NoError(t, err)
	second, err := registry.Resolve("BINANCE")
	require.NoError(t, err)

	assert.Same(t, first, second, "one instance per exchange id")
	assert.Equal(t, int32(1), constructed.Load())
}

func TestRegistryUnknownExchange(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Resolve("kraken")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownExchange)
	assert.False(t, registry.Known("kraken"))
}

func TestRegistryRetriesFailedConstruction(t *testing.T) {
	registry := NewRegistry()

	var attempts atomic.Int32
	registry.Register("bybit", func() (Adapter, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("credentials not ready")
		}
		return &stubAdapter{name: "bybit"}, nil
	})

	_, err := registry.Resolve("bybit")
	require.Error(t, err, "first construction fails")

	adapter, err := registry.Resolve("bybit")
	require.NoError(t, err, "failed construction is not memoized")
	assert.Equal(t, "bybit", adapter.Name())
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRegistryConcurrentResolve(t *testing.T) {
	registry := NewRegistry()

	var constructed atomic.Int32
	registry.Register("hyperliquid", func() (Adapter, error) {
		constructed.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &stubAdapter{name: "hyperliquid"}, nil
	})

	var wg sync.WaitGroup
	adapters := make([]Adapter, 16)
	for i := range adapters {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := registry.Resolve("hyperliquid")
			require.NoError(t, err)
			adapters[i] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), constructed.Load(), "concurrent resolves construct once")
	for _, a := range adapters {
		assert.Same(t, adapters[0], a)
	}
}

func TestRegistryExchanges(t *testing.T) {
	registry := NewRegistry()
	registry.Register("binance", func() (Adapter, error) { return &stubAdapter{name: "binance"}, nil })
	registry.Register("bybit", func() (Adapter, error) { return &stubAdapter{name: "bybit"}, nil })

	assert.ElementsMatch(t, []string{"binance", "bybit"}, registry.Exchanges())
}
