// Package exchange abstracts trading venues behind a single adapter interface
// and normalizes venue-specific failures into a small error taxonomy.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/skim/internal/domain"
)

// Adapter is the uniform capability interface implemented once per venue.
// An adapter holds no cross-call trading state beyond its own transport client.
type Adapter interface {
	// Name returns the exchange identifier, e.g. "binance".
	Name() string
	// Price returns the last traded price for the pair.
	Price(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
	// Limits returns the venue trading rules for the pair.
	Limits(ctx context.Context, pair domain.Pair) (domain.Limits, error)
	// PlaceLimitBuy places a limit buy and returns the order id.
	PlaceLimitBuy(ctx context.Context, pair domain.Pair, price, amount decimal.Decimal) (string, error)
	// MarketSell sells the base amount at market and reports the fill.
	MarketSell(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (domain.Fill, error)
	// OrderStatus reports the normalized state of a working order.
	OrderStatus(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderStatus, error)
	// CancelOrder cancels a single order.
	CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error
	// CancelAll cancels all resting orders for the pair.
	CancelAll(ctx context.Context, pair domain.Pair) error
	// Balance returns the available balance of the asset.
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	// Trades returns the account trades for the pair since the given time.
	Trades(ctx context.Context, pair domain.Pair, since time.Time) ([]domain.Trade, error)
}
