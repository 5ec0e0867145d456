package exchange

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/skim/internal/domain"
)

// marketSellSlippage is the tolerance applied to the IOC limit order that
// emulates a market sell on Hyperliquid.
const marketSellSlippage = 0.005

// HyperliquidAdapter drives Hyperliquid spot. Orders are addressed by client
// order id (cloid), never by venue oid, so the adapter stays stateless.
type HyperliquidAdapter struct {
	ex          *hyperliquid.Exchange
	info        *hyperliquid.Info
	accountAddr string
}

// NewHyperliquidAdapter wraps a signed Hyperliquid exchange client.
func NewHyperliquidAdapter(ex *hyperliquid.Exchange, accountAddr string) (*HyperliquidAdapter, error) {
	if ex == nil {
		return nil, fmt.Errorf("hyperliquid exchange is nil")
	}
	return &HyperliquidAdapter{ex: ex, info: ex.Info(), accountAddr: accountAddr}, nil
}

func (a *HyperliquidAdapter) Name() string { return "hyperliquid" }

// newCloid returns a fresh Hyperliquid client order id (0x + 32 hex chars).
// A uuid is exactly 16 bytes, which is the cloid payload size.
func newCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

func (a *HyperliquidAdapter) Price(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	mids, err := a.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, a.classify(err)
	}
	mid, ok := mids[pair.Base]
	if !ok || mid == "" {
		return decimal.Zero, NewRejected(a.Name(), fmt.Errorf("no mid price for %s", pair.Base))
	}
	price, err := decimal.NewFromString(mid)
	if err != nil {
		return decimal.Zero, NewTransient(a.Name(), errors.Wrap(err, "parse mid price"))
	}
	return price, nil
}

// Limits returns conservative venue rules: Hyperliquid enforces a 10 USDC
// minimum order notional and sub-unit size precision per asset. Size decimals
// are not exposed through the endpoints this adapter uses, so the step is the
// finest the order codec accepts.
func (a *HyperliquidAdapter) Limits(ctx context.Context, pair domain.Pair) (domain.Limits, error) {
	return domain.Limits{
		MinBase:  decimal.Zero,
		MinQuote: decimal.NewFromInt(10),
		BaseStep: decimal.New(1, -8),
	}, nil
}

func (a *HyperliquidAdapter) PlaceLimitBuy(ctx context.Context, pair domain.Pair, price, amount decimal.Decimal) (string, error) {
	cloid := newCloid()
	px, _ := price.Round(8).Float64()
	size, _ := amount.Round(8).Float64()

	_, err := a.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          pair.Base,
		IsBuy:         true,
		Price:         px,
		Size:          size,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifGtc},
		},
	}, nil)
	if err != nil {
		return "", a.classify(err)
	}
	return cloid, nil
}

func (a *HyperliquidAdapter) MarketSell(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (domain.Fill, error) {
	px, err := a.ex.SlippagePrice(ctx, pair.Base, false, marketSellSlippage, nil)
	if err != nil {
		return domain.Fill{}, a.classify(errors.Wrap(err, "slippage price"))
	}

	cloid := newCloid()
	size, _ := amount.Round(8).Float64()
	_, err = a.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          pair.Base,
		IsBuy:         false,
		Price:         px,
		Size:          size,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		},
	}, nil)
	if err != nil {
		return domain.Fill{}, a.classify(err)
	}

	fill := domain.Fill{
		OrderID:  cloid,
		Amount:   amount,
		AvgPrice: decimal.NewFromFloat(px),
		Time:     time.Now().UTC(),
	}
	// best effort: read back the executed size
	if status, statusErr := a.OrderStatus(ctx, pair, cloid); statusErr == nil && status.FilledBase.IsPositive() {
		fill.Amount = status.FilledBase
		if status.AvgPrice.IsPositive() {
			fill.AvgPrice = status.AvgPrice
		}
	}
	return fill, nil
}

func (a *HyperliquidAdapter) OrderStatus(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderStatus, error) {
	res, err := a.info.QueryOrderByCloid(ctx, a.accountAddr, orderID)
	if err != nil {
		return domain.OrderStatus{}, a.classify(errors.Wrap(err, "query order by cloid"))
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return domain.OrderStatus{ID: orderID, State: domain.OrderStateCanceled}, nil
	}

	status := domain.OrderStatus{ID: orderID}
	switch res.Order.Status {
	case hyperliquid.OrderStatusValueFilled:
		status.State = domain.OrderStateFilled
		if res.Order.Order.OrigSz != "" {
			status.FilledBase, _ = decimal.NewFromString(res.Order.Order.OrigSz)
		}
	case hyperliquid.OrderStatusValueOpen:
		status.State = domain.OrderStateOpen
		// remaining size shrinks as the order fills
		orig, _ := decimal.NewFromString(res.Order.Order.OrigSz)
		remaining, _ := decimal.NewFromString(res.Order.Order.Sz)
		if orig.GreaterThan(remaining) {
			status.FilledBase = orig.Sub(remaining)
		}
	default:
		status.State = domain.OrderStateCanceled
	}
	if px, err := decimal.NewFromString(res.Order.Order.LimitPx); err == nil {
		status.AvgPrice = px
	}
	return status, nil
}

func (a *HyperliquidAdapter) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	res, err := a.info.QueryOrderByCloid(ctx, a.accountAddr, orderID)
	if err != nil {
		return a.classify(errors.Wrap(err, "query order by cloid"))
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess ||
		res.Order.Status != hyperliquid.OrderStatusValueOpen {
		// nothing left to cancel
		return nil
	}

	_, err = a.ex.BulkCancel(ctx, []hyperliquid.CancelOrderRequest{
		{Coin: pair.Base, OrderID: res.Order.Order.Oid},
	})
	if err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *HyperliquidAdapter) CancelAll(ctx context.Context, pair domain.Pair) error {
	open, err := a.info.FrontendOpenOrders(ctx, a.accountAddr)
	if err != nil {
		return a.classify(errors.Wrap(err, "list open orders"))
	}

	var cancels []hyperliquid.CancelOrderRequest
	for _, o := range open {
		if !strings.EqualFold(o.Coin, pair.Base) {
			continue
		}
		cancels = append(cancels, hyperliquid.CancelOrderRequest{Coin: pair.Base, OrderID: o.Oid})
	}
	if len(cancels) == 0 {
		return nil
	}

	if _, err := a.ex.BulkCancel(ctx, cancels); err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *HyperliquidAdapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	st, err := a.info.SpotUserState(ctx, a.accountAddr)
	if err != nil {
		return decimal.Zero, a.classify(errors.Wrap(err, "get spot user state"))
	}
	for _, b := range st.Balances {
		if !strings.EqualFold(b.Coin, asset) {
			continue
		}
		total, err := decimal.NewFromString(b.Total)
		if err != nil {
			return decimal.Zero, NewTransient(a.Name(), errors.Wrap(err, "parse balance"))
		}
		return total, nil
	}
	return decimal.Zero, nil
}

func (a *HyperliquidAdapter) Trades(ctx context.Context, pair domain.Pair, since time.Time) ([]domain.Trade, error) {
	fills, err := a.info.UserFills(ctx, a.accountAddr)
	if err != nil {
		return nil, a.classify(errors.Wrap(err, "list user fills"))
	}

	sinceMs := since.UnixMilli()
	trades := make([]domain.Trade, 0, len(fills))
	for _, f := range fills {
		if !strings.EqualFold(f.Coin, pair.Base) || f.Time < sinceMs {
			continue
		}
		price, err := decimal.NewFromString(f.Px)
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(f.Sz)
		if err != nil {
			continue
		}
		side := domain.SideSell
		if f.Side == "B" {
			side = domain.SideBuy
		}
		fee, _ := decimal.NewFromString(f.Fee)
		trades = append(trades, domain.NewTrade(a.Name(), pair, side, price, amount, fee, time.UnixMilli(f.Time)))
	}
	return trades, nil
}

// classify maps hyperliquid errors onto the adapter taxonomy. The SDK reports
// rejects inside response strings rather than typed errors.
func (a *HyperliquidAdapter) classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "signature", "unauthorized", "does not exist"):
		return NewFatal(a.Name(), err)
	case containsAny(msg, "minimum value", "invalid size", "insufficient", "rejected"):
		return NewRejected(a.Name(), err)
	default:
		return NewTransient(a.Name(), err)
	}
}
