package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/skim/internal/domain"
)

const bybitOrderLinkPrefix = "skim-"

// BybitAdapter drives Bybit spot through the V5 API.
type BybitAdapter struct {
	client *bybit.Client
}

// NewBybitAdapter wraps an authenticated Bybit client.
func NewBybitAdapter(client *bybit.Client) *BybitAdapter {
	return &BybitAdapter{client: client}
}

func (a *BybitAdapter) Name() string { return "bybit" }

func (a *BybitAdapter) Price(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	result, err := a.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Zero, a.classify(err)
	}
	if len(result.Result.Spot.List) == 0 {
		return decimal.Zero, NewTransient(a.Name(), fmt.Errorf("empty ticker response for %s", pair.String()))
	}
	price, err := decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, NewTransient(a.Name(), errors.Wrap(err, "parse price"))
	}
	return price, nil
}

func (a *BybitAdapter) Limits(ctx context.Context, pair domain.Pair) (domain.Limits, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	result, err := a.client.V5().Market().GetInstrumentsInfo(bybit.V5GetInstrumentsInfoParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return domain.Limits{}, a.classify(err)
	}
	if len(result.Result.Spot.List) == 0 {
		return domain.Limits{}, NewRejected(a.Name(), fmt.Errorf("instrument %s not found", pair.Symbol()))
	}

	inst := result.Result.Spot.List[0]
	var limits domain.Limits
	limits.MinBase, _ = decimal.NewFromString(inst.LotSizeFilter.MinOrderQty)
	limits.MinQuote, _ = decimal.NewFromString(inst.LotSizeFilter.MinOrderAmt)
	// base precision is the amount step on bybit spot
	limits.BaseStep, _ = decimal.NewFromString(inst.LotSizeFilter.BasePrecision)
	limits.PriceStep, _ = decimal.NewFromString(inst.PriceFilter.TickSize)
	return limits, nil
}

func (a *BybitAdapter) PlaceLimitBuy(ctx context.Context, pair domain.Pair, price, amount decimal.Decimal) (string, error) {
	orderLinkID := bybitOrderLinkPrefix + uuid.NewString()
	priceStr := price.String()
	_, err := a.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(pair.Symbol()),
		Side:        bybit.SideBuy,
		OrderType:   bybit.OrderTypeLimit,
		Qty:         amount.String(),
		Price:       &priceStr,
		OrderLinkID: &orderLinkID,
	})
	if err != nil {
		return "", a.classify(err)
	}
	return orderLinkID, nil
}

func (a *BybitAdapter) MarketSell(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (domain.Fill, error) {
	orderLinkID := bybitOrderLinkPrefix + uuid.NewString()
	_, err := a.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(pair.Symbol()),
		Side:        bybit.SideSell,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         amount.String(),
		OrderLinkID: &orderLinkID,
	})
	if err != nil {
		return domain.Fill{}, a.classify(err)
	}

	// market orders settle near-instantly; poll the realtime endpoint briefly
	// for the executed quantity and average price
	var status domain.OrderStatus
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Fill{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		var statusErr error
		status, statusErr = a.OrderStatus(ctx, pair, orderLinkID)
		if statusErr == nil && status.State != domain.OrderStateOpen {
			break
		}
	}

	fill := domain.Fill{
		OrderID:  orderLinkID,
		Amount:   status.FilledBase,
		AvgPrice: status.AvgPrice,
		Time:     time.Now().UTC(),
	}
	if fill.Amount.IsZero() {
		// status not visible yet; assume the requested amount went through
		fill.Amount = amount
	}
	if fill.AvgPrice.IsZero() {
		if last, err := a.Price(ctx, pair); err == nil {
			fill.AvgPrice = last
		}
	}
	return fill, nil
}

func (a *BybitAdapter) OrderStatus(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderStatus, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	result, err := a.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &orderID,
	})
	if err != nil {
		return domain.OrderStatus{}, a.classify(err)
	}
	if len(result.Result.List) == 0 {
		// realtime endpoint no longer tracks it; treat as canceled with no fill
		return domain.OrderStatus{ID: orderID, State: domain.OrderStateCanceled}, nil
	}

	item := result.Result.List[0]
	status := domain.OrderStatus{ID: orderID}
	status.FilledBase, _ = decimal.NewFromString(item.CumExecQty)
	status.AvgPrice, _ = decimal.NewFromString(item.AvgPrice)

	switch string(item.OrderStatus) {
	case "Filled":
		status.State = domain.OrderStateFilled
	case "Cancelled", "Rejected", "Deactivated":
		status.State = domain.OrderStateCanceled
	default:
		status.State = domain.OrderStateOpen
	}
	return status, nil
}

func (a *BybitAdapter) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	_, err := a.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(pair.Symbol()),
		OrderLinkID: &orderID,
	})
	if err != nil {
		if strings.Contains(err.Error(), "170213") {
			// order does not exist
			return nil
		}
		return a.classify(err)
	}
	return nil
}

func (a *BybitAdapter) CancelAll(ctx context.Context, pair domain.Pair) error {
	symbol := bybit.SymbolV5(pair.Symbol())
	_, err := a.client.V5().Order().CancelAllOrders(bybit.V5CancelAllOrdersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *BybitAdapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	result, err := a.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5UNIFIED, nil)
	if err != nil {
		return decimal.Zero, a.classify(err)
	}
	for _, acc := range result.Result.List {
		for _, coin := range acc.Coin {
			if !strings.EqualFold(string(coin.Coin), asset) {
				continue
			}
			if free, err := decimal.NewFromString(coin.AvailableToWithdraw); err == nil && free.IsPositive() {
				return free, nil
			}
			if total, err := decimal.NewFromString(coin.WalletBalance); err == nil {
				return total, nil
			}
			return decimal.Zero, nil
		}
	}
	return decimal.Zero, nil
}

func (a *BybitAdapter) Trades(ctx context.Context, pair domain.Pair, since time.Time) ([]domain.Trade, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	startTime := since.UnixMilli()
	result, err := a.client.V5().Execution().GetExecutionList(bybit.V5GetExecutionParam{
		Category:  bybit.CategoryV5Spot,
		Symbol:    &symbol,
		StartTime: &startTime,
	})
	if err != nil {
		return nil, a.classify(err)
	}

	trades := make([]domain.Trade, 0, len(result.Result.List))
	for _, e := range result.Result.List {
		price, err := decimal.NewFromString(e.ExecPrice)
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(e.ExecQty)
		if err != nil {
			continue
		}
		side := domain.SideSell
		if e.Side == bybit.SideBuy {
			side = domain.SideBuy
		}
		fee, _ := decimal.NewFromString(e.ExecFee)
		at := since
		if ms, err := strconv.ParseInt(e.ExecTime, 10, 64); err == nil {
			at = time.UnixMilli(ms)
		}
		trades = append(trades, domain.NewTrade(a.Name(), pair, side, price, amount, fee, at))
	}
	return trades, nil
}

// classify maps bybit errors onto the adapter taxonomy. The SDK surfaces V5
// retCode values inside error strings.
func (a *BybitAdapter) classify(err error) error {
	msg := err.Error()
	switch {
	case containsAny(msg, "10003", "10004", "10005", "33004", "API key"):
		return NewFatal(a.Name(), err)
	case containsAny(msg, "170131", "170136", "170140", "170124", "170193"):
		// insufficient balance / below minimum / price out of range
		return NewRejected(a.Name(), err)
	default:
		return NewTransient(a.Name(), err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
