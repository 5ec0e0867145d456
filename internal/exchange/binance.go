package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/skim/internal/domain"
)

const binanceClientOrderPrefix = "skim-"

// BinanceAdapter drives Binance spot through the official REST client.
type BinanceAdapter struct {
	client *binance.Client
}

// NewBinanceAdapter wraps an authenticated Binance client.
func NewBinanceAdapter(client *binance.Client) *BinanceAdapter {
	return &BinanceAdapter{client: client}
}

func (a *BinanceAdapter) Name() string { return "binance" }

func (a *BinanceAdapter) Price(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	prices, err := a.client.NewListPricesService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return decimal.Zero, a.classify(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, NewTransient(a.Name(), fmt.Errorf("empty price response for %s", pair.String()))
	}
	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, NewTransient(a.Name(), errors.Wrap(err, "parse price"))
	}
	return price, nil
}

func (a *BinanceAdapter) Limits(ctx context.Context, pair domain.Pair) (domain.Limits, error) {
	info, err := a.client.NewExchangeInfoService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return domain.Limits{}, a.classify(err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != pair.Symbol() {
			continue
		}
		var limits domain.Limits
		if f := s.LotSizeFilter(); f != nil {
			limits.MinBase, _ = decimal.NewFromString(f.MinQuantity)
			limits.BaseStep, _ = decimal.NewFromString(f.StepSize)
		}
		if f := s.PriceFilter(); f != nil {
			limits.PriceStep, _ = decimal.NewFromString(f.TickSize)
		}
		// notional filter is read raw: binance renamed MIN_NOTIONAL to NOTIONAL
		for _, raw := range s.Filters {
			t, _ := raw["filterType"].(string)
			if t != "MIN_NOTIONAL" && t != "NOTIONAL" {
				continue
			}
			if v, ok := raw["minNotional"].(string); ok {
				limits.MinQuote, _ = decimal.NewFromString(v)
			}
		}
		return limits, nil
	}

	return domain.Limits{}, NewRejected(a.Name(), fmt.Errorf("symbol %s not found in exchange info", pair.Symbol()))
}

func (a *BinanceAdapter) PlaceLimitBuy(ctx context.Context, pair domain.Pair, price, amount decimal.Decimal) (string, error) {
	clientOrderID := binanceClientOrderPrefix + uuid.NewString()
	_, err := a.client.NewCreateOrderService().
		Symbol(pair.Symbol()).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Price(price.String()).
		Quantity(amount.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return "", a.classify(err)
	}
	return clientOrderID, nil
}

func (a *BinanceAdapter) MarketSell(ctx context.Context, pair domain.Pair, amount decimal.Decimal) (domain.Fill, error) {
	clientOrderID := binanceClientOrderPrefix + uuid.NewString()
	resp, err := a.client.NewCreateOrderService().
		Symbol(pair.Symbol()).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(amount.String()).
		NewClientOrderID(clientOrderID).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return domain.Fill{}, a.classify(err)
	}

	executed, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		return domain.Fill{}, NewTransient(a.Name(), errors.Wrap(err, "parse executed quantity"))
	}
	cumQuote, err := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	if err != nil {
		return domain.Fill{}, NewTransient(a.Name(), errors.Wrap(err, "parse quote quantity"))
	}

	avgPrice := decimal.Zero
	if executed.IsPositive() {
		avgPrice = cumQuote.Div(executed)
	}

	fee := decimal.Zero
	for _, f := range resp.Fills {
		c, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		fee = fee.Add(feeInQuote(pair, c, f.CommissionAsset, avgPrice))
	}

	return domain.Fill{
		OrderID:  clientOrderID,
		Amount:   executed,
		AvgPrice: avgPrice,
		Fee:      fee,
		Time:     time.UnixMilli(resp.TransactTime),
	}, nil
}

func (a *BinanceAdapter) OrderStatus(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderStatus, error) {
	order, err := a.client.NewGetOrderService().
		Symbol(pair.Symbol()).
		OrigClientOrderID(orderID).
		Do(ctx)
	if err != nil {
		return domain.OrderStatus{}, a.classify(err)
	}

	executed, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return domain.OrderStatus{}, NewTransient(a.Name(), errors.Wrap(err, "parse executed quantity"))
	}
	cumQuote, _ := decimal.NewFromString(order.CummulativeQuoteQuantity)
	avgPrice := decimal.Zero
	if executed.IsPositive() && cumQuote.IsPositive() {
		avgPrice = cumQuote.Div(executed)
	}

	status := domain.OrderStatus{ID: orderID, FilledBase: executed, AvgPrice: avgPrice}
	switch order.Status {
	case binance.OrderStatusTypeFilled:
		status.State = domain.OrderStateFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		status.State = domain.OrderStateCanceled
	default:
		status.State = domain.OrderStateOpen
	}
	return status, nil
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	_, err := a.client.NewCancelOrderService().
		Symbol(pair.Symbol()).
		OrigClientOrderID(orderID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && (apiErr.Code == -2011 || apiErr.Code == -2013) {
			// order already gone
			return nil
		}
		return a.classify(err)
	}
	return nil
}

func (a *BinanceAdapter) CancelAll(ctx context.Context, pair domain.Pair) error {
	_, err := a.client.NewCancelOpenOrdersService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == -2011 {
			// nothing resting
			return nil
		}
		return a.classify(err)
	}
	return nil
}

func (a *BinanceAdapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, a.classify(err)
	}
	for _, b := range account.Balances {
		if b.Asset != asset {
			continue
		}
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return decimal.Zero, NewTransient(a.Name(), errors.Wrap(err, "parse balance"))
		}
		return free, nil
	}
	return decimal.Zero, nil
}

func (a *BinanceAdapter) Trades(ctx context.Context, pair domain.Pair, since time.Time) ([]domain.Trade, error) {
	raw, err := a.client.NewListTradesService().
		Symbol(pair.Symbol()).
		StartTime(since.UnixMilli()).
		Do(ctx)
	if err != nil {
		return nil, a.classify(err)
	}

	trades := make([]domain.Trade, 0, len(raw))
	for _, t := range raw {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			continue
		}
		amount, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			continue
		}
		side := domain.SideSell
		if t.IsBuyer {
			side = domain.SideBuy
		}
		fee := decimal.Zero
		if c, err := decimal.NewFromString(t.Commission); err == nil {
			fee = feeInQuote(pair, c, t.CommissionAsset, price)
		}
		trades = append(trades, domain.NewTrade(a.Name(), pair, side, price, amount, fee, time.UnixMilli(t.Time)))
	}
	return trades, nil
}

// classify maps binance API errors onto the adapter taxonomy.
func (a *BinanceAdapter) classify(err error) error {
	apiErr, ok := err.(*common.APIError)
	if !ok {
		return NewTransient(a.Name(), err)
	}
	switch apiErr.Code {
	case -1022, -2014, -2015:
		// signature / API key problems
		return NewFatal(a.Name(), err)
	case -1013, -1111, -1121, -2010, -2011:
		// filter failures, bad symbol, order rejected
		return NewRejected(a.Name(), err)
	default:
		return NewTransient(a.Name(), err)
	}
}

// feeInQuote converts a commission into quote currency. Commissions paid in
// a third asset (e.g. BNB) are not convertible here and count as zero.
func feeInQuote(pair domain.Pair, fee decimal.Decimal, feeAsset string, price decimal.Decimal) decimal.Decimal {
	switch feeAsset {
	case pair.Quote:
		return fee
	case pair.Base:
		return fee.Mul(price)
	default:
		return decimal.Zero
	}
}
