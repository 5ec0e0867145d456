package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState reported by an exchange for a working order.
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStateFilled   OrderState = "filled"
	OrderStateCanceled OrderState = "canceled"
)

// OrderStatus is the normalized view of a working order.
type OrderStatus struct {
	ID         string
	State      OrderState
	FilledBase decimal.Decimal
	AvgPrice   decimal.Decimal
}

// Limits are the venue trading rules for a pair.
type Limits struct {
	// MinBase minimal order size in base currency.
	MinBase decimal.Decimal
	// MinQuote minimal order notional in quote currency.
	MinQuote decimal.Decimal
	// BaseStep amount step size (order sizes are floored to it).
	BaseStep decimal.Decimal
	// PriceStep price tick size.
	PriceStep decimal.Decimal
}

// ClampAmount floors the amount to the base step size.
func (l Limits) ClampAmount(amount decimal.Decimal) decimal.Decimal {
	if l.BaseStep.IsZero() {
		return amount
	}
	return amount.Div(l.BaseStep).Floor().Mul(l.BaseStep)
}

// ClampPrice floors the price to the tick size.
func (l Limits) ClampPrice(price decimal.Decimal) decimal.Decimal {
	if l.PriceStep.IsZero() {
		return price
	}
	return price.Div(l.PriceStep).Floor().Mul(l.PriceStep)
}

// Fill is the result of an executed order.
type Fill struct {
	OrderID  string
	Amount   decimal.Decimal
	AvgPrice decimal.Decimal
	Fee      decimal.Decimal
	Time     time.Time
}
