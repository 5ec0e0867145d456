package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is one settled fill leg. Append-only once emitted.
//
// QuoteValue is signed: negative for BUY, positive for SELL, so that
// NET = sum of QuoteValue over a window yields the realized result directly.
// Fee is tracked separately and is not folded into QuoteValue.
type Trade struct {
	Exchange   string          `json:"exchange"`
	Pair       Pair            `json:"pair"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	QuoteValue decimal.Decimal `json:"quote_value"`
	Fee        decimal.Decimal `json:"fee"`
	Time       time.Time       `json:"time"`
}

// Key returns the "exchange:pair" aggregation key.
func (t Trade) Key() string {
	return fmt.Sprintf("%s:%s", t.Exchange, t.Pair.String())
}

// NewTrade builds a trade record with the quote value signed by side.
func NewTrade(exchange string, pair Pair, side Side, price, amount, fee decimal.Decimal, at time.Time) Trade {
	qv := price.Mul(amount)
	if side == SideBuy {
		qv = qv.Neg()
	}
	return Trade{
		Exchange:   exchange,
		Pair:       pair,
		Side:       side,
		Price:      price,
		Amount:     amount,
		QuoteValue: qv,
		Fee:        fee,
		Time:       at,
	}
}
