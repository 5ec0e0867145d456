package reporting

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// LogEmitter writes each report row to the structured log.
type LogEmitter struct {
	logger *zap.Logger
}

func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, report Report) error {
	for _, row := range report.Rows {
		e.logger.Info("report row",
			zap.String("exchange", row.Exchange),
			zap.String("pair", row.Pair),
			zap.Time("interval_start", row.IntervalStart),
			zap.Time("interval_end", row.IntervalEnd),
			zap.Int("buys", row.BuyCount),
			zap.Int("sells", row.SellCount),
			zap.String("buy_volume", row.BuyVolume.String()),
			zap.String("sell_volume", row.SellVolume.String()),
			zap.String("fees", row.Fees.String()),
			zap.String("net_quote", row.NetQuote.String()),
		)
	}
	e.logger.Info("report total",
		zap.Time("interval_start", report.Total.IntervalStart),
		zap.Time("interval_end", report.Total.IntervalEnd),
		zap.Int("buys", report.Total.BuyCount),
		zap.Int("sells", report.Total.SellCount),
		zap.String("fees", report.Total.Fees.String()),
		zap.String("net_quote", report.Total.NetQuote.String()),
	)
	return nil
}

// Notifier delivers a formatted message to an external channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// NotifierEmitter renders the report as text and pushes it to a notifier.
type NotifierEmitter struct {
	notifier Notifier
}

func NewNotifierEmitter(n Notifier) *NotifierEmitter {
	return &NotifierEmitter{notifier: n}
}

func (e *NotifierEmitter) Emit(ctx context.Context, report Report) error {
	return e.notifier.Send(ctx, FormatReport(report))
}

// FormatReport renders a report as a compact text block, one line per pair
// and a closing total line.
func FormatReport(report Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "report %s .. %s\n",
		report.IntervalStart.Format("15:04"), report.IntervalEnd.Format("15:04"))
	for _, row := range report.Rows {
		fmt.Fprintf(&b, "%s %s: buys %d (%s), sells %d (%s), fees %s, net %s\n",
			row.Exchange, row.Pair,
			row.BuyCount, row.BuyQuote.StringFixed(4),
			row.SellCount, row.SellQuote.StringFixed(4),
			row.Fees.StringFixed(4),
			row.NetQuote.StringFixed(4))
	}
	fmt.Fprintf(&b, "total: buys %d, sells %d, fees %s, net %s",
		report.Total.BuyCount, report.Total.SellCount,
		report.Total.Fees.StringFixed(4), report.Total.NetQuote.StringFixed(4))
	return b.String()
}

// MultiEmitter fans a report out to several emitters. The first error is
// returned after all emitters have been tried.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, report Report) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}
