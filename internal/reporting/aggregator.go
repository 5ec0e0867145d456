// Package reporting aggregates settled trades into wall-clock-aligned
// windows and emits per-pair rows with a grand total.
package reporting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/skim/internal/domain"
	"github.com/vadiminshakov/skim/pkg/retrier"
	"go.uber.org/zap"
)

// TotalKey labels the grand-total row of a report.
const TotalKey = "total"

// allowedWindows are the report intervals that align to wall-clock minutes.
var allowedWindows = []time.Duration{
	time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// ValidateWindow checks the report window against the allowed set.
func ValidateWindow(w time.Duration) error {
	for _, a := range allowedWindows {
		if w == a {
			return nil
		}
	}
	return errors.Errorf("report window %s not allowed, pick one of 1m 5m 10m 15m 30m 60m", w)
}

// Row is the aggregate for one (exchange, pair) over one interval. Quote
// volumes are absolute; NetQuote is the signed sum where buys subtract and
// sells add. Fees are tracked separately and never folded into NetQuote.
type Row struct {
	Exchange      string          `json:"exchange"`
	Pair          string          `json:"pair"`
	IntervalStart time.Time       `json:"interval_start"`
	IntervalEnd   time.Time       `json:"interval_end"`
	BuyCount      int             `json:"buy_count"`
	SellCount     int             `json:"sell_count"`
	BuyVolume     decimal.Decimal `json:"buy_volume"`
	SellVolume    decimal.Decimal `json:"sell_volume"`
	BuyQuote      decimal.Decimal `json:"buy_quote_value"`
	SellQuote     decimal.Decimal `json:"sell_quote_value"`
	Fees          decimal.Decimal `json:"fees"`
	NetQuote      decimal.Decimal `json:"net_quote_value"`
}

func emptyRow(exchange, pair string, start, end time.Time) Row {
	return Row{
		Exchange:      exchange,
		Pair:          pair,
		IntervalStart: start,
		IntervalEnd:   end,
		BuyVolume:     decimal.Zero,
		SellVolume:    decimal.Zero,
		BuyQuote:      decimal.Zero,
		SellQuote:     decimal.Zero,
		Fees:          decimal.Zero,
		NetQuote:      decimal.Zero,
	}
}

func (r *Row) add(t domain.Trade) {
	switch t.Side {
	case domain.SideBuy:
		r.BuyCount++
		r.BuyVolume = r.BuyVolume.Add(t.Amount)
		r.BuyQuote = r.BuyQuote.Add(t.QuoteValue.Abs())
	case domain.SideSell:
		r.SellCount++
		r.SellVolume = r.SellVolume.Add(t.Amount)
		r.SellQuote = r.SellQuote.Add(t.QuoteValue.Abs())
	}
	r.Fees = r.Fees.Add(t.Fee)
	r.NetQuote = r.NetQuote.Add(t.QuoteValue)
}

func (r *Row) merge(o Row) {
	r.BuyCount += o.BuyCount
	r.SellCount += o.SellCount
	r.BuyVolume = r.BuyVolume.Add(o.BuyVolume)
	r.SellVolume = r.SellVolume.Add(o.SellVolume)
	r.BuyQuote = r.BuyQuote.Add(o.BuyQuote)
	r.SellQuote = r.SellQuote.Add(o.SellQuote)
	r.Fees = r.Fees.Add(o.Fees)
	r.NetQuote = r.NetQuote.Add(o.NetQuote)
}

// Report is one closed interval: per-pair rows sorted by key plus a grand
// total covering all of them.
type Report struct {
	IntervalStart time.Time `json:"interval_start"`
	IntervalEnd   time.Time `json:"interval_end"`
	Rows          []Row     `json:"rows"`
	Total         Row       `json:"total"`
}

// Emitter delivers a closed report. Failures are retried by the aggregator
// and never propagate back into trading.
type Emitter interface {
	Emit(ctx context.Context, report Report) error
}

// Summary is the cumulative read-only view served by the admin surface.
type Summary struct {
	Since   time.Time      `json:"since"`
	Rows    map[string]Row `json:"rows"`
	Dropped uint64         `json:"dropped_trades"`
}

// Aggregator consumes trades through a bounded queue so producers never
// block, buckets them by (exchange, pair) and flushes on window boundaries.
type Aggregator struct {
	window  time.Duration
	emitter Emitter
	retry   *retrier.Retrier
	logger  *zap.Logger

	in chan domain.Trade
	wg sync.WaitGroup

	mu      sync.Mutex
	start   time.Time
	current map[string]*Row
	total   map[string]Row
	since   time.Time
	dropped uint64
}

// NewAggregator creates an aggregator flushing every window. The queue holds
// queueSize trades; zero picks a sane default.
func NewAggregator(window time.Duration, queueSize int, emitter Emitter, logger *zap.Logger) (*Aggregator, error) {
	if err := ValidateWindow(window); err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Aggregator{
		window:  window,
		emitter: emitter,
		retry: retrier.New(
			retrier.WithMaxRetries(5),
			retrier.WithInitialInterval(time.Second),
			retrier.WithMaxInterval(30*time.Second),
		),
		logger:  logger,
		in:      make(chan domain.Trade, queueSize),
		current: make(map[string]*Row),
		total:   make(map[string]Row),
		since:   time.Now().UTC(),
	}, nil
}

// Offer hands a trade to the aggregator without blocking. When the queue is
// full the trade is dropped and counted; trading keeps running.
func (a *Aggregator) Offer(trade domain.Trade) {
	select {
	case a.in <- trade:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn("report queue full, trade dropped", zap.String("key", trade.Key()))
	}
}

// Summary returns cumulative per-pair rows since start.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows := make(map[string]Row, len(a.total))
	for k, v := range a.total {
		rows[k] = v
	}
	// fold in the open interval so the view is current
	for k, v := range a.current {
		merged, ok := rows[k]
		if !ok {
			merged = emptyRow(v.Exchange, v.Pair, a.since, time.Time{})
		}
		merged.merge(*v)
		rows[k] = merged
	}
	return Summary{Since: a.since, Rows: rows, Dropped: a.dropped}
}

// Run consumes trades until the context is canceled, flushing on wall-clock
// window boundaries. The final partial interval is flushed on shutdown.
func (a *Aggregator) Run(ctx context.Context) error {
	now := time.Now().UTC()
	a.mu.Lock()
	a.start = now.Truncate(a.window)
	a.mu.Unlock()

	timer := time.NewTimer(time.Until(a.start.Add(a.window)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drainQueue()
			a.flush(time.Now().UTC())
			a.wg.Wait()
			return ctx.Err()
		case trade := <-a.in:
			a.accumulate(trade)
		case <-timer.C:
			end := a.startOfWindow().Add(a.window)
			a.flush(end)
			timer.Reset(time.Until(end.Add(a.window)))
		}
	}
}

func (a *Aggregator) startOfWindow() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.start
}

func (a *Aggregator) drainQueue() {
	for {
		select {
		case trade := <-a.in:
			a.accumulate(trade)
		default:
			return
		}
	}
}

func (a *Aggregator) accumulate(trade domain.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := trade.Key()
	row, ok := a.current[key]
	if !ok {
		r := emptyRow(trade.Exchange, trade.Pair.String(), a.start, a.start.Add(a.window))
		row = &r
		a.current[key] = row
	}
	row.add(trade)
}

// flush closes the interval ending at end, folds rows into the cumulative
// totals and emits the report asynchronously with retries.
func (a *Aggregator) flush(end time.Time) {
	a.mu.Lock()
	start := a.start
	report := Report{
		IntervalStart: start,
		IntervalEnd:   end,
		Total:         emptyRow(TotalKey, "", start, end),
	}
	for key, row := range a.current {
		row.IntervalEnd = end
		report.Rows = append(report.Rows, *row)
		report.Total.merge(*row)

		cum, ok := a.total[key]
		if !ok {
			cum = emptyRow(row.Exchange, row.Pair, a.since, end)
		}
		cum.merge(*row)
		cum.IntervalEnd = end
		a.total[key] = cum
	}
	a.current = make(map[string]*Row)
	a.start = end
	a.mu.Unlock()

	sort.Slice(report.Rows, func(i, j int) bool {
		if report.Rows[i].Exchange != report.Rows[j].Exchange {
			return report.Rows[i].Exchange < report.Rows[j].Exchange
		}
		return report.Rows[i].Pair < report.Rows[j].Pair
	})

	if len(report.Rows) == 0 {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		err := a.retry.Do(ctx, func(ctx context.Context) error {
			return a.emitter.Emit(ctx, report)
		})
		if err != nil {
			a.logger.Error("report emit failed after retries",
				zap.Time("interval_end", report.IntervalEnd), zap.Error(err))
		}
	}()
}
