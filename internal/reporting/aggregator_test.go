package reporting

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/skim/internal/domain"
	"go.uber.org/zap"
)

type captureEmitter struct {
	reports  chan Report
	failures atomic.Int32
	calls    atomic.Int32
}

func newCaptureEmitter() *captureEmitter {
	return &captureEmitter{reports: make(chan Report, 8)}
}

func (e *captureEmitter) Emit(_ context.Context, report Report) error {
	e.calls.Add(1)
	if e.failures.Load() > 0 {
		e.failures.Add(-1)
		return errors.New("sink unavailable")
	}
	e.reports <- report
	return nil
}

var testPair = domain.Pair{Base: "BTC", Quote: "USDT"}

func tradeAt(side domain.Side, price, amount int64, at time.Time) domain.Trade {
	return domain.NewTrade("binance", testPair, side,
		decimal.NewFromInt(price), decimal.NewFromInt(amount), decimal.RequireFromString("0.1"), at)
}

func TestValidateWindow(t *testing.T) {
	assert.NoError(t, ValidateWindow(time.Minute))
	assert.NoError(t, ValidateWindow(5*time.Minute))
	assert.NoError(t, ValidateWindow(60*time.Minute))
	assert.Error(t, ValidateWindow(7*time.Minute))
	assert.Error(t, ValidateWindow(0))
}

func TestFlushReconcilesNet(t *testing.T) {
	emitter := newCaptureEmitter()
	agg, err := NewAggregator(time.Minute, 16, emitter, zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC()
	// buy 2 BTC at 100, sell 2 BTC at 110: net is +20 before fees
	agg.accumulate(tradeAt(domain.SideBuy, 100, 2, now))
	agg.accumulate(tradeAt(domain.SideSell, 110, 2, now))
	agg.flush(now)

	select {
	case report := <-emitter.reports:
		require.Len(t, report.Rows, 1)
		row := report.Rows[0]
		assert.Equal(t, "binance", row.Exchange)
		assert.Equal(t, "BTC_USDT", row.Pair)
		assert.Equal(t, 1, row.BuyCount)
		assert.Equal(t, 1, row.SellCount)
		assert.True(t, row.BuyQuote.Equal(decimal.NewFromInt(200)))
		assert.True(t, row.SellQuote.Equal(decimal.NewFromInt(220)))
		assert.True(t, row.NetQuote.Equal(decimal.NewFromInt(20)),
			"net is the signed sum of quote values")
		assert.True(t, row.Fees.Equal(decimal.RequireFromString("0.2")),
			"fees accumulate separately from net")
		assert.True(t, report.Total.NetQuote.Equal(decimal.NewFromInt(20)))
	case <-time.After(2 * time.Second):
		t.Fatal("report was not emitted")
	}
}

func TestFlushAddsTotalAcrossPairs(t *testing.T) {
	emitter := newCaptureEmitter()
	agg, err := NewAggregator(time.Minute, 16, emitter, zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC()
	agg.accumulate(tradeAt(domain.SideSell, 100, 1, now))
	agg.accumulate(domain.NewTrade("bybit", domain.Pair{Base: "ETH", Quote: "USDT"},
		domain.SideSell, decimal.NewFromInt(50), decimal.NewFromInt(2), decimal.Zero, now))
	agg.flush(now)

	select {
	case report := <-emitter.reports:
		require.Len(t, report.Rows, 2)
		assert.Equal(t, TotalKey, report.Total.Exchange)
		assert.Equal(t, 2, report.Total.SellCount)
		assert.True(t, report.Total.NetQuote.Equal(decimal.NewFromInt(200)), "100 + 2*50")
	case <-time.After(2 * time.Second):
		t.Fatal("report was not emitted")
	}
}

func TestOfferNeverBlocks(t *testing.T) {
	emitter := newCaptureEmitter()
	agg, err := NewAggregator(time.Minute, 1, emitter, zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC()
	done := make(chan struct{})
	go func() {
		defer close(done)
		// nobody consumes the queue, extra trades must be dropped
		agg.Offer(tradeAt(domain.SideBuy, 100, 1, now))
		agg.Offer(tradeAt(domain.SideBuy, 100, 1, now))
		agg.Offer(tradeAt(domain.SideBuy, 100, 1, now))
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Offer blocked on a full queue")
	}
	assert.Equal(t, uint64(2), agg.Summary().Dropped)
}

func TestEmitterFailuresAreRetried(t *testing.T) {
	emitter := newCaptureEmitter()
	emitter.failures.Store(1)
	agg, err := NewAggregator(time.Minute, 16, emitter, zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC()
	agg.accumulate(tradeAt(domain.SideSell, 100, 1, now))
	agg.flush(now)

	select {
	case <-emitter.reports:
		assert.GreaterOrEqual(t, emitter.calls.Load(), int32(2), "the failed attempt was retried")
	case <-time.After(10 * time.Second):
		t.Fatal("report did not arrive after retry")
	}
}

func TestSummaryIncludesOpenInterval(t *testing.T) {
	emitter := newCaptureEmitter()
	agg, err := NewAggregator(time.Minute, 16, emitter, zap.NewNop())
	require.NoError(t, err)

	now := time.Now().UTC()
	agg.accumulate(tradeAt(domain.SideSell, 100, 3, now))

	summary := agg.Summary()
	row, ok := summary.Rows["binance:BTC_USDT"]
	require.True(t, ok, "the open interval shows up in the summary")
	assert.Equal(t, 1, row.SellCount)
	assert.True(t, row.NetQuote.Equal(decimal.NewFromInt(300)))
}

func TestRunFlushesOnShutdown(t *testing.T) {
	emitter := newCaptureEmitter()
	agg, err := NewAggregator(time.Minute, 16, emitter, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agg.Run(ctx)
	}()

	agg.Offer(tradeAt(domain.SideSell, 100, 1, time.Now().UTC()))
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not stop")
	}

	select {
	case report := <-emitter.reports:
		require.Len(t, report.Rows, 1)
		assert.Equal(t, 1, report.Rows[0].SellCount)
	case <-time.After(time.Second):
		t.Fatal("final partial interval was not flushed")
	}
}

func TestFormatReport(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	row := emptyRow("binance", "BTC_USDT", now, now.Add(5*time.Minute))
	row.add(domain.NewTrade("binance", testPair, domain.SideSell,
		decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero, now))

	report := Report{
		IntervalStart: now,
		IntervalEnd:   now.Add(5 * time.Minute),
		Rows:          []Row{row},
		Total:         row,
	}

	text := FormatReport(report)
	assert.Contains(t, text, "binance BTC_USDT")
	assert.Contains(t, text, "net 100.0000")
	assert.Contains(t, text, "total:")
}

func TestRowJSONFieldNames(t *testing.T) {
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	row := emptyRow("binance", "BTC_USDT", now, now.Add(5*time.Minute))
	row.add(domain.NewTrade("binance", testPair, domain.SideBuy,
		decimal.NewFromInt(100), decimal.NewFromInt(1), decimal.Zero, now))

	raw, err := json.Marshal(row)
	require.NoError(t, err)
	for _, field := range []string{"buy_quote_value", "sell_quote_value", "net_quote_value", "fees"} {
		assert.Contains(t, string(raw), `"`+field+`"`)
	}
}
