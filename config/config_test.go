package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/skim/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGetYaml(t *testing.T) {
	path := writeConfig(t, `
pairs:
  - exchange: binance
    pair: BTC_USDT
    quote_budget: "100"
    deviation_pct: "0.5"
    gap_mode: symmetric
  - exchange: bybit
    pair: ETH_USDT
    quote_budget: "50"
    active: false
engine:
  tick_interval: 3s
  max_concurrent_pairs: 4
  shutdown_timeout: 20s
report:
  window: 15m
  queue_size: 512
telemetry:
  heartbeat_interval: 30m
  stale_after: 45m
web:
  addr: ":9090"
wal_dir: /tmp/skim-wal
`)

	cfg, err := getYaml(path)
	require.NoError(t, err)

	require.Len(t, cfg.Pairs, 2)

	first := cfg.Pairs[0]
	assert.Equal(t, "binance", first.Exchange)
	assert.Equal(t, domain.Pair{Base: "BTC", Quote: "USDT"}, first.Pair)
	assert.True(t, first.QuoteBudget.Equal(decimal.NewFromInt(100)))
	assert.True(t, first.DeviationPct.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, domain.GapModeSymmetric, first.GapMode)
	assert.True(t, first.Active, "active defaults to true")

	second := cfg.Pairs[1]
	assert.False(t, second.Active)
	assert.Equal(t, domain.GapModeDownOnly, second.GapMode, "missing gap mode falls back to the default")
	assert.True(t, second.DeviationPct.IsZero())

	assert.Equal(t, 3*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentPairs)
	assert.Equal(t, 20*time.Second, cfg.Engine.ShutdownTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Report.Window)
	assert.Equal(t, 512, cfg.Report.QueueSize)
	assert.Equal(t, 30*time.Minute, cfg.Telemetry.HeartbeatInterval)
	assert.Equal(t, 45*time.Minute, cfg.Telemetry.StaleAfter)
	assert.Equal(t, ":9090", cfg.Web.Addr)
	assert.Equal(t, "/tmp/skim-wal", cfg.WalDir)
}

func TestGetYamlDefaults(t *testing.T) {
	path := writeConfig(t, `
pairs:
  - exchange: binance
    pair: BTC_USDT
    quote_budget: "100"
`)

	cfg, err := getYaml(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Report.Window)
	assert.Equal(t, ":8080", cfg.Web.Addr)
}

func TestGetYamlRejectsBadValues(t *testing.T) {
	_, err := getYaml(writeConfig(t, `
pairs:
  - exchange: binance
    pair: BTCUSDT
    quote_budget: "100"
`))
	assert.Error(t, err, "malformed pair is rejected")

	_, err = getYaml(writeConfig(t, `
pairs:
  - exchange: binance
    pair: BTC_USDT
    quote_budget: "a lot"
`))
	assert.Error(t, err, "non-numeric budget is rejected")

	_, err = getYaml(writeConfig(t, `
pairs:
  - exchange: binance
    pair: BTC_USDT
    quote_budget: "100"
    gap_mode: sideways
`))
	assert.Error(t, err, "unknown gap mode is rejected")

	_, err = getYaml(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "missing file is reported")
}

func TestGetCredentialsFromEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "k1")
	t.Setenv("BINANCE_API_SECRET", "s1")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")

	creds := GetCredentials()
	assert.Equal(t, "k1", creds.BinanceKey)
	assert.Equal(t, "s1", creds.BinanceSecret)
	assert.Equal(t, "tok", creds.TelegramToken)
}
