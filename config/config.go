// Package config loads the yaml configuration file and venue credentials.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/skim/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the parsed application configuration.
type Config struct {
	Pairs     []domain.PairConfig
	Engine    EngineConfig
	Report    ReportConfig
	Telemetry TelemetryConfig
	Web       WebConfig
	WalDir    string
}

type EngineConfig struct {
	TickInterval       time.Duration
	MaxConcurrentPairs int
	ShutdownTimeout    time.Duration
}

type ReportConfig struct {
	Window    time.Duration
	QueueSize int
}

type TelemetryConfig struct {
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
}

type WebConfig struct {
	Addr string
}

// Credentials are venue secrets, read from the environment so they never end
// up in the config file.
type Credentials struct {
	BinanceKey     string
	BinanceSecret  string
	BybitKey       string
	BybitSecret    string
	HyperliquidKey string
	HyperliquidURL string
	TelegramToken  string
	TelegramChatID string
}

type configTmp struct {
	Pairs []pairTmp `yaml:"pairs"`

	Engine struct {
		TickInterval       time.Duration `yaml:"tick_interval,omitempty"`
		MaxConcurrentPairs int           `yaml:"max_concurrent_pairs,omitempty"`
		ShutdownTimeout    time.Duration `yaml:"shutdown_timeout,omitempty"`
	} `yaml:"engine"`

	Report struct {
		Window    time.Duration `yaml:"window,omitempty"`
		QueueSize int           `yaml:"queue_size,omitempty"`
	} `yaml:"report"`

	Telemetry struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
		StaleAfter        time.Duration `yaml:"stale_after,omitempty"`
	} `yaml:"telemetry"`

	Web struct {
		Addr string `yaml:"addr,omitempty"`
	} `yaml:"web"`

	WalDir string `yaml:"wal_dir,omitempty"`
}

type pairTmp struct {
	Exchange     string `yaml:"exchange"`
	Pair         string `yaml:"pair"`
	QuoteBudget  string `yaml:"quote_budget"`
	DeviationPct string `yaml:"deviation_pct"`
	GapMode      string `yaml:"gap_mode,omitempty"`
	Active       *bool  `yaml:"active,omitempty"`
}

// Get parses the --config flag and loads the yaml file it points to.
func Get() (Config, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()
	return getYaml(*path)
}

func getYaml(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp configTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Engine: EngineConfig{
			TickInterval:       tmp.Engine.TickInterval,
			MaxConcurrentPairs: tmp.Engine.MaxConcurrentPairs,
			ShutdownTimeout:    tmp.Engine.ShutdownTimeout,
		},
		Report: ReportConfig{
			Window:    tmp.Report.Window,
			QueueSize: tmp.Report.QueueSize,
		},
		Telemetry: TelemetryConfig{
			HeartbeatInterval: tmp.Telemetry.HeartbeatInterval,
			StaleAfter:        tmp.Telemetry.StaleAfter,
		},
		Web:    WebConfig{Addr: tmp.Web.Addr},
		WalDir: tmp.WalDir,
	}
	if cfg.Report.Window <= 0 {
		cfg.Report.Window = 5 * time.Minute
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}

	for _, p := range tmp.Pairs {
		pc, err := parsePair(p)
		if err != nil {
			return Config{}, err
		}
		cfg.Pairs = append(cfg.Pairs, pc)
	}
	return cfg, nil
}

func parsePair(p pairTmp) (domain.PairConfig, error) {
	pair, err := domain.ParsePair(p.Pair)
	if err != nil {
		return domain.PairConfig{}, fmt.Errorf("incorrect 'pair' param in yaml config: %s, error: %w", p.Pair, err)
	}
	budget, err := decimal.NewFromString(p.QuoteBudget)
	if err != nil {
		return domain.PairConfig{}, fmt.Errorf("incorrect 'quote_budget' param for %s, error: %w", p.Pair, err)
	}
	deviation := decimal.Zero
	if p.DeviationPct != "" {
		deviation, err = decimal.NewFromString(p.DeviationPct)
		if err != nil {
			return domain.PairConfig{}, fmt.Errorf("incorrect 'deviation_pct' param for %s, error: %w", p.Pair, err)
		}
	}
	mode, err := domain.ParseGapMode(p.GapMode)
	if err != nil {
		return domain.PairConfig{}, fmt.Errorf("incorrect 'gap_mode' param for %s, error: %w", p.Pair, err)
	}
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return domain.PairConfig{
		Exchange:     p.Exchange,
		Pair:         pair,
		QuoteBudget:  budget,
		DeviationPct: deviation,
		GapMode:      mode,
		Active:       active,
	}, nil
}

// GetCredentials reads venue secrets from the environment.
func GetCredentials() Credentials {
	return Credentials{
		BinanceKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceSecret:  os.Getenv("BINANCE_API_SECRET"),
		BybitKey:       os.Getenv("BYBIT_API_KEY"),
		BybitSecret:    os.Getenv("BYBIT_API_SECRET"),
		HyperliquidKey: os.Getenv("HYPERLIQUID_PRIVATE_KEY"),
		HyperliquidURL: os.Getenv("HYPERLIQUID_BASE_URL"),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),
	}
}
