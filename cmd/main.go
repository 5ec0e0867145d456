package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/skim/config"
	"github.com/vadiminshakov/skim/internal/clients"
	"github.com/vadiminshakov/skim/internal/engine"
	"github.com/vadiminshakov/skim/internal/exchange"
	"github.com/vadiminshakov/skim/internal/reporting"
	"github.com/vadiminshakov/skim/internal/storage/pairs"
	"github.com/vadiminshakov/skim/internal/telemetry"
	"github.com/vadiminshakov/skim/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Get()
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}
	creds := config.GetCredentials()

	registry := exchange.NewRegistry()
	registerVenues(registry, creds, logger)

	store, err := pairs.NewWALStore(cfg.WalDir)
	if err != nil {
		logger.Fatal("failed to open pairs store", zap.Error(err))
	}
	defer store.Close()

	if err := seedPairs(store, cfg, registry, logger); err != nil {
		logger.Fatal("failed to seed pairs", zap.Error(err))
	}

	var notifier telemetry.Notifier
	if creds.TelegramToken != "" && creds.TelegramChatID != "" {
		notifier = telemetry.NewTelegramNotifier(creds.TelegramToken, creds.TelegramChatID)
	} else {
		logger.Info("telegram credentials not set, telemetry goes to the log")
		notifier = telemetry.NewLogNotifier(logger)
	}

	aggregator, err := reporting.NewAggregator(
		cfg.Report.Window,
		cfg.Report.QueueSize,
		reporting.MultiEmitter{
			reporting.NewLogEmitter(logger),
			reporting.NewNotifierEmitter(notifier),
		},
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create report aggregator", zap.Error(err))
	}

	var eng *engine.Engine
	monitor := telemetry.NewMonitor(notifier, logger,
		telemetry.WithHeartbeatInterval(cfg.Telemetry.HeartbeatInterval),
		telemetry.WithStaleAfter(cfg.Telemetry.StaleAfter),
		telemetry.WithStatus(func() string {
			if eng == nil {
				return ""
			}
			st := eng.Status()
			return fmt.Sprintf("paused=%v cycles=%d pairs_version=%d", st.Paused, len(st.Cycles), st.PairsVersion)
		}),
	)

	eng = engine.New(registry, store, aggregator, monitor, logger, engine.Config{
		TickInterval:       cfg.Engine.TickInterval,
		MaxConcurrentPairs: cfg.Engine.MaxConcurrentPairs,
		ShutdownTimeout:    cfg.Engine.ShutdownTimeout,
	})

	server := web.NewServer(cfg.Web.Addr, store, aggregator, eng, registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return aggregator.Run(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return server.Start(ctx) })

	logger.Info("started", zap.String("web", cfg.Web.Addr))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error(err.Error())
	}
}

// registerVenues installs a lazy factory per venue with configured
// credentials. Adapters are constructed on first use by the registry.
func registerVenues(registry *exchange.Registry, creds config.Credentials, logger *zap.Logger) {
	if creds.BinanceKey != "" {
		registry.Register("binance", func() (exchange.Adapter, error) {
			return exchange.NewBinanceAdapter(clients.NewBinanceClient(creds.BinanceKey, creds.BinanceSecret)), nil
		})
	}
	if creds.BybitKey != "" {
		registry.Register("bybit", func() (exchange.Adapter, error) {
			return exchange.NewBybitAdapter(clients.NewBybitClient(creds.BybitKey, creds.BybitSecret)), nil
		})
	}
	if creds.HyperliquidKey != "" {
		registry.Register("hyperliquid", func() (exchange.Adapter, error) {
			client, err := clients.NewHyperliquidClient(creds.HyperliquidKey, creds.HyperliquidURL)
			if err != nil {
				return nil, err
			}
			return exchange.NewHyperliquidAdapter(client.Exchange(), client.AccountAddress())
		})
	}
	logger.Info("registered exchanges", zap.Strings("ids", registry.Exchanges()))
}

// seedPairs writes the configured pairs as the first snapshot when the store
// is empty. Later edits go through the admin surface and win over the file.
func seedPairs(store *pairs.WALStore, cfg config.Config, registry *exchange.Registry, logger *zap.Logger) error {
	latest, err := store.Latest()
	if err != nil {
		return err
	}
	if latest.Version != 0 {
		logger.Info("pairs snapshot recovered", zap.Uint64("version", latest.Version), zap.Int("pairs", len(latest.Pairs)))
		return nil
	}
	if len(cfg.Pairs) == 0 {
		return nil
	}
	for _, pc := range cfg.Pairs {
		if !registry.Known(pc.Exchange) {
			return errors.Wrapf(exchange.ErrUnknownExchange, "pair %s", pc.Key())
		}
	}
	snap, err := store.Save(cfg.Pairs)
	if err != nil {
		return err
	}
	logger.Info("pairs snapshot seeded", zap.Uint64("version", snap.Version), zap.Int("pairs", len(snap.Pairs)))
	return nil
}
