package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hodl_index/internal/bot"
	"hodl_index/internal/cache"
	"hodl_index/internal/config"
	"hodl_index/internal/dashboard"
	"hodl_index/internal/executor"
	"hodl_index/internal/logger"
	"hodl_index/internal/market"
	"hodl_index/internal/market/alpaca"
	"hodl_index/internal/market/coingecko"
	"hodl_index/internal/market/paper"
	"hodl_index/internal/metrics"
	"hodl_index/internal/notifications"
	"hodl_index/internal/portfolio"
	"hodl_index/internal/scheduler"
	"hodl_index/internal/storage"
	"hodl_index/internal/telegram"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const VersionFile = "version.latest"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
	}
	cfg.Version = readVersion()

	closer, err := logger.Setup(logger.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	defer closer.Close()
	config.LogEnvFile()

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("hodl_index stopped with error")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", cfg.Version).
		Str("exchange", cfg.Exchange.Name).
		Bool("test_mode", cfg.TestMode).
		Str("portfolio", cfg.Portfolio.ID).
		Int("plans", len(cfg.SavingsPlans)).
		Msg("hodl_index starting")

	store, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	caps := coingecko.New(coingecko.Options{
		BaseURL:       cfg.MarketData.CoinGeckoURL,
		APIKey:        cfg.Secrets.CoinGeckoAPIKey,
		Timeout:       cfg.MarketData.Timeout,
		RatePerMinute: cfg.MarketData.RatePerMinute,
	})
	ex := newExchange(cfg, caps)
	gw := market.NewGateway(ex, caps, store, market.GatewayOptions{
		Quote:    cfg.BaseSymbol,
		CacheTTL: cfg.MarketData.CacheTTL,
		Timeout:  cfg.MarketData.Timeout,
	}).WithHistory(caps)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.StateFile), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	journal, err := storage.OpenJournal(cfg.Storage.JournalDir, vfs.Default)
	if err != nil {
		return err
	}
	closeJournal := true
	defer func() {
		if !closeJournal {
			return
		}
		if err := journal.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close journal")
		}
	}()
	fills, err := journal.Fills(time.Time{}, 0)
	if err != nil {
		return fmt.Errorf("read fill log: %w", err)
	}
	pf := portfolio.Rebuild(fills)
	log.Info().Int("fills", len(fills)).Msg("portfolio rebuilt from fill log")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	exec := executor.New(ex, journal, pf, executor.Options{
		MaxRetries:     cfg.Executor.MaxRetries,
		BackoffMin:     cfg.Executor.BackoffMin,
		BackoffMax:     cfg.Executor.BackoffMax,
		CallTimeout:    cfg.Executor.CallTimeout,
		PollInterval:   cfg.Executor.FillPollInterval,
		PollAttempts:   cfg.Executor.FillPollAttempts,
		MinOrderValue:  decimal.NewFromFloat(cfg.Portfolio.MinOrderValue),
		QuotePrecision: cfg.Portfolio.QuotePrecision,
	}, rec)

	notifier := notifications.Multi{notifications.Log{}}
	var tg *telegram.Client
	if cfg.Secrets.TelegramEnabled() {
		tg = telegram.New(telegram.Options{
			Token:  cfg.Secrets.TelegramToken,
			ChatID: cfg.Secrets.TelegramChatID,
		})
		notifier = append(notifier, tg)
	} else {
		log.Warn().Msg("telegram not configured, chat commands and confirmations are unavailable")
	}

	b, err := bot.New(cfg, gw, exec, pf, journal, notifier, rec)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{
		PortfolioID:     cfg.Portfolio.ID,
		Location:        cfg.Location,
		Tick:            cfg.Scheduler.Tick,
		Tolerance:       cfg.Scheduler.Tolerance,
		CatchUpMissed:   cfg.Scheduler.CatchUpMissed,
		ConfirmationTTL: cfg.Scheduler.ConfirmationTTL,
		LockTTL:         cfg.Scheduler.LockTTL,
		Heartbeat:       time.Duration(cfg.Scheduler.HeartbeatHours) * time.Hour,
	}, cfg.SavingsPlans, storage.NewStateStore(cfg.Storage.StateFile), store, b, notifier)
	if err != nil {
		return err
	}
	sched.OnHeartbeat = b.Heartbeat
	b.AttachScheduler(sched)

	b.Start(ctx)

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(cfg.Dashboard, b, journal, reg, cfg.BaseCurrency, cfg.Version)
		dash.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	if tg != nil {
		g.Go(func() error {
			tg.Listen(gctx, b)
			return nil
		})
	}

	<-ctx.Done()
	log.Warn().Msg("shutdown signal received")
	_ = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dashboard.ShutdownTimeout)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		// The cycle may still write to the journal.
		closeJournal = false
		log.Error().Err(err).Msg("in-flight cycle did not finish before the shutdown deadline")
	}
	if dash != nil {
		if err := dash.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("dashboard shutdown failed")
		}
	}
	b.Stop(shutdownCtx)
	return nil
}

// openCache returns the shared cache and lock service: Redis when enabled,
// otherwise process memory.
func openCache(ctx context.Context, cfg *config.Config) (cache.Service, error) {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache(), nil
	}
	rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Secrets.RedisPassword,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info().Str("host", cfg.Redis.Host).Int("port", cfg.Redis.Port).Msg("using redis cache")
	return rc, nil
}

func newExchange(cfg *config.Config, caps *coingecko.Client) market.Exchange {
	if cfg.Exchange.Name == "paper" {
		quote := cfg.BaseSymbol
		prices := func(ctx context.Context, symbol string) (decimal.Decimal, error) {
			return caps.GetPrice(ctx, symbol, quote)
		}
		return paper.New(prices, quote, decimal.NewFromFloat(cfg.Exchange.PaperQuoteBalance))
	}
	baseURL := cfg.Exchange.BaseURL
	if baseURL == "" && cfg.TestMode {
		baseURL = alpaca.PaperURL
	}
	return alpaca.NewProvider(alpaca.Options{
		APIKey:    cfg.Secrets.AlpacaKeyID,
		APISecret: cfg.Secrets.AlpacaSecretKey,
		BaseURL:   baseURL,
		Quote:     cfg.BaseSymbol,
		Timeout:   cfg.Executor.CallTimeout,
	})
}

func readVersion() string {
	version, err := os.ReadFile(VersionFile)
	if err != nil {
		return "v0.0.0-dev"
	}
	return strings.TrimSpace(string(version))
}
