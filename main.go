package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pss-watcher/internal/auth"
	"pss-watcher/internal/bot"
	"pss-watcher/internal/catalog"
	"pss-watcher/internal/config"
	"pss-watcher/internal/db"
	"pss-watcher/internal/logger"
	"pss-watcher/internal/notify"
	"pss-watcher/internal/pss"
	"pss-watcher/internal/schedule"
	"pss-watcher/internal/watch"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	flag.Parse()

	logger.Banner(version)

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("MAIN", err.Error())
		os.Exit(1)
	}
	logger.Info("MAIN", "Stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", configPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open SQLite database
	database, err := db.Open(filepath.Join(cfg.DataDir, "pss.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	clock := schedule.Real{}

	devices := auth.NewDeviceStore(database.SqlDB())
	state, err := devices.Load()
	if err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	device := auth.NewDevice(state, cfg.API.BaseURL, devices, clock)
	if state == nil {
		logger.Info("AUTH", "Registered new device "+device.Key())
	}

	client := pss.NewClient(device, pss.Options{
		BaseURL:       cfg.API.BaseURL,
		MaxConcurrent: cfg.API.MaxConcurrent,
		MinInterval:   time.Duration(cfg.API.MinIntervalMS) * time.Millisecond,
		Timeout:       config.Seconds(cfg.API.TimeoutSeconds, 30*time.Second),
		Clock:         clock,
	})

	cat, err := catalog.Load(ctx, cfg.DataDir, client)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	chatID := strconv.FormatInt(cfg.Telegram.ChatID, 10)
	tg := notify.NewTelegram("", cfg.Telegram.Token, chatID)
	notifier := watch.NewNotifier(tg, database, clock)

	market, err := watch.NewMarketWatcher(client, database, cat, notifier, clock, watch.MarketOptions{
		Poll:       config.Seconds(cfg.Market.PollSeconds, 0),
		Window:     cfg.Market.Window,
		Resync:     time.Duration(cfg.Market.ResyncMinutes) * time.Minute,
		Lookback:   time.Duration(cfg.Market.LookbackDays) * 24 * time.Hour,
		MaxSamples: cfg.Market.MaxSamples,
	})
	if err != nil {
		return err
	}
	trader, err := watch.NewTraderWatcher(client, database, cat, notifier, clock, watch.TraderOptions{
		Retry:  config.Seconds(cfg.Trader.RetrySeconds, 0),
		Buffer: config.Seconds(cfg.Trader.BufferSeconds, 0),
	})
	if err != nil {
		return err
	}
	fleet, err := watch.NewFleetWatcher(client, database, cat, notifier, clock, watch.FleetOptions{
		Poll: config.Seconds(cfg.Fleet.PollSeconds, 0),
		Idle: config.Seconds(cfg.Fleet.IdleSeconds, 0),
	})
	if err != nil {
		return err
	}

	if n, err := database.CleanupOldAlertHistory(30); err == nil && n > 0 {
		logger.Info("DB", fmt.Sprintf("Pruned %d old alerts", n))
	}

	b := bot.New(tg, chatID, bot.NewHandler(market, trader, fleet, database, cat, clock), clock)

	logger.Section("Watchers")
	logger.Stats("Market items", len(market.List()))
	logger.Stats("Trader items", len(trader.List()))
	logger.Stats("Crew stats", len(fleet.CrewStats()))
	if last, err := database.LastListingID(); err == nil && last > 0 {
		logger.Stats("Last tracked listing", last)
	}

	// Each loop logs and retries its own failures; only cancellation ends one.
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return market.Run(ctx) })
	g.Go(func() error { return trader.Run(ctx) })
	g.Go(func() error { return fleet.Run(ctx) })
	g.Go(func() error { return b.Run(ctx) })
	logger.Success("MAIN", "Watching")
	return g.Wait()
}
