// Package main runs the X monitor Telegram bot: chat commands, the polling
// scheduler and a small HTTP status server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"xmonitor/bot"
	"xmonitor/config"
	"xmonitor/metrics"
	"xmonitor/notify"
	"xmonitor/poll"
	"xmonitor/registry"
	"xmonitor/server"
	"xmonitor/source"
	"xmonitor/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(bootLogger *slog.Logger) error {
	cfg, err := config.Load(bootLogger)
	if err != nil {
		return err
	}
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg.Storage(), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	reg := registry.New(backend, logger)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	stats := reg.Stats()
	logger.Info("Registry loaded", "driver", cfg.Storage().Driver, "subscribers", stats.SubscriberCount, "watches", stats.WatchCount)

	m := metrics.New()
	chain := buildChain(cfg, m, logger)

	var (
		provider notify.Provider
		api      *tgbotapi.BotAPI
	)
	if cfg.MockTelegram {
		logger.Info("Mock Telegram mode enabled, messages are logged only")
		provider = notify.NewMockProvider(logger)
	} else {
		api, err = tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return fmt.Errorf("connect telegram: %w", err)
		}
		logger.Info("Telegram bot authorized", "username", api.Self.UserName)
		provider = notify.NewTelegramProvider(api, logger)
	}
	sender := notify.New(provider, logger, m)

	scheduler := poll.New(poll.Config{
		Observer: m,
		Workers:  cfg.PollWorkers,
		Rate:     cfg.FetchRate,
		Burst:    1,
	}, chain, reg, sender, logger)

	srv := server.New(&server.Config{
		Poller:   scheduler,
		Stats:    reg,
		Gatherer: m.Registry,
		Logger:   logger,
		Sources:  chain.Strategies(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx, cfg.PollInterval)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(gctx, cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if api != nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := api.GetUpdatesChan(u)
		handler := bot.New(api, reg, logger)
		g.Go(func() error {
			handler.Run(gctx, updates)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			api.StopReceivingUpdates()
			return nil
		})
	}

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// buildChain assembles fetch strategies in the order SOURCES lists them.
func buildChain(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *source.Chain {
	client := &http.Client{Timeout: cfg.FetchTimeout}

	var strategies []source.Strategy
	for _, name := range cfg.Sources {
		switch name {
		case "rss":
			strategies = append(strategies, source.NewRSS(client, cfg.RSSMirrors, logger))
		case "html":
			strategies = append(strategies, source.NewHTML(client, cfg.HTMLBaseURL, logger))
		case "api":
			if cfg.XBearerToken == "" {
				logger.Info("X_BEARER_TOKEN not set, skipping api source")
				continue
			}
			strategies = append(strategies, source.NewAPI(client, cfg.XAPIBaseURL, cfg.XBearerToken, logger))
		}
	}

	chainCfg := cfg.Chain()
	chainCfg.Observer = m
	return source.NewChain(chainCfg, logger, strategies...)
}
