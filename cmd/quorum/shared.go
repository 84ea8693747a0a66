package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/quorum/internal/approvement"
	"github.com/jkaninda/quorum/internal/config"
	"github.com/jkaninda/quorum/internal/kvstore"
	"github.com/jkaninda/quorum/internal/messenger"
	"github.com/jkaninda/quorum/internal/messenger/slack"
	"github.com/jkaninda/quorum/internal/messenger/telegram"
	"github.com/jkaninda/quorum/internal/observability"
	"github.com/jkaninda/quorum/internal/storage"
	pgstore "github.com/jkaninda/quorum/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/quorum/internal/storage/sqlite"
)

// SharedComponents holds everything the serve and mcp modes have in common.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	History  storage.HistoryStore // nil = history disabled.
	Store    *kvstore.Store
	Channels []messenger.Channel
	Engine   *approvement.Engine

	// Slack channels whose interactive endpoint is mounted on the HTTP API.
	mountedSlack []*slack.Channel

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds observability, history, channels and the engine. The
// engine is returned unstarted.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
		Store:  kvstore.New(),
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(ctx)
	})

	history, err := openHistory(cfg.Storage, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	if history != nil {
		sc.History = history
		sc.addCleanup(func() {
			if err := history.Close(); err != nil {
				logger.Warn("closing history store", slog.String("error", err.Error()))
			}
		})
		obs.Health.AddCheck("history", history.Ping)
	}

	channels, mounted, err := buildChannels(cfg, sc.Store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Channels = channels
	sc.mountedSlack = mounted

	opts := []approvement.Option{approvement.WithSweepInterval(cfg.Engine.SweepInterval())}
	if t := obs.TracerOrNil(); t != nil {
		opts = append(opts, approvement.WithTracer(t.Tracer()))
	}
	if m := obs.MetricsOrNil(); m != nil {
		opts = append(opts, approvement.WithMetrics(approvement.NewMetrics(m.Registry)))
	}
	if sc.History != nil {
		opts = append(opts, approvement.WithRecorder(sc.History))
	}

	engine, err := approvement.New(cfg.DomainTopics(), channels, logger, opts...)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("creating approvement engine: %w", err)
	}
	sc.Engine = engine

	obs.Health.AddCheck("engine", func(context.Context) error {
		if !engine.Running() {
			return approvement.ErrEngineNotRunning
		}
		return nil
	})
	obs.Health.SetStats(func() map[string]int {
		active, completed, expired := engine.Counts()
		return map[string]int{"active": active, "completed": completed, "expired": expired}
	})
	return sc, nil
}

// openHistory opens the configured outcome history. An empty driver
// disables it and returns nil.
func openHistory(cfg storage.Config, logger *slog.Logger) (storage.HistoryStore, error) {
	switch cfg.Driver {
	case "":
		logger.Debug("outcome history disabled")
		return nil, nil
	case storage.DriverSQLite:
		store, err := sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite history: %w", err)
		}
		logger.Info("outcome history enabled", slog.String("driver", store.Driver()))
		return store, nil
	case storage.DriverPostgres:
		db, err := pgstore.Open(pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres history: %w", err)
		}
		logger.Info("outcome history enabled", slog.String("driver", db.Driver()))
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// buildChannels creates every configured channel. All channels share one
// correlation store. Slack channels without their own listener are
// returned separately so their endpoint can be mounted on the HTTP API.
func buildChannels(cfg *config.Config, store *kvstore.Store, logger *slog.Logger) ([]messenger.Channel, []*slack.Channel, error) {
	var (
		channels []messenger.Channel
		mounted  []*slack.Channel
	)
	for _, ch := range cfg.Channels {
		switch ch.Type {
		case config.ChannelTelegram:
			tc, err := ch.TelegramConfig()
			if err != nil {
				return nil, nil, err
			}
			tg, err := telegram.New(tc, store, logger)
			if err != nil {
				return nil, nil, err
			}
			channels = append(channels, tg)
			logger.Debug("channel configured",
				slog.String("type", ch.Type),
				slog.String("name", tg.Name()),
				slog.Int("bindings", len(tc.Bindings)),
			)
		case config.ChannelSlack:
			sc, err := ch.SlackConfig()
			if err != nil {
				return nil, nil, err
			}
			sl, err := slack.New(sc, store, logger)
			if err != nil {
				return nil, nil, err
			}
			channels = append(channels, sl)
			if sc.ListenAddr == "" {
				mounted = append(mounted, sl)
			}
			logger.Debug("channel configured",
				slog.String("type", ch.Type),
				slog.String("name", sl.Name()),
				slog.String("path", sl.Path()),
				slog.Int("bindings", len(sc.Bindings)),
			)
		default:
			return nil, nil, fmt.Errorf("channel %s: unsupported type %q", ch.Name, ch.Type)
		}
	}
	return channels, mounted, nil
}

// newLogger returns a JSON logger writing to w at the named level.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
