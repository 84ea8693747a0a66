package approvement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Compact drops finalized approvements whose finalization is older than
// olderThan and asks every bound channel to forget its correlation
// records. It returns the number of approvements dropped.
func (e *Engine) Compact(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.now().Add(-olderThan)

	e.mu.Lock()
	var stale []*bundle
	for _, bucket := range []map[string]*bundle{e.completed, e.expired} {
		for id, b := range bucket {
			if b.finalizedAt.Before(cutoff) {
				stale = append(stale, b)
				delete(bucket, id)
			}
		}
	}
	e.mu.Unlock()

	for _, b := range stale {
		for _, bt := range b.tokens {
			if err := bt.channel.Forget(ctx, b.approvement.ID); err != nil {
				e.logger.Warn("forgetting approvement correlation",
					slog.String("approvement_id", b.approvement.ID),
					slog.String("channel", bt.channel.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if len(stale) > 0 {
		e.logger.Info("compacted finalized approvements",
			slog.Int("count", len(stale)),
			slog.Duration("older_than", olderThan),
		)
	}
	return len(stale), ctx.Err()
}

// StartRetention runs Compact on a cron schedule ("@hourly", "0 * * * *").
// A run still in progress when the next one is due causes that run to be
// skipped. Returns a function that stops the schedule.
func (e *Engine) StartRetention(ctx context.Context, schedule string, maxAge time.Duration) (func(), error) {
	logger := cronLogger{e.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := e.Compact(ctx, maxAge); err != nil {
			e.logger.Debug("retention run interrupted", slog.String("error", err.Error()))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	c.Start()
	e.logger.Info("retention scheduled",
		slog.String("schedule", schedule),
		slog.Duration("max_age", maxAge),
	)
	return func() {
		<-c.Stop().Done()
	}, nil
}

// cronLogger bridges cron.Logger to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
