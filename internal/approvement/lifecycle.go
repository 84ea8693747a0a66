package approvement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Start subscribes to every channel's vote events, starts the channels
// and arms the expiry sweep. Channels started before a failing one are
// stopped again.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started {
		return ErrEngineAlreadyStart
	}

	for _, ch := range e.channels {
		e.unsubs = append(e.unsubs,
			ch.Approvals().Subscribe(e.OnApprove),
			ch.Refusals().Subscribe(e.OnRefuse),
		)
	}
	for i, ch := range e.channels {
		if err := ch.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if serr := e.channels[j].Stop(ctx); serr != nil {
					e.logger.Warn("stopping channel after failed start",
						slog.String("channel", e.channels[j].Name()),
						slog.String("error", serr.Error()),
					)
				}
			}
			e.unsubscribe()
			return fmt.Errorf("starting channel %s: %w", ch.Name(), err)
		}
		e.logger.Info("channel started", slog.String("channel", ch.Name()))
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.sweeper.Add(1)
	go e.runSweeper(sweepCtx)

	e.started = true
	e.stopping = false
	e.logger.Info("approvement engine started",
		slog.Int("topics", len(e.topics)),
		slog.Int("channels", len(e.channels)),
		slog.Duration("sweep_interval", e.sweepInterval),
	)
	return nil
}

// Stop cancels the sweep, detaches vote handlers, waits for in-flight vote
// processing and then stops every channel. If ctx ends while votes are
// still in flight the channels are left running and the error is returned.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	if !e.started {
		e.lifeMu.Unlock()
		return ErrEngineNotRunning
	}
	e.stopping = true
	e.started = false
	cancel := e.cancel
	e.cancel = nil
	e.lifeMu.Unlock()

	cancel()
	e.sweeper.Wait()
	e.unsubscribe()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("timed out waiting for in-flight votes, channels left running",
			slog.String("error", ctx.Err().Error()),
		)
		return fmt.Errorf("waiting for in-flight votes: %w", ctx.Err())
	}

	var errs []error
	for _, ch := range e.channels {
		if err := ch.Stop(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				e.logger.Debug("channel stop cancelled", slog.String("channel", ch.Name()))
				continue
			}
			e.logger.Warn("stopping channel",
				slog.String("channel", ch.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("stopping channel %s: %w", ch.Name(), err))
		}
	}
	e.logger.Info("approvement engine stopped")
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Stop has not been called.
func (e *Engine) Running() bool {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	return e.started
}

func (e *Engine) unsubscribe() {
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
}

// enter registers an in-flight create or vote unless the engine is stopping.
func (e *Engine) enter() bool {
	e.lifeMu.RLock()
	defer e.lifeMu.RUnlock()
	if e.stopping {
		return false
	}
	e.inflight.Add(1)
	return true
}
