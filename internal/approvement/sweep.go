package approvement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/quorum/internal/domain"
)

// Sweep moves every active approvement whose ExpireAt is strictly in the
// past to the expired bucket and closes its channel messages. Notification
// failures are joined and returned after all expired ids were processed.
func (e *Engine) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { e.metrics.sweepDone(time.Since(start)) }()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "approvement.sweep")
		defer span.End()
	}

	now := e.now()
	e.mu.Lock()
	var due []string
	for id, b := range e.active {
		if now.After(b.approvement.ExpireAt) {
			due = append(due, id)
		}
	}
	e.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.Int("approvement.expired", len(due)))
	}

	var errs []error
	for _, id := range due {
		if err := e.expire(ctx, id, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, id string, now time.Time) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	e.mu.Lock()
	b, ok := e.active[id]
	if !ok {
		_, done := e.completed[id]
		_, gone := e.expired[id]
		e.mu.Unlock()
		if done || gone {
			e.logger.Debug("approvement finalized before expiry", slog.String("approvement_id", id))
			return nil
		}
		e.logger.Error("approvement flagged for expiry is in no bucket", slog.String("approvement_id", id))
		return nil
	}
	delete(e.active, id)
	b.finalizedAt = now
	e.expired[id] = b
	e.metrics.setActive(len(e.active))
	snap := domain.Snapshot{Approvement: b.approvement.Clone(), Status: domain.StatusExpired}
	tokens := b.tokens
	e.mu.Unlock()

	err := e.notify(ctx, tokens, opCloseExpired, snap.Approvement)
	e.finalized(ctx, snap)
	return err
}

// runSweeper sweeps every interval until ctx is done. The timer is re-armed
// only after the previous pass returned.
func (e *Engine) runSweeper(ctx context.Context) {
	defer e.sweeper.Done()

	timer := time.NewTimer(e.sweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := e.Sweep(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				e.logger.Debug("sweep interrupted", slog.String("error", err.Error()))
			} else {
				e.logger.Warn("expiry sweep failed", slog.String("error", err.Error()))
			}
		}
		if ctx.Err() != nil {
			return
		}
		timer.Reset(e.sweepInterval)
	}
}
