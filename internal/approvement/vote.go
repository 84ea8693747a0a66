package approvement

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/messenger"
)

// Vote results reported to metrics and logs.
const (
	resultCounted   = "counted"
	resultApproved  = "approved"
	resultRefused   = "refused"
	resultInactive  = "inactive"
	resultDuplicate = "duplicate"
	resultDecided   = "decided"
)

// OnApprove applies an approval vote. Votes for unknown or finalized
// approvements and repeated votes by the same approver are no-ops.
func (e *Engine) OnApprove(ctx context.Context, v messenger.Vote) error {
	return e.vote(ctx, v, false)
}

// OnRefuse applies a refusal. One refusal finalizes the approvement.
func (e *Engine) OnRefuse(ctx context.Context, v messenger.Vote) error {
	return e.vote(ctx, v, true)
}

func (e *Engine) vote(ctx context.Context, v messenger.Vote, refuse bool) error {
	if !e.enter() {
		e.logger.Debug("vote ignored while stopping", slog.String("approvement_id", v.ApprovementID))
		return nil
	}
	defer e.inflight.Done()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "approvement.vote", trace.WithAttributes(
			attribute.String("approvement.id", v.ApprovementID),
			attribute.String("approvement.channel", v.Channel),
			attribute.Bool("approvement.refuse", refuse),
		))
		defer span.End()
	}

	unlock := e.locks.Lock(v.ApprovementID)
	defer unlock()

	e.mu.Lock()
	b, ok := e.active[v.ApprovementID]
	if !ok {
		e.mu.Unlock()
		e.voteIgnored(v, resultInactive)
		return nil
	}
	ap := &b.approvement
	if ap.HasVoted(v.Approver) {
		e.mu.Unlock()
		e.voteIgnored(v, resultDuplicate)
		return nil
	}
	if ap.Decided() {
		e.mu.Unlock()
		e.voteIgnored(v, resultDecided)
		return nil
	}

	var (
		op     notifyOp
		status = domain.StatusPending
		result = resultCounted
	)
	if refuse {
		ap.RefusedBy = v.Approver
	} else {
		ap.ApprovedBy = append(ap.ApprovedBy, v.Approver)
	}
	switch {
	case ap.RefusedBy != nil:
		op, status, result = opCloseRefused, domain.StatusRefused, resultRefused
	case len(ap.ApprovedBy) >= ap.Topic.RequireVotes:
		op, status, result = opCloseApproved, domain.StatusApproved, resultApproved
	default:
		op = opUpdate
	}
	if status.Terminal() {
		delete(e.active, ap.ID)
		b.finalizedAt = e.now()
		e.completed[ap.ID] = b
		e.metrics.setActive(len(e.active))
	}
	snap := domain.Snapshot{Approvement: ap.Clone(), Status: status}
	tokens := b.tokens
	e.mu.Unlock()

	e.metrics.vote(snap.Topic.Name, result)
	e.logger.Info("vote applied",
		slog.String("approvement_id", snap.ID),
		slog.String("topic", snap.Topic.Name),
		slog.String("channel", v.Channel),
		slog.String("approver", domain.DisplayName(v.Approver)),
		slog.String("result", result),
		slog.Int("approved", len(snap.ApprovedBy)),
		slog.Int("required", snap.Topic.RequireVotes),
	)

	err := e.notify(ctx, tokens, op, snap.Approvement)
	if status.Terminal() {
		e.finalized(ctx, snap)
	} else {
		e.publish(ctx, snap)
	}
	return err
}

func (e *Engine) voteIgnored(v messenger.Vote, reason string) {
	e.metrics.vote("", reason)
	e.logger.Debug("vote ignored",
		slog.String("approvement_id", v.ApprovementID),
		slog.String("channel", v.Channel),
		slog.String("reason", reason),
	)
}
