// Package messenger defines the capability every messaging integration
// provides to the approvement engine, plus the pieces shared by the
// concrete channels: strict templates, the key/value correlation ledger
// and approver mentions.
package messenger

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/pubsub"
)

var (
	ErrDuplicateApprovement = errors.New("approvement already registered")
	ErrTemplateFieldMissing = errors.New("template references a field missing from render data")
	ErrNotBound             = errors.New("channel is not bound to topic")
)

const (
	MinPollInterval     = 240 * time.Millisecond
	MaxPollInterval     = 60 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// Token is the opaque handle a channel returns for the external message
// that represents one approvement.
type Token string

// Vote is emitted by a channel when a user approves or refuses.
type Vote struct {
	Channel       string
	ApprovementID string
	Approver      domain.Approver
}

// Channel adapts the approvement lifecycle to one external messaging system.
type Channel interface {
	Name() string

	// Start launches background ingestion and returns once it is running.
	Start(ctx context.Context) error
	// Stop ends background ingestion and releases resources.
	Stop(ctx context.Context) error

	IsBound(topic string) bool

	// Register renders and posts the approvement, recording the
	// correlation between the returned token and the approvement id.
	Register(ctx context.Context, a domain.Approvement, data map[string]any) (Token, error)
	// Update reflects the current vote count. Safe to call repeatedly.
	Update(ctx context.Context, a domain.Approvement, tok Token) error
	CloseApproved(ctx context.Context, a domain.Approvement, tok Token) error
	CloseRefused(ctx context.Context, a domain.Approvement, tok Token) error
	CloseExpired(ctx context.Context, a domain.Approvement, tok Token) error
	// Forget drops every correlation record kept for the approvement.
	Forget(ctx context.Context, approvementID string) error

	Approvals() *pubsub.Topic[Vote]
	Refusals() *pubsub.Topic[Vote]
}

// ClampPollInterval bounds d to [MinPollInterval, MaxPollInterval].
// Zero selects DefaultPollInterval.
func ClampPollInterval(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultPollInterval
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	default:
		return d
	}
}

// Allowed reports whether name may vote under an approver allowlist.
// An empty allowlist admits everyone.
func Allowed(allowlist []string, name string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, n := range allowlist {
		if n == name {
			return true
		}
	}
	return false
}
