// Package domain defines the entity types shared by the engine, the
// messaging channels and the adapters.
package domain

import (
	"slices"
	"time"
)

// Status is the derived state of an approvement.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusRefused
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusApproved:
		return "APPROVED"
	case StatusRefused:
		return "REFUSED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Topic is a named approval policy loaded from configuration.
type Topic struct {
	Name          string
	Description   string
	RequireVotes  int
	ExpireTimeout time.Duration
	AuthType      string // Opaque passthrough.
	Schema        string // Opaque passthrough.
}

// Approvement is one request awaiting votes.
type Approvement struct {
	ID         string
	Topic      Topic
	CreatedAt  time.Time
	ExpireAt   time.Time
	ApprovedBy []Approver // Vote order.
	RefusedBy  Approver   // nil until refused.
}

// HasVoted reports whether a has already approved or refused.
func (ap Approvement) HasVoted(a Approver) bool {
	if ap.RefusedBy != nil && ap.RefusedBy.Equal(a) {
		return true
	}
	return slices.ContainsFunc(ap.ApprovedBy, a.Equal)
}

// Decided reports whether a decisive vote has already been applied.
func (ap Approvement) Decided() bool {
	return ap.RefusedBy != nil || len(ap.ApprovedBy) >= ap.Topic.RequireVotes
}

// Clone returns a copy that shares no mutable state with ap.
func (ap Approvement) Clone() Approvement {
	ap.ApprovedBy = slices.Clone(ap.ApprovedBy)
	return ap
}

// Snapshot is an approvement together with its derived status.
type Snapshot struct {
	Approvement
	Status Status
}
