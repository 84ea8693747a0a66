// Package storage defines the outcome history: an append-only record of
// finalized approvements. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL.
//
// The history is an audit log. It is never read back into the live
// approvement engine.
package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/jkaninda/quorum/internal/domain"
)

// HistoryStore persists finalized approvements.
type HistoryStore interface {
	// Record stores the outcome of a finalized approvement. Recording the
	// same approvement twice is a no-op.
	Record(ctx context.Context, s domain.Snapshot) error
	// List returns the most recent outcomes of topic, newest first.
	List(ctx context.Context, topic string, limit int) ([]Outcome, error)

	Ping(ctx context.Context) error
	Close() error
	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Voter is the persisted form of an approver.
type Voter struct {
	Source   string `json:"source"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// Outcome is the persisted record of a finalized approvement.
type Outcome struct {
	ApprovementID string    `json:"approvementId"`
	Topic         string    `json:"topic"`
	Status        string    `json:"status"`
	RequireVotes  int       `json:"requireVotes"`
	ApprovedBy    []Voter   `json:"approvedBy"`
	RefusedBy     *Voter    `json:"refusedBy,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpireAt      time.Time `json:"expireAt"`
	FinalizedAt   time.Time `json:"finalizedAt"`
}

// NewOutcome converts a terminal snapshot finalized at the given time.
func NewOutcome(s domain.Snapshot, finalizedAt time.Time) Outcome {
	o := Outcome{
		ApprovementID: s.ID,
		Topic:         s.Topic.Name,
		Status:        s.Status.String(),
		RequireVotes:  s.Topic.RequireVotes,
		ApprovedBy:    make([]Voter, 0, len(s.ApprovedBy)),
		CreatedAt:     s.CreatedAt.UTC(),
		ExpireAt:      s.ExpireAt.UTC(),
		FinalizedAt:   finalizedAt.UTC(),
	}
	for _, a := range s.ApprovedBy {
		o.ApprovedBy = append(o.ApprovedBy, VoterOf(a))
	}
	if s.RefusedBy != nil {
		v := VoterOf(s.RefusedBy)
		o.RefusedBy = &v
	}
	return o
}

// VoterOf flattens an approver.
func VoterOf(a domain.Approver) Voter {
	var v voterVisitor
	a.Accept(&v)
	return Voter(v)
}

type voterVisitor Voter

func (v *voterVisitor) VisitTelegram(a domain.TelegramApprover) {
	*v = voterVisitor{Source: domain.Source(a), UserID: strconv.FormatInt(a.UserID, 10), Username: a.Username}
}

func (v *voterVisitor) VisitSlack(a domain.SlackApprover) {
	*v = voterVisitor{Source: domain.Source(a), UserID: a.UserID, Username: a.Username}
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `yaml:"driver" json:"driver"` // "" (history off), "sqlite" or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path" json:"path"`                 // Database file path. Default: quorum.db.
	JournalMode string `yaml:"journal_mode" json:"journal_mode"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `yaml:"dsn" json:"dsn"` // QUORUM_DB_DSN overrides.
	MaxOpenConns     int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s" json:"conn_max_lifetime_s"`
}

// DefaultLimit caps List when the caller passes no limit.
const DefaultLimit = 100

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
