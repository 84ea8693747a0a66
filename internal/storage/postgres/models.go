package postgres

import "time"

// OutcomeModel maps to the "approvement_outcomes" table.
// No UpdatedAt or DeletedAt: the history is append-only.
type OutcomeModel struct {
	ApprovementID string    `gorm:"primaryKey;size:64"`
	Topic         string    `gorm:"not null;index:idx_outcomes_topic_finalized,priority:1"`
	Status        string    `gorm:"not null;size:16"`
	RequireVotes  int       `gorm:"not null"`
	ApprovedBy    string    `gorm:"type:text;not null"` // JSON array of storage.Voter
	RefusedBy     string    `gorm:"type:text"`          // JSON storage.Voter, empty if none
	CreatedAt     time.Time `gorm:"not null"`
	ExpireAt      time.Time `gorm:"not null"`
	FinalizedAt   time.Time `gorm:"not null;index:idx_outcomes_topic_finalized,priority:2,sort:desc"`
}

func (OutcomeModel) TableName() string { return "approvement_outcomes" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&OutcomeModel{}}
}
