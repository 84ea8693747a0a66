package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/storage"
)

// OutcomeRepository records finalized approvements. It only relies on
// portable SQL, so the SQLite backend reuses it.
type OutcomeRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewOutcomeRepository creates an OutcomeRepository.
func NewOutcomeRepository(db *gorm.DB) *OutcomeRepository {
	return &OutcomeRepository{db: db, now: time.Now}
}

// Record inserts the outcome of s. A second record for the same
// approvement is ignored.
func (r *OutcomeRepository) Record(ctx context.Context, s domain.Snapshot) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("approvement %s is not finalized (%s)", s.ID, s.Status)
	}
	model, err := toOutcomeModel(storage.NewOutcome(s, r.now()))
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("recording outcome of %s: %w", s.ID, err)
	}
	return nil
}

// List returns up to limit outcomes of topic, most recently finalized first.
func (r *OutcomeRepository) List(ctx context.Context, topic string, limit int) ([]storage.Outcome, error) {
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	var models []OutcomeModel
	err := r.db.WithContext(ctx).
		Where("topic = ?", topic).
		Order("finalized_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing outcomes of %s: %w", topic, err)
	}
	out := make([]storage.Outcome, 0, len(models))
	for i := range models {
		out = append(out, toOutcomeDomain(&models[i]))
	}
	return out, nil
}
