package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/quorum/internal/storage"
)

func toOutcomeModel(o storage.Outcome) (OutcomeModel, error) {
	approved, err := json.Marshal(o.ApprovedBy)
	if err != nil {
		return OutcomeModel{}, fmt.Errorf("encoding approvers: %w", err)
	}
	m := OutcomeModel{
		ApprovementID: o.ApprovementID,
		Topic:         o.Topic,
		Status:        o.Status,
		RequireVotes:  o.RequireVotes,
		ApprovedBy:    string(approved),
		CreatedAt:     o.CreatedAt,
		ExpireAt:      o.ExpireAt,
		FinalizedAt:   o.FinalizedAt,
	}
	if o.RefusedBy != nil {
		refused, err := json.Marshal(o.RefusedBy)
		if err != nil {
			return OutcomeModel{}, fmt.Errorf("encoding refuser: %w", err)
		}
		m.RefusedBy = string(refused)
	}
	return m, nil
}

func toOutcomeDomain(m *OutcomeModel) storage.Outcome {
	o := storage.Outcome{
		ApprovementID: m.ApprovementID,
		Topic:         m.Topic,
		Status:        m.Status,
		RequireVotes:  m.RequireVotes,
		CreatedAt:     m.CreatedAt.UTC(),
		ExpireAt:      m.ExpireAt.UTC(),
		FinalizedAt:   m.FinalizedAt.UTC(),
	}
	_ = json.Unmarshal([]byte(m.ApprovedBy), &o.ApprovedBy)
	if o.ApprovedBy == nil {
		o.ApprovedBy = []storage.Voter{}
	}
	if m.RefusedBy != "" {
		var v storage.Voter
		if json.Unmarshal([]byte(m.RefusedBy), &v) == nil {
			o.RefusedBy = &v
		}
	}
	return o
}
