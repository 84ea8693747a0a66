package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshot(id, topic string, status domain.Status) domain.Snapshot {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Snapshot{
		Approvement: domain.Approvement{
			ID:        id,
			Topic:     domain.Topic{Name: topic, RequireVotes: 2},
			CreatedAt: created,
			ExpireAt:  created.Add(time.Minute),
			ApprovedBy: []domain.Approver{
				domain.TelegramApprover{UserID: 7, Username: "alice"},
				domain.SlackApprover{UserID: "U1", Username: "bob"},
			},
		},
		Status: status,
	}
}

func TestStore_RecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %s", s.Driver())
	}

	if err := s.Record(ctx, snapshot("a1", "deploy", domain.StatusApproved)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	refused := snapshot("a2", "deploy", domain.StatusRefused)
	refused.ApprovedBy = nil
	refused.RefusedBy = domain.TelegramApprover{UserID: 9, Username: "mallory"}
	if err := s.Record(ctx, refused); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, snapshot("b1", "db", domain.StatusExpired)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.List(ctx, "deploy", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d outcomes", len(got))
	}

	byID := map[string]storage.Outcome{}
	for _, o := range got {
		byID[o.ApprovementID] = o
	}
	a1 := byID["a1"]
	if a1.Status != "APPROVED" || a1.RequireVotes != 2 || len(a1.ApprovedBy) != 2 {
		t.Errorf("a1 = %+v", a1)
	}
	if a1.ApprovedBy[0] != (storage.Voter{Source: "telegram", UserID: "7", Username: "alice"}) {
		t.Errorf("first voter = %+v", a1.ApprovedBy[0])
	}
	if a1.ApprovedBy[1].Source != "slack" {
		t.Errorf("second voter = %+v", a1.ApprovedBy[1])
	}
	a2 := byID["a2"]
	if a2.RefusedBy == nil || a2.RefusedBy.Username != "mallory" || len(a2.ApprovedBy) != 0 {
		t.Errorf("a2 = %+v", a2)
	}
}

func TestStore_RecordTwiceIsIgnored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	snap := snapshot("a1", "deploy", domain.StatusApproved)
	for i := 0; i < 2; i++ {
		if err := s.Record(ctx, snap); err != nil {
			t.Fatalf("Record #%d: %v", i, err)
		}
	}
	got, _ := s.List(ctx, "deploy", 10)
	if len(got) != 1 {
		t.Errorf("List returned %d outcomes, want 1", len(got))
	}
}

func TestStore_RecordRejectsPending(t *testing.T) {
	s := openTestStore(t)
	if err := s.Record(context.Background(), snapshot("a1", "deploy", domain.StatusPending)); err == nil {
		t.Fatal("expected error for a pending approvement")
	}
}

func TestStore_ListLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Record(ctx, snapshot(id, "deploy", domain.StatusExpired)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.List(ctx, "deploy", 2)
	if err != nil || len(got) != 2 {
		t.Errorf("List = %d, %v", len(got), err)
	}
}
