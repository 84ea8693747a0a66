//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/quorum/internal/domain"
	"github.com/jkaninda/quorum/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testTopic returns a topic name unique to this run so tests never see
// each other's rows.
func testTopic(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New().String()[:8])
}

func finalized(topic string, status domain.Status) domain.Snapshot {
	now := time.Now().UTC()
	s := domain.Snapshot{
		Approvement: domain.Approvement{
			ID:        uuid.New().String(),
			Topic:     domain.Topic{Name: topic, RequireVotes: 1},
			CreatedAt: now.Add(-time.Minute),
			ExpireAt:  now.Add(time.Minute),
		},
		Status: status,
	}
	switch status {
	case domain.StatusApproved:
		s.ApprovedBy = []domain.Approver{domain.SlackApprover{UserID: "U1", Username: "alice"}}
	case domain.StatusRefused:
		s.RefusedBy = domain.TelegramApprover{UserID: 42, Username: "bob"}
	}
	return s
}

// --- Outcome history ---

func TestOutcomes_RecordAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	topic := testTopic("deploy")

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	for _, st := range []domain.Status{domain.StatusApproved, domain.StatusRefused, domain.StatusExpired} {
		if err := db.Record(ctx, finalized(topic, st)); err != nil {
			t.Fatalf("Record %s: %v", st, err)
		}
	}

	got, err := db.List(ctx, topic, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d outcomes, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].FinalizedAt.After(got[i-1].FinalizedAt) {
			t.Errorf("outcomes not ordered newest first: %v after %v", got[i].FinalizedAt, got[i-1].FinalizedAt)
		}
	}

	var refused *storage.Outcome
	for i := range got {
		if got[i].Status == domain.StatusRefused.String() {
			refused = &got[i]
		}
	}
	if refused == nil || refused.RefusedBy == nil || refused.RefusedBy.UserID != "42" {
		t.Errorf("refused outcome = %+v", refused)
	}

	limited, err := db.List(ctx, topic, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("List with limit 1 returned %d outcomes", len(limited))
	}
}

func TestOutcomes_RejectsPending(t *testing.T) {
	db := testDB(t)
	if err := db.Record(context.Background(), finalized(testTopic("pending"), domain.StatusPending)); err == nil {
		t.Fatal("expected error recording a pending approvement")
	}
}

// --- Concurrency ---

func TestOutcomes_ConcurrentDuplicateRecords(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	topic := testTopic("dup")
	snap := finalized(topic, domain.StatusApproved)

	const numWorkers = 20
	var failCount atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			if err := db.Record(ctx, snap); err != nil {
				failCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := failCount.Load(); got != 0 {
		t.Errorf("%d duplicate records failed, want all to be no-ops", got)
	}
	got, err := db.List(ctx, topic, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("List returned %d outcomes, want exactly 1", len(got))
	}
}
