// Copyright 2025 Ceramic Anchor Service
//
// Integration tests for RequestRepository. Uses a real Postgres database
// when CAS_TEST_DATABASE_URL is set, and skips otherwise.

package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ceramicnetwork/ceramic-anchor-service-go/internal/config"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	connStr := os.Getenv("CAS_TEST_DATABASE_URL")
	if connStr == "" {
		os.Exit(0)
	}

	var err error
	testDB, err = sql.Open("postgres", connStr)
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}
	if err := Migrate(context.Background(), testDB); err != nil {
		panic("failed to migrate test database: " + err.Error())
	}

	code := m.Run()
	testDB.Close()
	os.Exit(code)
}

func newTestRepo(t *testing.T) *RequestRepository {
	t.Helper()
	if testDB == nil {
		t.Skip("CAS_TEST_DATABASE_URL not configured")
	}
	lock := NewAdvisoryLock(testDB, 0x43415300, 3, 10*time.Millisecond)
	settings := config.AnchorSettings{
		MaxAnchoringDelay:  config.Duration(12 * time.Hour),
		ProcessingTimeout:  config.Duration(3 * time.Hour),
		FailureRetryWindow: config.Duration(6 * time.Hour),
	}
	return NewRequestRepository(testDB, lock, settings)
}

func TestCreateIsIdempotentOnCID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fresh := NewRequest{
		CID:       "bafy-test-idempotent",
		StreamID:  "k2t6wy-test-idempotent",
		Timestamp: time.Now(),
		Status:    RequestStatusPending,
		Message:   "Request is pending.",
	}

	first, err := repo.Create(ctx, fresh)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := repo.Create(ctx, fresh)
	if err != nil {
		t.Fatalf("create (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same id for repeated create, got %s and %s", first.ID, second.ID)
	}
}

func TestFindAndMarkReadyRespectsMinStreamCount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Clear rows left by earlier tests or runs so the row created below is
	// the only candidate for a ready batch.
	if _, err := testDB.ExecContext(ctx, `DELETE FROM anchor`); err != nil {
		t.Fatalf("clear anchor table: %v", err)
	}
	if _, err := testDB.ExecContext(ctx, `DELETE FROM request`); err != nil {
		t.Fatalf("clear request table: %v", err)
	}

	fresh := NewRequest{
		CID:       "bafy-test-ready-delay",
		StreamID:  "k2t6wy-test-ready-delay",
		Timestamp: time.Now(),
		Status:    RequestStatusPending,
		Message:   "Request is pending.",
	}
	if _, err := repo.Create(ctx, fresh); err != nil {
		t.Fatalf("create: %v", err)
	}

	batch, err := repo.FindAndMarkReady(ctx, 5, 5)
	if err != nil {
		t.Fatalf("find and mark ready: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("expected no ready batch below min stream count, got %d", len(batch))
	}

	_, err = testDB.ExecContext(ctx, `UPDATE request SET created_at = now() - interval '13 hours' WHERE cid = $1`, fresh.CID)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	batch, err = repo.FindAndMarkReady(ctx, 5, 5)
	if err != nil {
		t.Fatalf("find and mark ready after delay: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected exactly one ready row after delay forces batch, got %d", len(batch))
	}
	if batch[0].Status != RequestStatusReady {
		t.Errorf("expected status READY, got %s", batch[0].Status)
	}
}

func TestDeleteGarbageCollectedRemovesOnlyGivenRows(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	fresh := NewRequest{
		CID:       "bafy-test-gc-delete",
		StreamID:  "k2t6wy-test-gc-delete",
		Timestamp: time.Now(),
		Status:    RequestStatusCompleted,
		Message:   "CID successfully anchored.",
	}
	created, err := repo.Create(ctx, fresh)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = testDB.ExecContext(ctx, `UPDATE request SET updated_at = now() - interval '60 days' WHERE id = $1`, created.ID)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	candidates, err := repo.FindRequestsToGarbageCollect(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("find gc candidates: %v", err)
	}
	var ids []uuid.UUID
	for _, r := range candidates {
		if r.ID == created.ID {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) != 1 {
		t.Fatalf("expected the backdated row among gc candidates, got %d matches", len(ids))
	}

	if err := repo.DeleteGarbageCollected(ctx, ids); err != nil {
		t.Fatalf("delete garbage collected: %v", err)
	}
	if _, err := repo.FindByID(ctx, created.ID); err != ErrRequestNotFound {
		t.Fatalf("expected row to be gone after delete, got err=%v", err)
	}
}
