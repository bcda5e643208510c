package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/louisbranch/runstate/internal/audit"
	"github.com/louisbranch/runstate/internal/serialization"
	"github.com/louisbranch/runstate/internal/snapshot"
	"github.com/louisbranch/runstate/internal/storage"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestCreateCheckpointPersistsBothRows(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	snap, rec := checkpointFixture("run-1", "snap-1", "tx-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	if got := countRows(t, store, "snapshots"); got != 1 {
		t.Fatalf("expected 1 snapshot row, got %d", got)
	}
	if got := countRows(t, store, "transactions"); got != 1 {
		t.Fatalf("expected 1 transaction row, got %d", got)
	}

	loaded, err := store.GetSnapshot(ctx, "run-1", "snap-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if !reflect.DeepEqual(loaded.StateData, snap.StateData) {
		t.Fatalf("state mismatch: %v != %v", loaded.StateData, snap.StateData)
	}
	if loaded.CheckpointType != snapshot.CheckpointManual {
		t.Fatalf("expected manual checkpoint, got %s", loaded.CheckpointType)
	}
	if !loaded.CreatedAt.Equal(snap.CreatedAt) {
		t.Fatalf("created at mismatch: %v != %v", loaded.CreatedAt, snap.CreatedAt)
	}
}

func TestCreateCheckpointRollsBackOnConflict(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Occupy the transaction id so the second insert of the atomic unit fails.
	pending := audit.Transaction{
		ID:        "tx-dup",
		RunID:     "run-1",
		Operation: audit.OperationRecovery,
		Status:    audit.StatusPending,
		CreatedAt: now,
	}
	if err := store.AppendTransaction(ctx, pending); err != nil {
		t.Fatalf("append transaction: %v", err)
	}

	snap, rec := checkpointFixture("run-1", "snap-1", "tx-dup", now)
	if err := store.CreateCheckpoint(ctx, snap, rec); err == nil {
		t.Fatal("expected checkpoint with duplicate transaction id to fail")
	}

	if got := countRows(t, store, "snapshots"); got != 0 {
		t.Fatalf("expected snapshot insert to roll back, found %d rows", got)
	}
	if _, err := store.GetSnapshot(ctx, "run-1", "snap-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after rollback, got %v", err)
	}
}

func TestCreateCheckpointCompressedRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	snap, rec := checkpointFixture("run-1", "snap-1", "tx-1", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	snap.Format = serialization.FormatJSONGzip
	if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
		t.Fatalf("create compressed checkpoint: %v", err)
	}

	loaded, err := store.GetSnapshot(ctx, "run-1", "snap-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if loaded.Format != serialization.FormatJSONGzip {
		t.Fatalf("expected compressed format, got %s", loaded.Format)
	}
	if !reflect.DeepEqual(loaded.StateData, snap.StateData) {
		t.Fatalf("state mismatch: %v != %v", loaded.StateData, snap.StateData)
	}
}

func TestGetSnapshotLatest(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"snap-old", "snap-mid", "snap-new"} {
		snap, rec := checkpointFixture("run-1", id, "tx-"+id, base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
			t.Fatalf("create checkpoint %s: %v", id, err)
		}
	}

	latest, err := store.GetSnapshot(ctx, "run-1", "")
	if err != nil {
		t.Fatalf("get latest snapshot: %v", err)
	}
	if latest.ID != "snap-new" {
		t.Fatalf("expected snap-new, got %s", latest.ID)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if _, err := store.GetSnapshot(ctx, "no-such-run", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetSnapshot(ctx, "no-such-run", "snap-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for explicit id, got %v", err)
	}
}

func TestEnforceRetentionEvictsOldest(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"snap-1", "snap-2", "snap-3"} {
		snap, rec := checkpointFixture("run-1", id, "tx-"+id, base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
			t.Fatalf("create checkpoint %s: %v", id, err)
		}
	}

	deleted, err := store.EnforceRetention(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("enforce retention: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 eviction, got %d", deleted)
	}

	if _, err := store.GetSnapshot(ctx, "run-1", "snap-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected oldest snapshot evicted, got %v", err)
	}
	if got := countRows(t, store, "transactions"); got != 2 {
		t.Fatalf("expected evicted transaction removed, found %d rows", got)
	}

	// Second pass with nothing beyond the limit is a no-op.
	deleted, err = store.EnforceRetention(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("enforce retention again: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected idempotent retention, got %d deletions", deleted)
	}
	if got := countRows(t, store, "snapshots"); got != 2 {
		t.Fatalf("expected 2 snapshots to remain, got %d", got)
	}
}

func TestEnforceRetentionScopedToRun(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		id := []string{"a-1", "a-2", "a-3"}[i]
		snap, rec := checkpointFixture("run-a", id, "tx-"+id, base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
			t.Fatalf("create checkpoint %s: %v", id, err)
		}
	}
	snap, rec := checkpointFixture("run-b", "b-1", "tx-b-1", base)
	if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
		t.Fatalf("create checkpoint b-1: %v", err)
	}

	if _, err := store.EnforceRetention(ctx, "run-a", 1); err != nil {
		t.Fatalf("enforce retention: %v", err)
	}

	if _, err := store.GetSnapshot(ctx, "run-b", "b-1"); err != nil {
		t.Fatalf("expected other run untouched: %v", err)
	}
}

func TestDeleteExpiredSnapshots(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	expired, expiredTx := checkpointFixture("run-1", "snap-old", "tx-old", base)
	expired.ExpiresAt = base.Add(time.Hour)
	if err := store.CreateCheckpoint(ctx, expired, expiredTx); err != nil {
		t.Fatalf("create expired checkpoint: %v", err)
	}
	fresh, freshTx := checkpointFixture("run-1", "snap-new", "tx-new", base.Add(time.Minute))
	fresh.ExpiresAt = base.Add(48 * time.Hour)
	if err := store.CreateCheckpoint(ctx, fresh, freshTx); err != nil {
		t.Fatalf("create fresh checkpoint: %v", err)
	}

	deleted, err := store.DeleteExpiredSnapshots(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 expired snapshot, got %d", deleted)
	}
	if _, err := store.GetSnapshot(ctx, "run-1", "snap-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired snapshot gone, got %v", err)
	}
	if got := countRows(t, store, "transactions"); got != 1 {
		t.Fatalf("expected expired transaction reaped, found %d rows", got)
	}
}

func TestCompleteTransactionTerminalOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := audit.Transaction{
		ID:        "tx-1",
		RunID:     "run-1",
		Operation: audit.OperationRecovery,
		Status:    audit.StatusPending,
		CreatedAt: now,
	}
	if err := store.AppendTransaction(ctx, rec); err != nil {
		t.Fatalf("append transaction: %v", err)
	}

	if err := store.CompleteTransaction(ctx, "tx-1", audit.StatusCommitted, "", now.Add(time.Second)); err != nil {
		t.Fatalf("complete transaction: %v", err)
	}

	err := store.CompleteTransaction(ctx, "tx-1", audit.StatusFailed, "late failure", now.Add(time.Minute))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on second completion, got %v", err)
	}

	transactions, err := store.ListTransactions(ctx, "run-1", 10, 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(transactions))
	}
	if transactions[0].Status != audit.StatusCommitted {
		t.Fatalf("expected committed status to stick, got %s", transactions[0].Status)
	}
	if transactions[0].CompletedAt == nil || !transactions[0].CompletedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected completed at %v", transactions[0].CompletedAt)
	}
}

func TestCompleteTransactionNotFound(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	err := store.CompleteTransaction(ctx, "missing", audit.StatusFailed, "nope", time.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteTransactionRejectsNonTerminalStatus(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	err := store.CompleteTransaction(ctx, "tx-1", audit.StatusPending, "", time.Now())
	if !errors.Is(err, audit.ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
}

func TestCompleteTransactionByRecoveryID(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := audit.Transaction{
		ID:        "tx-rec",
		RunID:     "run-1",
		Operation: audit.OperationRecovery,
		Status:    audit.StatusPending,
		Metadata:  map[string]string{audit.MetadataKeyRecoveryID: "rcv-42"},
		CreatedAt: now,
	}
	if err := store.AppendTransaction(ctx, rec); err != nil {
		t.Fatalf("append transaction: %v", err)
	}

	if err := store.CompleteTransactionByRecoveryID(ctx, "rcv-42", audit.StatusFailed, "no snapshot available", now.Add(time.Second)); err != nil {
		t.Fatalf("complete by recovery id: %v", err)
	}

	transactions, err := store.ListTransactions(ctx, "run-1", 10, 0)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if transactions[0].Status != audit.StatusFailed {
		t.Fatalf("expected failed status, got %s", transactions[0].Status)
	}
	if transactions[0].ErrorMessage != "no snapshot available" {
		t.Fatalf("unexpected error message %q", transactions[0].ErrorMessage)
	}
	if transactions[0].SnapshotID != "" {
		t.Fatalf("expected recovery transaction without snapshot id, got %q", transactions[0].SnapshotID)
	}

	err = store.CompleteTransactionByRecoveryID(ctx, "rcv-missing", audit.StatusFailed, "", now)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown recovery id, got %v", err)
	}
}

func TestListSnapshotsOrderAndPaging(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"snap-1", "snap-2", "snap-3"} {
		snap, rec := checkpointFixture("run-1", id, "tx-"+id, base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
			t.Fatalf("create checkpoint %s: %v", id, err)
		}
	}

	page, err := store.ListSnapshots(ctx, "run-1", 2, 0)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(page) != 2 || page[0].ID != "snap-3" || page[1].ID != "snap-2" {
		t.Fatalf("unexpected first page %v", snapshotIDs(page))
	}

	rest, err := store.ListSnapshots(ctx, "run-1", 2, 2)
	if err != nil {
		t.Fatalf("list snapshots offset: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "snap-1" {
		t.Fatalf("unexpected second page %v", snapshotIDs(rest))
	}
}

func TestListRunIDs(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, runID := range []string{"run-b", "run-a"} {
		snap, rec := checkpointFixture(runID, "snap-"+runID, "tx-"+runID, base)
		if err := store.CreateCheckpoint(ctx, snap, rec); err != nil {
			t.Fatalf("create checkpoint for %s: %v", runID, err)
		}
	}

	runIDs, err := store.ListRunIDs(ctx)
	if err != nil {
		t.Fatalf("list run ids: %v", err)
	}
	if !reflect.DeepEqual(runIDs, []string{"run-a", "run-b"}) {
		t.Fatalf("unexpected run ids %v", runIDs)
	}
}

func TestStoreRequiresConfiguration(t *testing.T) {
	var store *Store
	ctx := context.Background()

	if _, err := store.GetSnapshot(ctx, "run-1", ""); err == nil {
		t.Fatal("expected error for nil store")
	}
	if err := store.AppendTransaction(ctx, audit.Transaction{ID: "tx", RunID: "run", Status: audit.StatusPending, CreatedAt: time.Now()}); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func checkpointFixture(runID, snapshotID, transactionID string, createdAt time.Time) (snapshot.Snapshot, audit.Transaction) {
	snap := snapshot.Snapshot{
		ID:             snapshotID,
		RunID:          runID,
		ThreadID:       "thread-1",
		UserID:         "user-1",
		StateData:      map[string]any{"step": float64(3), "ts": "2025-01-01T00:00:00+00:00"},
		Format:         serialization.FormatJSON,
		CheckpointType: snapshot.CheckpointManual,
		AgentPhase:     snapshot.PhaseExecution,
		ExecutionContext: map[string]any{
			"model": "gpt-test",
		},
		IsRecoveryPoint: true,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(30 * 24 * time.Hour),
	}
	rec := audit.Transaction{
		ID:             transactionID,
		SnapshotID:     snapshotID,
		RunID:          runID,
		Operation:      audit.OperationCreate,
		TriggeredBy:    "test",
		ExecutionPhase: string(snapshot.PhaseExecution),
		Status:         audit.StatusPending,
		CreatedAt:      createdAt,
	}
	return snap, rec
}

func snapshotIDs(snapshots []snapshot.Snapshot) []string {
	ids := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		ids = append(ids, snap.ID)
	}
	return ids
}

func countRows(t *testing.T, store *Store, table string) int64 {
	t.Helper()
	var count int64
	if err := store.sqlDB.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runstate.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil && err != sql.ErrConnDone {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
