package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/runstate/internal/audit"
	"github.com/louisbranch/runstate/internal/serialization"
	"github.com/louisbranch/runstate/internal/snapshot"
	"github.com/louisbranch/runstate/internal/storage"
)

const snapshotColumns = `id, run_id, thread_id, user_id, state_data, serialization_format,
	checkpoint_type, agent_phase, execution_context, is_recovery_point, created_at, expires_at`

// CreateCheckpoint writes the snapshot and its pending creation transaction
// inside one SQLite transaction: both rows commit together or neither does.
func (s *Store) CreateCheckpoint(ctx context.Context, snap snapshot.Snapshot, rec audit.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(snap.ID) == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if strings.TrimSpace(snap.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("transaction id is required")
	}
	if rec.SnapshotID != snap.ID {
		return fmt.Errorf("transaction must reference the snapshot being created")
	}
	if snap.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}

	stateData, err := serialization.Encode(snap.StateData, snap.Format)
	if err != nil {
		return fmt.Errorf("encode state data: %w", err)
	}
	executionContext, err := encodeJSONMap(snap.ExecutionContext)
	if err != nil {
		return fmt.Errorf("encode execution context: %w", err)
	}
	metadata, err := encodeJSONMap(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode transaction metadata: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (
	id, run_id, thread_id, user_id, state_data, serialization_format,
	checkpoint_type, agent_phase, execution_context, is_recovery_point, created_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		snap.ID,
		snap.RunID,
		snap.ThreadID,
		snap.UserID,
		stateData,
		string(snap.Format),
		string(snap.CheckpointType),
		string(snap.AgentPhase),
		executionContext,
		snap.IsRecoveryPoint,
		toMillis(snap.CreatedAt),
		toMillis(snap.ExpiresAt),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO transactions (
	id, snapshot_id, run_id, operation_type, triggered_by, execution_phase,
	status, error_message, metadata, created_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
`,
		rec.ID,
		rec.SnapshotID,
		rec.RunID,
		string(rec.Operation),
		rec.TriggeredBy,
		rec.ExecutionPhase,
		string(rec.Status),
		rec.ErrorMessage,
		metadata,
		toMillis(rec.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// GetSnapshot fetches a snapshot by id, or the most recent snapshot for the
// run when snapshotID is empty. Missing records surface as storage.ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, runID, snapshotID string) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	if s == nil || s.sqlDB == nil {
		return snapshot.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return snapshot.Snapshot{}, fmt.Errorf("run id is required")
	}

	var row *sql.Row
	snapshotID = strings.TrimSpace(snapshotID)
	if snapshotID != "" {
		row = s.sqlDB.QueryRowContext(ctx,
			"SELECT "+snapshotColumns+" FROM snapshots WHERE run_id = ? AND id = ?",
			runID, snapshotID,
		)
	} else {
		row = s.sqlDB.QueryRowContext(ctx,
			"SELECT "+snapshotColumns+" FROM snapshots WHERE run_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1",
			runID,
		)
	}

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return snapshot.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// EnforceRetention deletes snapshots beyond the maxPerRun most recent for the
// run, together with their creation transactions, in one SQLite transaction.
// A call with nothing beyond the limit is a no-op.
func (s *Store) EnforceRetention(ctx context.Context, runID string, maxPerRun int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return 0, fmt.Errorf("run id is required")
	}
	if maxPerRun <= 0 {
		return 0, fmt.Errorf("max snapshots per run must be greater than zero")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Evict oldest first: keep the maxPerRun newest by created_at, rowid as
	// the insertion-order tiebreaker.
	const beyondLimit = `
SELECT id FROM snapshots WHERE run_id = ?
ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?`

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM transactions WHERE snapshot_id IN ("+beyondLimit+")",
		runID, maxPerRun,
	); err != nil {
		return 0, fmt.Errorf("delete evicted transactions: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM snapshots WHERE id IN ("+beyondLimit+")",
		runID, maxPerRun,
	)
	if err != nil {
		return 0, fmt.Errorf("delete evicted snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count evicted snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention: %w", err)
	}
	return int(deleted), nil
}

// ListSnapshots returns snapshots for a run ordered newest first.
func (s *Store) ListSnapshots(ctx context.Context, runID string, limit, offset int) ([]snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must not be negative")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+snapshotColumns+" FROM snapshots WHERE run_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		runID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []snapshot.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// ListRunIDs returns the distinct run ids with stored snapshots.
func (s *Store) ListRunIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT DISTINCT run_id FROM snapshots ORDER BY run_id")
	if err != nil {
		return nil, fmt.Errorf("list run ids: %w", err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run ids: %w", err)
	}
	return runIDs, nil
}

// DeleteExpiredSnapshots reaps snapshots whose expiry passed before now,
// together with their creation transactions.
func (s *Store) DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if now.IsZero() {
		return 0, fmt.Errorf("current time is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM transactions WHERE snapshot_id IN (SELECT id FROM snapshots WHERE expires_at < ?)",
		toMillis(now),
	); err != nil {
		return 0, fmt.Errorf("delete expired transactions: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE expires_at < ?", toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired snapshots: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count expired snapshots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expiry sweep: %w", err)
	}
	return int(deleted), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (snapshot.Snapshot, error) {
	var (
		snap             snapshot.Snapshot
		stateData        []byte
		format           string
		checkpointType   string
		agentPhase       string
		executionContext string
		createdAt        int64
		expiresAt        int64
	)
	if err := row.Scan(
		&snap.ID,
		&snap.RunID,
		&snap.ThreadID,
		&snap.UserID,
		&stateData,
		&format,
		&checkpointType,
		&agentPhase,
		&executionContext,
		&snap.IsRecoveryPoint,
		&createdAt,
		&expiresAt,
	); err != nil {
		return snapshot.Snapshot{}, err
	}

	parsedFormat, err := serialization.ParseFormat(format)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("parse format %q: %w", format, err)
	}
	snap.Format = parsedFormat

	parsedCheckpoint, err := snapshot.ParseCheckpointType(checkpointType)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("parse checkpoint type %q: %w", checkpointType, err)
	}
	snap.CheckpointType = parsedCheckpoint

	parsedPhase, err := snapshot.ParseAgentPhase(agentPhase)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("parse agent phase %q: %w", agentPhase, err)
	}
	snap.AgentPhase = parsedPhase

	snap.StateData, err = serialization.Decode(stateData, parsedFormat)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode state data: %w", err)
	}
	snap.ExecutionContext, err = decodeJSONMap[any](executionContext)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode execution context: %w", err)
	}

	snap.CreatedAt = fromMillis(createdAt)
	snap.ExpiresAt = fromMillis(expiresAt)
	return snap, nil
}
