package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/runstate/internal/audit"
	"github.com/louisbranch/runstate/internal/storage"
)

const transactionColumns = `id, snapshot_id, run_id, operation_type, triggered_by,
	execution_phase, status, error_message, metadata, created_at, completed_at`

// AppendTransaction inserts a pending transaction record. A snapshot id is
// optional: pure recovery transactions store NULL.
func (s *Store) AppendTransaction(ctx context.Context, rec audit.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("transaction id is required")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if rec.Status != audit.StatusPending {
		return fmt.Errorf("new transactions must be pending")
	}
	if rec.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}

	metadata, err := encodeJSONMap(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode transaction metadata: %w", err)
	}

	var snapshotID any
	if strings.TrimSpace(rec.SnapshotID) != "" {
		snapshotID = rec.SnapshotID
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO transactions (
	id, snapshot_id, run_id, operation_type, triggered_by, execution_phase,
	status, error_message, metadata, created_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
`,
		rec.ID,
		snapshotID,
		rec.RunID,
		string(rec.Operation),
		rec.TriggeredBy,
		rec.ExecutionPhase,
		string(rec.Status),
		rec.ErrorMessage,
		metadata,
		toMillis(rec.CreatedAt),
	); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// CompleteTransaction finalizes a pending transaction by primary key. Once a
// transaction is terminal its status never reverts: a second completion
// returns storage.ErrConflict.
func (s *Store) CompleteTransaction(ctx context.Context, transactionID string, status audit.Status, errorMessage string, completedAt time.Time) error {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return fmt.Errorf("transaction id is required")
	}
	return s.completeWhere(ctx, "id = ?", transactionID, status, errorMessage, completedAt)
}

// CompleteTransactionByRecoveryID finalizes a pending recovery transaction
// located through the recovery_id metadata field. This is the secondary
// lookup path for coordinators that hold only the correlation id.
func (s *Store) CompleteTransactionByRecoveryID(ctx context.Context, recoveryID string, status audit.Status, errorMessage string, completedAt time.Time) error {
	recoveryID = strings.TrimSpace(recoveryID)
	if recoveryID == "" {
		return fmt.Errorf("recovery id is required")
	}
	return s.completeWhere(ctx, "json_extract(metadata, '$.recovery_id') = ?", recoveryID, status, errorMessage, completedAt)
}

func (s *Store) completeWhere(ctx context.Context, where string, arg any, status audit.Status, errorMessage string, completedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if !status.Terminal() {
		return audit.ErrNotTerminal
	}
	if completedAt.IsZero() {
		return fmt.Errorf("completed at is required")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE transactions SET status = ?, error_message = ?, completed_at = ? WHERE "+where+" AND status = ?",
		string(status), errorMessage, toMillis(completedAt), arg, string(audit.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count completed transactions: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Nothing was pending: distinguish a missing record from one that is
	// already terminal.
	var found int
	err = s.sqlDB.QueryRowContext(ctx, "SELECT 1 FROM transactions WHERE "+where, arg).Scan(&found)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check transaction: %w", err)
	}
	return storage.ErrConflict
}

// ListTransactions returns transactions for a run ordered newest first.
func (s *Store) ListTransactions(ctx context.Context, runID string, limit, offset int) ([]audit.Transaction, error) {
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
		"SELECT "+transactionColumns+" FROM transactions WHERE run_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		runID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var transactions []audit.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		transactions = append(transactions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return transactions, nil
}

func scanTransaction(row rowScanner) (audit.Transaction, error) {
	var (
		rec         audit.Transaction
		snapshotID  sql.NullString
		operation   string
		status      string
		metadata    string
		createdAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID,
		&snapshotID,
		&rec.RunID,
		&operation,
		&rec.TriggeredBy,
		&rec.ExecutionPhase,
		&status,
		&rec.ErrorMessage,
		&metadata,
		&createdAt,
		&completedAt,
	); err != nil {
		return audit.Transaction{}, err
	}

	if snapshotID.Valid {
		rec.SnapshotID = snapshotID.String
	}

	parsedOperation, err := audit.ParseOperation(operation)
	if err != nil {
		return audit.Transaction{}, fmt.Errorf("parse operation %q: %w", operation, err)
	}
	rec.Operation = parsedOperation

	parsedStatus, err := audit.ParseStatus(status)
	if err != nil {
		return audit.Transaction{}, fmt.Errorf("parse status %q: %w", status, err)
	}
	rec.Status = parsedStatus

	rec.Metadata, err = decodeJSONMap[string](metadata)
	if err != nil {
		return audit.Transaction{}, fmt.Errorf("decode transaction metadata: %w", err)
	}

	rec.CreatedAt = fromMillis(createdAt)
	if completedAt.Valid {
		value := fromMillis(completedAt.Int64)
		rec.CompletedAt = &value
	}
	return rec, nil
}
