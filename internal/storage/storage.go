// Package storage defines the durable-store contracts of the state store.
//
// Implementations must provide atomic multi-record write units with
// read-committed-or-stronger isolation, ordering by creation timestamp, and a
// secondary lookup path over transaction metadata for recovery correlation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/runstate/internal/audit"
	"github.com/louisbranch/runstate/internal/snapshot"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a requested state transition is invalid, such as
// completing a transaction that is already terminal.
var ErrConflict = errors.New("record conflict")

// Store persists snapshots and their audit transactions.
type Store interface {
	// CreateCheckpoint writes a snapshot and its pending creation transaction
	// in one atomic unit: both become visible together or not at all.
	CreateCheckpoint(ctx context.Context, snap snapshot.Snapshot, tx audit.Transaction) error

	// GetSnapshot returns the snapshot with the given id, or, when snapshotID
	// is empty, the most recent snapshot for the run by creation time.
	// Missing records surface as ErrNotFound.
	GetSnapshot(ctx context.Context, runID, snapshotID string) (snapshot.Snapshot, error)

	// EnforceRetention deletes every snapshot for the run beyond the
	// maxPerRun most recent, together with their creation transactions, in
	// one atomic batch. It returns the number of snapshots deleted and is
	// idempotent.
	EnforceRetention(ctx context.Context, runID string, maxPerRun int) (int, error)

	// AppendTransaction inserts a pending transaction record.
	AppendTransaction(ctx context.Context, tx audit.Transaction) error

	// CompleteTransaction finalizes a pending transaction by primary key.
	// Terminal records never revert: completing one again returns ErrConflict.
	CompleteTransaction(ctx context.Context, transactionID string, status audit.Status, errorMessage string, completedAt time.Time) error

	// CompleteTransactionByRecoveryID finalizes a pending recovery
	// transaction located through the recovery_id metadata field.
	CompleteTransactionByRecoveryID(ctx context.Context, recoveryID string, status audit.Status, errorMessage string, completedAt time.Time) error

	// ListSnapshots returns snapshots for a run ordered newest first.
	ListSnapshots(ctx context.Context, runID string, limit, offset int) ([]snapshot.Snapshot, error)

	// ListTransactions returns transactions for a run ordered newest first.
	ListTransactions(ctx context.Context, runID string, limit, offset int) ([]audit.Transaction, error)

	// ListRunIDs returns the distinct run ids with stored snapshots.
	ListRunIDs(ctx context.Context) ([]string, error)

	// DeleteExpiredSnapshots reaps snapshots whose expiry passed before now,
	// together with their creation transactions. Expiry is advisory and
	// enforced only through this maintenance path, never during loads.
	DeleteExpiredSnapshots(ctx context.Context, now time.Time) (int, error)
}
