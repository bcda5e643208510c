// Package audit models the append-only transaction trail of the state store.
//
// Every snapshot creation and every recovery attempt is bracketed by exactly
// one transaction record: created pending, finalized exactly once into a
// terminal status that never reverts.
package audit

import (
	"errors"
	"strings"
	"time"
)

// Operation identifies what a transaction records.
type Operation string

const (
	// OperationCreate records a snapshot creation.
	OperationCreate Operation = "create"
	// OperationRecovery records a recovery attempt.
	OperationRecovery Operation = "recovery"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	// StatusPending indicates the operation is still in flight.
	StatusPending Status = "pending"
	// StatusCommitted indicates the operation finished successfully.
	StatusCommitted Status = "committed"
	// StatusFailed indicates the operation finished unsuccessfully.
	StatusFailed Status = "failed"
)

// MetadataKeyRecoveryID is the metadata field carrying the correlation id of
// a recovery attempt. Recovery transactions are completed by this field
// rather than by primary key, because the coordinator finalizing them may
// not hold the original transaction id.
const MetadataKeyRecoveryID = "recovery_id"

var (
	// ErrInvalidOperation indicates an unsupported operation type.
	ErrInvalidOperation = errors.New("operation type is invalid")
	// ErrInvalidStatus indicates an unsupported transaction status.
	ErrInvalidStatus = errors.New("transaction status is invalid")
	// ErrNotTerminal indicates a completion status must be terminal.
	ErrNotTerminal = errors.New("completion status must be committed or failed")
)

// Transaction is one append-only audit record.
type Transaction struct {
	ID string

	// SnapshotID links a create transaction to its snapshot. Empty for pure
	// recovery transactions.
	SnapshotID string
	RunID      string

	Operation      Operation
	TriggeredBy    string
	ExecutionPhase string

	Status       Status
	ErrorMessage string

	// Metadata carries operation context, including the recovery correlation
	// id for recovery transactions.
	Metadata map[string]string

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusFailed
}

// ParseOperation canonicalizes an operation value.
func ParseOperation(value string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(value))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationRecovery:
		return OperationRecovery, nil
	default:
		return "", ErrInvalidOperation
	}
}

// ParseStatus canonicalizes a status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, nil
	case StatusCommitted:
		return StatusCommitted, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", ErrInvalidStatus
	}
}
