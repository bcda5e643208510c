// Package recovery implements the crash-recovery state machine of the state
// store.
//
// Every attempt is bracketed by its own audit transaction: logged pending
// before the type-specific logic runs and finalized afterwards regardless of
// outcome. The transaction is completed through a correlation id carried in
// its metadata, because the coordinator may not hold the transaction's
// primary key when the attempt finishes.
package recovery

import (
	"errors"
	"strings"
)

// Type selects a recovery strategy.
type Type string

const (
	// TypeRestart discards cached state so the run restarts cleanly.
	TypeRestart Type = "restart"
	// TypeResume reloads the most recent snapshot of the run.
	TypeResume Type = "resume"
	// TypeRollback reloads one specific historical snapshot.
	TypeRollback Type = "rollback"
)

var (
	// ErrUnsupportedType indicates a recovery type outside the supported set.
	// It is a caller contract violation, distinct from a failed recovery
	// outcome: no audit transaction is written for it.
	ErrUnsupportedType = errors.New("unsupported recovery type")
	// ErrEmptyRunID indicates a run id is required.
	ErrEmptyRunID = errors.New("run id is required")
)

// Request describes one recovery attempt.
type Request struct {
	RunID string
	Type  Type

	// TargetSnapshotID selects the snapshot to roll back to. Required for
	// rollback, ignored otherwise.
	TargetSnapshotID string

	// TriggeredBy identifies the actor requesting recovery. Defaults to
	// "system".
	TriggeredBy string
}

// Result reports one finished recovery attempt. RecoveryID is set only on
// success; failed attempts carry the reason instead.
type Result struct {
	Success    bool
	RecoveryID string
	Reason     string
}

// ParseType canonicalizes a recovery type value.
func ParseType(value string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(value))) {
	case TypeRestart:
		return TypeRestart, nil
	case TypeResume:
		return TypeResume, nil
	case TypeRollback:
		return TypeRollback, nil
	default:
		return "", ErrUnsupportedType
	}
}

// Normalize canonicalizes and validates the request. Contract violations
// (empty run id, unsupported type) surface as errors before any audit row is
// written.
func (r Request) Normalize() (Request, error) {
	r.RunID = strings.TrimSpace(r.RunID)
	if r.RunID == "" {
		return Request{}, ErrEmptyRunID
	}

	parsed, err := ParseType(string(r.Type))
	if err != nil {
		return Request{}, err
	}
	r.Type = parsed

	r.TargetSnapshotID = strings.TrimSpace(r.TargetSnapshotID)
	r.TriggeredBy = strings.TrimSpace(r.TriggeredBy)
	if r.TriggeredBy == "" {
		r.TriggeredBy = "system"
	}
	return r, nil
}
