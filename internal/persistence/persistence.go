// Package persistence composes the state store: serialization policy,
// durable storage, best-effort cache and recovery coordination behind one
// Save/Load/Recover façade.
//
// Save gives an atomicity guarantee across the snapshot and its creation
// transaction; everything after that commit (cache write, retention,
// transaction completion) is bookkeeping that never takes the durably
// persisted data back. Load never fails: a broken load is indistinguishable
// from state that was never saved, and callers needing the distinction must
// consult the transaction audit trail.
package persistence

import (
	"strings"
	"time"

	"github.com/louisbranch/runstate/internal/snapshot"
)

// SaveRequest describes one snapshot save.
type SaveRequest struct {
	RunID    string
	ThreadID string
	UserID   string

	// State is the execution state to persist. It is validated and rewritten
	// into storage-safe form before any write happens.
	State map[string]any

	CheckpointType   snapshot.CheckpointType
	AgentPhase       snapshot.AgentPhase
	ExecutionContext map[string]any
	IsRecoveryPoint  bool
	TriggeredBy      string

	// ExpiresAt overrides the default retention-based expiry when set.
	ExpiresAt *time.Time
}

// Normalize canonicalizes and validates the request fields that form the
// caller contract. State content is validated separately by the Validator.
func (r SaveRequest) Normalize() (SaveRequest, error) {
	r.RunID = strings.TrimSpace(r.RunID)
	if r.RunID == "" {
		return SaveRequest{}, snapshot.ErrEmptyRunID
	}
	r.ThreadID = strings.TrimSpace(r.ThreadID)
	r.UserID = strings.TrimSpace(r.UserID)
	r.TriggeredBy = strings.TrimSpace(r.TriggeredBy)
	if r.TriggeredBy == "" {
		r.TriggeredBy = "system"
	}

	checkpointType, err := snapshot.ParseCheckpointType(string(r.CheckpointType))
	if err != nil {
		return SaveRequest{}, err
	}
	r.CheckpointType = checkpointType

	agentPhase, err := snapshot.ParseAgentPhase(string(r.AgentPhase))
	if err != nil {
		return SaveRequest{}, err
	}
	r.AgentPhase = agentPhase

	return r, nil
}
