// Package snapshot models immutable point-in-time records of execution state.
//
// A snapshot captures the full state of one agent run at a moment in time.
// Records never mutate after creation; they disappear only through retention
// eviction or advisory expiry reaping.
package snapshot

import (
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/runstate/internal/serialization"
)

// CheckpointType distinguishes how a snapshot was triggered.
type CheckpointType string

const (
	// CheckpointManual indicates an explicit caller-requested snapshot.
	CheckpointManual CheckpointType = "manual"
	// CheckpointAuto indicates a system-scheduled snapshot.
	CheckpointAuto CheckpointType = "auto"
)

// AgentPhase identifies where in its loop an agent was when state was captured.
type AgentPhase string

const (
	// PhasePlanning covers goal decomposition and tool selection.
	PhasePlanning AgentPhase = "planning"
	// PhaseExecution covers tool calls and model invocations.
	PhaseExecution AgentPhase = "execution"
	// PhaseEvaluation covers result review and loop-exit decisions.
	PhaseEvaluation AgentPhase = "evaluation"
)

var (
	// ErrEmptyRunID indicates a run id is required.
	ErrEmptyRunID = errors.New("run id is required")
	// ErrInvalidCheckpointType indicates an unsupported checkpoint type.
	ErrInvalidCheckpointType = errors.New("checkpoint type is invalid")
	// ErrInvalidAgentPhase indicates an unsupported agent phase.
	ErrInvalidAgentPhase = errors.New("agent phase is invalid")
)

// Snapshot is one immutable, versioned record of execution state.
type Snapshot struct {
	ID       string
	RunID    string
	ThreadID string
	UserID   string

	// StateData holds the storage-safe key/value state captured at creation.
	StateData map[string]any
	Format    serialization.Format

	CheckpointType   CheckpointType
	AgentPhase       AgentPhase
	ExecutionContext map[string]any
	IsRecoveryPoint  bool

	CreatedAt time.Time
	ExpiresAt time.Time
}

// ParseCheckpointType canonicalizes a checkpoint type value. Empty input
// defaults to auto.
func ParseCheckpointType(value string) (CheckpointType, error) {
	switch CheckpointType(strings.ToLower(strings.TrimSpace(value))) {
	case CheckpointManual:
		return CheckpointManual, nil
	case CheckpointAuto, "":
		return CheckpointAuto, nil
	default:
		return "", ErrInvalidCheckpointType
	}
}

// ParseAgentPhase canonicalizes an agent phase value. The phase is optional;
// empty input stays empty.
func ParseAgentPhase(value string) (AgentPhase, error) {
	switch AgentPhase(strings.ToLower(strings.TrimSpace(value))) {
	case PhasePlanning:
		return PhasePlanning, nil
	case PhaseExecution:
		return PhaseExecution, nil
	case PhaseEvaluation:
		return PhaseEvaluation, nil
	case "":
		return "", nil
	default:
		return "", ErrInvalidAgentPhase
	}
}
