package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/louisbranch/runstate/internal/audit"
	"github.com/louisbranch/runstate/internal/platform/id"
)

// Loader reloads execution state. A false result means no state was
// available; the loader never returns an error.
type Loader interface {
	Load(ctx context.Context, runID, snapshotID string) (map[string]any, bool)
}

// CacheInvalidator discards cached state for a run, best effort.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, runID string)
}

// AuditLog records and finalizes recovery transactions.
type AuditLog interface {
	AppendTransaction(ctx context.Context, tx audit.Transaction) error
	CompleteTransactionByRecoveryID(ctx context.Context, recoveryID string, status audit.Status, errorMessage string, completedAt time.Time) error
}

// Coordinator executes recovery attempts against the loader and cache,
// bracketing each attempt with its own audit transaction.
type Coordinator struct {
	loader Loader
	cache  CacheInvalidator
	log    AuditLog
	logger *slog.Logger
	clock  func() time.Time
	newID  func() (string, error)
}

// NewCoordinator creates a recovery coordinator. A nil logger falls back to
// the default slog logger.
func NewCoordinator(loader Loader, cache CacheInvalidator, log AuditLog, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		loader: loader,
		cache:  cache,
		log:    log,
		logger: logger,
		clock:  time.Now,
		newID:  id.NewID,
	}
}

// SetClock overrides the time source. Intended for tests.
func (c *Coordinator) SetClock(clock func() time.Time) {
	if clock != nil {
		c.clock = clock
	}
}

// SetIDGenerator overrides the id source. Intended for tests.
func (c *Coordinator) SetIDGenerator(newID func() (string, error)) {
	if newID != nil {
		c.newID = newID
	}
}

// Run executes one recovery attempt. Contract violations (unsupported type,
// empty run id) return an error without writing any audit row; every other
// outcome is reported through the Result with the attempt's transaction
// finalized as committed or failed.
func (c *Coordinator) Run(ctx context.Context, req Request) (Result, error) {
	req, err := req.Normalize()
	if err != nil {
		return Result{}, err
	}

	recoveryID, err := c.newID()
	if err != nil {
		c.logger.Error("recovery aborted: id generation failed", "run_id", req.RunID, "error", err)
		return Result{Reason: "id generation failed"}, nil
	}
	transactionID, err := c.newID()
	if err != nil {
		c.logger.Error("recovery aborted: id generation failed", "run_id", req.RunID, "error", err)
		return Result{Reason: "id generation failed"}, nil
	}

	now := c.clock().UTC()
	pending := audit.Transaction{
		ID:          transactionID,
		RunID:       req.RunID,
		Operation:   audit.OperationRecovery,
		TriggeredBy: req.TriggeredBy,
		Status:      audit.StatusPending,
		Metadata:    map[string]string{audit.MetadataKeyRecoveryID: recoveryID},
		CreatedAt:   now,
	}
	if err := c.log.AppendTransaction(ctx, pending); err != nil {
		c.logger.Error("recovery aborted: audit transaction not recorded", "run_id", req.RunID, "error", err)
		return Result{Reason: "audit transaction not recorded"}, nil
	}

	success, reason := c.execute(ctx, req)

	status := audit.StatusCommitted
	if !success {
		status = audit.StatusFailed
	}
	if err := c.log.CompleteTransactionByRecoveryID(ctx, recoveryID, status, reason, c.clock().UTC()); err != nil {
		c.logger.Warn("recovery transaction not finalized", "run_id", req.RunID, "recovery_id", recoveryID, "error", err)
	}

	if !success {
		return Result{Reason: reason}, nil
	}
	return Result{Success: true, RecoveryID: recoveryID}, nil
}

// execute runs the type-specific logic. Panics are converted into a failed
// outcome so the bracketing transaction still finalizes.
func (c *Coordinator) execute(ctx context.Context, req Request) (success bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			reason = fmt.Sprintf("recovery panicked: %v", r)
			c.logger.Error("recovery panicked", "run_id", req.RunID, "recovery_type", string(req.Type), "panic", r)
		}
	}()

	switch req.Type {
	case TypeRestart:
		c.cache.Invalidate(ctx, req.RunID)
		return true, ""
	case TypeResume:
		if _, ok := c.loader.Load(ctx, req.RunID, ""); !ok {
			return false, "no snapshot available to resume from"
		}
		return true, ""
	case TypeRollback:
		if req.TargetSnapshotID == "" {
			return false, "target snapshot id is required for rollback"
		}
		if _, ok := c.loader.Load(ctx, req.RunID, req.TargetSnapshotID); !ok {
			return false, fmt.Sprintf("snapshot %s not found", req.TargetSnapshotID)
		}
		return true, ""
	default:
		// Normalize rejects unknown types before execution.
		return false, fmt.Sprintf("unsupported recovery type %q", req.Type)
	}
}
