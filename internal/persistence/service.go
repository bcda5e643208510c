package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/runstate/internal/audit"
	"github.com/louisbranch/runstate/internal/cache"
	"github.com/louisbranch/runstate/internal/platform/id"
	"github.com/louisbranch/runstate/internal/recovery"
	"github.com/louisbranch/runstate/internal/serialization"
	"github.com/louisbranch/runstate/internal/snapshot"
	"github.com/louisbranch/runstate/internal/storage"
)

const (
	// DefaultMaxSnapshotsPerRun caps how many snapshots persist per run id.
	DefaultMaxSnapshotsPerRun = 50
	// DefaultRetentionDays is the advisory expiry horizon for new snapshots.
	DefaultRetentionDays = 30
)

const tracerName = "github.com/louisbranch/runstate/internal/persistence"

// Options configures optional Service collaborators. Zero values select
// defaults: a permanent-miss cache, the stock payload validator, the default
// slog logger, wall-clock time and random ids.
type Options struct {
	Cache              *cache.Layer
	Validator          serialization.Validator
	Logger             *slog.Logger
	Clock              func() time.Time
	NewID              func() (string, error)
	MaxSnapshotsPerRun int
	RetentionDays      int
}

// Service is the public façade of the state store.
type Service struct {
	store     storage.Store
	cache     *cache.Layer
	validator serialization.Validator
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time
	newID     func() (string, error)

	maxSnapshotsPerRun int
	retention          time.Duration

	coordinator *recovery.Coordinator
}

// New creates a Service over the given durable store.
func New(store storage.Store, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NewLayer(nil, opts.Logger, 0)
	}
	if opts.Validator == nil {
		opts.Validator = serialization.PayloadValidator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = id.NewID
	}
	if opts.MaxSnapshotsPerRun <= 0 {
		opts.MaxSnapshotsPerRun = DefaultMaxSnapshotsPerRun
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}

	s := &Service{
		store:              store,
		cache:              opts.Cache,
		validator:          opts.Validator,
		logger:             opts.Logger,
		tracer:             otel.Tracer(tracerName),
		clock:              opts.Clock,
		newID:              opts.NewID,
		maxSnapshotsPerRun: opts.MaxSnapshotsPerRun,
		retention:          time.Duration(opts.RetentionDays) * 24 * time.Hour,
	}

	coordinator := recovery.NewCoordinator(s, opts.Cache, store, opts.Logger)
	coordinator.SetClock(opts.Clock)
	coordinator.SetIDGenerator(opts.NewID)
	s.coordinator = coordinator
	return s
}

// Save persists one snapshot of execution state together with its creation
// transaction as an atomic unit, then runs best-effort bookkeeping: cache
// write-through, retention enforcement and transaction completion. Failures
// after the atomic unit commits are logged but do not fail the save, because
// the data is already durable.
//
// Validation failures return a *serialization.ValidationError and write
// nothing.
func (s *Service) Save(ctx context.Context, req SaveRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.save",
		trace.WithAttributes(attribute.String("runstate.run_id", req.RunID)))
	defer span.End()

	req, err := req.Normalize()
	if err != nil {
		return "", err
	}

	if result := s.validator.Validate(req.State); !result.IsValid {
		return "", &serialization.ValidationError{Errors: result.Errors}
	}

	format := serialization.ChooseFormat(req.State)
	state := serialization.ToStorageSafe(req.State)

	snapshotID, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("allocate snapshot id: %w", err)
	}
	transactionID, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("allocate transaction id: %w", err)
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.retention)
	if req.ExpiresAt != nil {
		expiresAt = req.ExpiresAt.UTC()
	}

	snap := snapshot.Snapshot{
		ID:               snapshotID,
		RunID:            req.RunID,
		ThreadID:         req.ThreadID,
		UserID:           req.UserID,
		StateData:        state,
		Format:           format,
		CheckpointType:   req.CheckpointType,
		AgentPhase:       req.AgentPhase,
		ExecutionContext: req.ExecutionContext,
		IsRecoveryPoint:  req.IsRecoveryPoint,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
	}
	rec := audit.Transaction{
		ID:             transactionID,
		SnapshotID:     snapshotID,
		RunID:          req.RunID,
		Operation:      audit.OperationCreate,
		TriggeredBy:    req.TriggeredBy,
		ExecutionPhase: string(req.AgentPhase),
		Status:         audit.StatusPending,
		CreatedAt:      now,
	}

	if err := s.store.CreateCheckpoint(ctx, snap, rec); err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}

	// The snapshot is durable from here on: bookkeeping failures are logged
	// and the save still succeeds.
	s.cache.Write(ctx, req.RunID, state)

	if _, err := s.store.EnforceRetention(ctx, req.RunID, s.maxSnapshotsPerRun); err != nil {
		s.logger.Warn("retention enforcement failed after save", "run_id", req.RunID, "error", err)
	}
	if err := s.store.CompleteTransaction(ctx, transactionID, audit.StatusCommitted, "", s.clock().UTC()); err != nil {
		s.logger.Warn("creation transaction not finalized", "run_id", req.RunID, "transaction_id", transactionID, "error", err)
	}

	return snapshotID, nil
}

// Load returns execution state for the run: the cached latest state when
// snapshotID is empty, otherwise the identified snapshot from durable
// storage. Found state is written through to the cache. Load never fails;
// missing records and internal errors alike report absent state, with
// diagnostics logged for the latter.
func (s *Service) Load(ctx context.Context, runID, snapshotID string) (state map[string]any, found bool) {
	ctx, span := s.tracer.Start(ctx, "runstate.load",
		trace.WithAttributes(
			attribute.String("runstate.run_id", runID),
			attribute.String("runstate.snapshot_id", snapshotID),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("load panicked", "run_id", runID, "panic", r)
			state, found = nil, false
		}
	}()

	// The cache only ever mirrors the latest state, so explicit historical
	// loads always go to durable storage.
	if snapshotID == "" {
		if cached, ok := s.cache.Read(ctx, runID); ok {
			return cached, true
		}
	}

	snap, err := s.store.GetSnapshot(ctx, runID, snapshotID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Error("load failed", "run_id", runID, "snapshot_id", snapshotID, "error", err)
		return nil, false
	}

	s.cache.Write(ctx, runID, snap.StateData)
	return snap.StateData, true
}

// Recover executes one recovery attempt. Contract violations (unsupported
// recovery type, empty run id) return an error; every other outcome is
// reported through the Result.
func (s *Service) Recover(ctx context.Context, req recovery.Request) (recovery.Result, error) {
	ctx, span := s.tracer.Start(ctx, "runstate.recover",
		trace.WithAttributes(
			attribute.String("runstate.run_id", req.RunID),
			attribute.String("runstate.recovery_type", string(req.Type)),
		))
	defer span.End()

	return s.coordinator.Run(ctx, req)
}
