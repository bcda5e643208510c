// Package maintenance implements the offline maintenance command: snapshot
// and transaction inspection, expiry sweeps and retention enforcement against
// the state database.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/louisbranch/runstate/internal/audit"
	"github.com/louisbranch/runstate/internal/cache"
	"github.com/louisbranch/runstate/internal/cache/bolt"
	"github.com/louisbranch/runstate/internal/platform/otel"
	"github.com/louisbranch/runstate/internal/snapshot"
	"github.com/louisbranch/runstate/internal/storage"
	"github.com/louisbranch/runstate/internal/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath           string
	CachePath        string
	Timeout          time.Duration
	RunID            string
	ListSnapshots    bool
	ListTransactions bool
	SweepExpired     bool
	EnforceRetention bool
	InvalidateCache  bool
	MaxPerRun        int
	Limit            int
	Offset           int
	JSONOutput       bool
}

type envConfig struct {
	DBPath    string        `env:"RUNSTATE_DB_PATH"`
	CachePath string        `env:"RUNSTATE_CACHE_PATH"`
	Timeout   time.Duration `env:"RUNSTATE_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	MaxPerRun int           `env:"RUNSTATE_MAX_SNAPSHOTS_PER_RUN" envDefault:"50"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:    envCfg.DBPath,
		CachePath: envCfg.CachePath,
		Timeout:   envCfg.Timeout,
		MaxPerRun: envCfg.MaxPerRun,
		Limit:     50,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "runstate.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to state sqlite database (default: RUNSTATE_DB_PATH or data/runstate.db)")
	fs.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "path to bolt cache database (default: RUNSTATE_CACHE_PATH)")
	fs.StringVar(&cfg.RunID, "run-id", "", "run id to operate on")
	fs.BoolVar(&cfg.ListSnapshots, "list-snapshots", false, "list snapshots for -run-id")
	fs.BoolVar(&cfg.ListTransactions, "list-transactions", false, "list audit transactions for -run-id")
	fs.BoolVar(&cfg.SweepExpired, "sweep-expired", false, "delete snapshots whose expiry has passed")
	fs.BoolVar(&cfg.EnforceRetention, "enforce-retention", false, "trim each run to the -max-per-run most recent snapshots (all runs unless -run-id)")
	fs.BoolVar(&cfg.InvalidateCache, "invalidate-cache", false, "drop cached state for -run-id from the bolt cache at -cache-path")
	fs.IntVar(&cfg.MaxPerRun, "max-per-run", cfg.MaxPerRun, "snapshot retention cap per run")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max rows to print when listing")
	fs.IntVar(&cfg.Offset, "offset", 0, "rows to skip when listing")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	if err := validateModes(cfg); err != nil {
		return err
	}

	shutdown, err := otel.Setup(ctx, "maintenance")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(errOut, "Error: otel shutdown: %v\n", err)
		}
	}()

	if cfg.InvalidateCache {
		return runInvalidateCache(ctx, cfg, out, errOut)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close state store: %v\n", closeErr)
		}
	}()

	return runWithStore(ctx, cfg, store, time.Now().UTC(), out)
}

func validateModes(cfg Config) error {
	modes := 0
	for _, enabled := range []bool{cfg.ListSnapshots, cfg.ListTransactions, cfg.SweepExpired, cfg.EnforceRetention, cfg.InvalidateCache} {
		if enabled {
			modes++
		}
	}
	if modes == 0 {
		return errors.New("one of -list-snapshots, -list-transactions, -sweep-expired, -enforce-retention or -invalidate-cache is required")
	}
	if modes > 1 {
		return errors.New("modes cannot be combined")
	}
	if (cfg.ListSnapshots || cfg.ListTransactions) && cfg.RunID == "" {
		return errors.New("-run-id is required for listing")
	}
	if cfg.InvalidateCache {
		if cfg.RunID == "" {
			return errors.New("-run-id is required for -invalidate-cache")
		}
		if cfg.CachePath == "" {
			return errors.New("-cache-path is required for -invalidate-cache")
		}
	}
	if cfg.SweepExpired && cfg.RunID != "" {
		return errors.New("-sweep-expired operates on all runs and cannot be combined with -run-id")
	}
	if cfg.ListSnapshots || cfg.ListTransactions {
		if cfg.Limit <= 0 {
			return errors.New("-limit must be > 0")
		}
		if cfg.Offset < 0 {
			return errors.New("-offset must be >= 0")
		}
	}
	if cfg.EnforceRetention && cfg.MaxPerRun <= 0 {
		return errors.New("-max-per-run must be > 0")
	}
	return nil
}

// runInvalidateCache drops the cached entries for one run directly from the
// bolt cache file. Unlike the in-process cache layer, failures here surface
// as errors so the operator sees them.
func runInvalidateCache(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	backend, err := bolt.Open(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() {
		if closeErr := backend.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close cache: %v\n", closeErr)
		}
	}()

	if err := backend.DeletePrefix(ctx, cache.RunPrefix(cfg.RunID)); err != nil {
		return fmt.Errorf("invalidate cache for %s: %w", cfg.RunID, err)
	}
	fmt.Fprintf(out, "cache invalidated for run %s\n", cfg.RunID)
	return nil
}

// runWithStore contains the core maintenance logic with an injectable store
// and clock reading.
func runWithStore(ctx context.Context, cfg Config, store storage.Store, now time.Time, out io.Writer) error {
	switch {
	case cfg.ListSnapshots:
		snapshots, err := store.ListSnapshots(ctx, cfg.RunID, cfg.Limit, cfg.Offset)
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		return printSnapshots(out, snapshots, cfg.JSONOutput)
	case cfg.ListTransactions:
		transactions, err := store.ListTransactions(ctx, cfg.RunID, cfg.Limit, cfg.Offset)
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		return printTransactions(out, transactions, cfg.JSONOutput)
	case cfg.SweepExpired:
		deleted, err := store.DeleteExpiredSnapshots(ctx, now)
		if err != nil {
			return fmt.Errorf("sweep expired snapshots: %w", err)
		}
		return printCount(out, "expired snapshots deleted", deleted, cfg.JSONOutput)
	case cfg.EnforceRetention:
		runIDs := []string{cfg.RunID}
		if cfg.RunID == "" {
			ids, err := store.ListRunIDs(ctx)
			if err != nil {
				return fmt.Errorf("list run ids: %w", err)
			}
			runIDs = ids
		}
		total := 0
		for _, runID := range runIDs {
			deleted, err := store.EnforceRetention(ctx, runID, cfg.MaxPerRun)
			if err != nil {
				return fmt.Errorf("enforce retention for %s: %w", runID, err)
			}
			total += deleted
		}
		return printCount(out, "snapshots trimmed", total, cfg.JSONOutput)
	}
	return errors.New("no mode selected")
}

type snapshotRow struct {
	ID              string `json:"id"`
	CheckpointType  string `json:"checkpoint_type"`
	AgentPhase      string `json:"agent_phase,omitempty"`
	Format          string `json:"format"`
	IsRecoveryPoint bool   `json:"is_recovery_point"`
	CreatedAt       string `json:"created_at"`
	ExpiresAt       string `json:"expires_at"`
}

func printSnapshots(out io.Writer, snapshots []snapshot.Snapshot, jsonOutput bool) error {
	rows := make([]snapshotRow, 0, len(snapshots))
	for _, snap := range snapshots {
		rows = append(rows, snapshotRow{
			ID:              snap.ID,
			CheckpointType:  string(snap.CheckpointType),
			AgentPhase:      string(snap.AgentPhase),
			Format:          string(snap.Format),
			IsRecoveryPoint: snap.IsRecoveryPoint,
			CreatedAt:       snap.CreatedAt.Format(time.RFC3339),
			ExpiresAt:       snap.ExpiresAt.Format(time.RFC3339),
		})
	}
	if jsonOutput {
		return outputJSON(out, rows)
	}
	for _, row := range rows {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\trecovery_point=%t\t%s\n",
			row.ID, row.CheckpointType, row.AgentPhase, row.Format, row.IsRecoveryPoint, row.CreatedAt)
	}
	fmt.Fprintf(out, "%d snapshot(s)\n", len(rows))
	return nil
}

type transactionRow struct {
	ID          string `json:"id"`
	SnapshotID  string `json:"snapshot_id,omitempty"`
	Operation   string `json:"operation"`
	Status      string `json:"status"`
	TriggeredBy string `json:"triggered_by"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func printTransactions(out io.Writer, transactions []audit.Transaction, jsonOutput bool) error {
	rows := make([]transactionRow, 0, len(transactions))
	for _, tx := range transactions {
		row := transactionRow{
			ID:          tx.ID,
			SnapshotID:  tx.SnapshotID,
			Operation:   string(tx.Operation),
			Status:      string(tx.Status),
			TriggeredBy: tx.TriggeredBy,
			Error:       tx.ErrorMessage,
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		}
		if tx.CompletedAt != nil {
			row.CompletedAt = tx.CompletedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	if jsonOutput {
		return outputJSON(out, rows)
	}
	for _, row := range rows {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n", row.ID, row.Operation, row.Status, row.SnapshotID, row.CreatedAt)
	}
	fmt.Fprintf(out, "%d transaction(s)\n", len(rows))
	return nil
}

func printCount(out io.Writer, label string, count int, jsonOutput bool) error {
	if jsonOutput {
		return outputJSON(out, map[string]int{"deleted": count})
	}
	fmt.Fprintf(out, "%s: %d\n", label, count)
	return nil
}

func outputJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
