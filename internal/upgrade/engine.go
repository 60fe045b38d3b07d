// Package upgrade carries a reference database forward across schema
// versions, one registered step at a time. Every step is guarded by a
// whole-file backup and a durable checkpoint so an interrupted upgrade is
// detected at the next startup and rolled back to the last good state
// instead of leaving a half-upgraded database behind.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

const (
	// MinSupportedVersion is the oldest schema this build can upgrade
	// from. Older databases need an intermediate build to bridge the gap.
	MinSupportedVersion = 2

	// TargetVersion is the schema version this build understands.
	TargetVersion = 6

	// CheckpointKey is the settings row written just before a step starts
	// and deleted when it completes. Its presence at startup is proof of
	// an interrupted step.
	CheckpointKey = "ongoing_upgrade_from_version"
)

// ErrSchemaTooOld means the database predates MinSupportedVersion.
var ErrSchemaTooOld = errors.New("database schema is older than this build supports")

// ErrSchemaTooNew means the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build understands")

// ErrMissingBackup means a dangling checkpoint was found but no matching
// backup exists; manual intervention is required rather than silent data
// loss.
var ErrMissingBackup = errors.New("database is in a half-upgraded state and no backup was found")

// StepError reports a failed upgrade step after the pre-step backup was
// restored.
type StepError struct {
	From int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("schema upgrade from v%d failed (database restored from backup): %v", e.From, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Hooks let the caller interleave work with the upgrade sequence.
type Hooks struct {
	// BeforeStep runs before the step upgrading from the given version.
	// An error aborts the upgrade before the step's backup is taken. The
	// orchestrator uses this to apply pending compatible content updates
	// ahead of content-format-breaking steps.
	BeforeStep func(ctx context.Context, from int) error

	// OnStepDone runs after a step completes and its new version is
	// persisted.
	OnStepDone func(from, to int)
}

// Engine drives the version-by-version schema upgrade state machine.
type Engine struct {
	db     *globaldb.DB
	logger *log.Logger
	hooks  Hooks
	steps  []Step
	target int
}

// New creates an engine for db with the build's registered steps. If
// logger is nil a default stderr logger is used.
func New(db *globaldb.DB, logger *log.Logger, hooks Hooks) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[upgrade] ", log.LstdFlags)
	}
	return &Engine{
		db:     db,
		logger: logger,
		hooks:  hooks,
		steps:  registeredSteps(),
		target: TargetVersion,
	}
}

// Upgrade classifies the database and runs every applicable step in order.
//
// fresh is true when the database has no schema version at all; the caller
// creates the latest layout directly in that case, since there is no data
// to carry forward.
func (e *Engine) Upgrade(ctx context.Context) (fresh bool, err error) {
	version, ok, err := e.db.SchemaVersion(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	if version < MinSupportedVersion {
		return false, fmt.Errorf("%w: have v%d, minimum supported is v%d",
			ErrSchemaTooOld, version, MinSupportedVersion)
	}
	if version > e.target {
		return false, fmt.Errorf("%w: have v%d, this build understands up to v%d",
			ErrSchemaTooNew, version, e.target)
	}
	if version == e.target {
		return false, nil
	}

	for _, step := range e.steps {
		if step.From < version {
			continue
		}
		if step.From >= e.target {
			break
		}

		if e.hooks.BeforeStep != nil {
			if err := e.hooks.BeforeStep(ctx, step.From); err != nil {
				return false, fmt.Errorf("pre-upgrade work before v%d step failed: %w", step.From, err)
			}
		}

		if err := e.runStep(ctx, step); err != nil {
			return false, err
		}

		if e.hooks.OnStepDone != nil {
			e.hooks.OnStepDone(step.From, step.From+1)
		}
	}

	return false, nil
}

// runStep executes one upgrade step under the backup+checkpoint protocol:
//
//  1. Flush the WAL and copy the file to a timestamped backup.
//  2. Write the checkpoint for the step's from-version.
//  3. Run the transformation inside a transaction, with foreign key
//     enforcement suspended for table rebuilds.
//  4. On success, persist the new version and delete the checkpoint in one
//     transaction. On failure, restore the backup over the live file.
func (e *Engine) runStep(ctx context.Context, step Step) error {
	e.logger.Printf("Upgrading schema v%d -> v%d", step.From, step.From+1)

	if err := e.db.FlushWAL(ctx); err != nil {
		return err
	}
	backupPath, err := e.db.Backup(step.From)
	if err != nil {
		return err
	}
	e.logger.Printf("Created pre-upgrade backup %s", backupPath)

	if err := e.db.SetSettingInt(ctx, CheckpointKey, step.From); err != nil {
		return err
	}

	if stepErr := e.applyStep(ctx, step); stepErr != nil {
		e.logger.Printf("ERROR: Schema upgrade from v%d failed, restoring backup: %v", step.From, stepErr)
		if err := e.restore(backupPath); err != nil {
			return fmt.Errorf("failed to restore backup after failed v%d step: %w", step.From, err)
		}
		return &StepError{From: step.From, Err: stepErr}
	}

	return nil
}

// applyStep runs the transformation and, on success, commits the version
// bump and checkpoint removal atomically.
func (e *Engine) applyStep(ctx context.Context, step Step) error {
	conn := e.db.RawDB()

	// Table rebuilds drop and recreate referenced tables; enforcement
	// resumes once the step's transaction is over.
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upgrade transaction: %w", err)
	}

	if err := step.Apply(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings(name, value) VALUES('version', ?)",
		fmt.Sprintf("%d", step.From+1),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to persist schema version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM settings WHERE name=?", CheckpointKey,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete upgrade checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit v%d upgrade: %w", step.From, err)
	}
	return nil
}

// restore replaces the live database with the given backup and reopens the
// connection.
func (e *Engine) restore(backupPath string) error {
	if err := e.db.Close(); err != nil {
		return err
	}
	if err := globaldb.RestoreBackup(e.db.Path(), backupPath); err != nil {
		return err
	}
	return e.db.Reopen()
}

// RecoverInterrupted checks for a dangling checkpoint from a previous run
// and, if found, restores the most recent matching backup over the live
// file, reopening db. Returns whether a restore happened.
//
// Must run before anything else touches the database at startup.
func RecoverInterrupted(ctx context.Context, db *globaldb.DB, logger *log.Logger) (restored bool, err error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[upgrade] ", log.LstdFlags)
	}

	from, err := db.GetSettingInt(ctx, CheckpointKey, -1)
	if err != nil {
		return false, err
	}
	if from == -1 {
		return false, nil
	}

	logger.Printf("Found interrupted upgrade from v%d, looking for backup", from)
	backupPath, err := globaldb.FindBackup(db.Path(), from)
	if err != nil {
		return false, err
	}
	if backupPath == "" {
		return false, fmt.Errorf("%w: interrupted upgrade from v%d", ErrMissingBackup, from)
	}

	if err := db.Close(); err != nil {
		return false, err
	}
	if err := globaldb.RestoreBackup(db.Path(), backupPath); err != nil {
		return false, err
	}
	if err := db.Reopen(); err != nil {
		return false, err
	}

	logger.Printf("Restored database from %s", backupPath)
	return true, nil
}
