// Package orchestrator sequences everything that has to happen to a
// reference database at startup: crash recovery, fresh initialization,
// schema upgrades with content passes interleaved at the right points, and
// post-upgrade reconciliation of the default RPC node list.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/tokentrack/ledgerdb/internal/content"
	"github.com/tokentrack/ledgerdb/internal/globaldb"
	"github.com/tokentrack/ledgerdb/internal/upgrade"
)

// LatestDataMigration is the data-migration counter recorded on a freshly
// initialized database, so migrations that predate it never run there.
const LatestDataMigration = 5

// LastDataMigrationKey is the settings row holding that counter.
const LastDataMigrationKey = "last_data_migration"

// Events receives progress notifications. All methods may be called from
// the orchestrator's goroutine and must not block.
type Events interface {
	UpgradeStep(from, to int)
	ContentUpdated(version, applied, skipped int)
	ConflictsFound(count int)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) UpgradeStep(from, to int)                  {}
func (NopEvents) ContentUpdated(version, applied, skip int) {}
func (NopEvents) ConflictsFound(count int)                  {}

// contentBreakingSteps are the schema steps whose transformation changes
// what content format the database can hold. Pending compatible content
// updates must be applied before each of them, or the versions published
// for the old layout become permanently unreachable.
var contentBreakingSteps = map[int]bool{
	3: true, // collections tables arrive in v4
	5: true, // collection layout changes in v6
}

// Orchestrator owns the startup sequence for one database.
type Orchestrator struct {
	db      *globaldb.DB
	updater *content.Updater
	fetcher content.Fetcher
	logger  *log.Logger
	events  Events
}

// New builds an orchestrator. logger may be nil; events may be nil for
// no notifications.
func New(db *globaldb.DB, fetcher content.Fetcher, logger *log.Logger, events Events) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	if events == nil {
		events = NopEvents{}
	}
	return &Orchestrator{
		db:      db,
		updater: content.NewUpdater(db, fetcher, logger),
		fetcher: fetcher,
		logger:  logger,
		events:  events,
	}
}

// Updater exposes the content updater bound to this orchestrator's
// database, for callers that drive content updates directly.
func (o *Orchestrator) Updater() *content.Updater {
	return o.updater
}

// Startup brings the database to the current schema version.
//
// The sequence is: recover any interrupted upgrade, classify the database,
// then either initialize it fresh at the latest layout or run the upgrade
// steps with pending-compatible content passes interleaved before the
// content-format-breaking ones. After any structural change the default
// RPC node list is reconciled; failures there are logged, not fatal, since
// the reconciliation retries on the next startup.
func (o *Orchestrator) Startup(ctx context.Context) error {
	restored, err := upgrade.RecoverInterrupted(ctx, o.db, o.logger)
	if err != nil {
		return err
	}
	if restored {
		o.logger.Printf("Recovered from an interrupted upgrade")
	}

	stepsRun := 0
	engine := upgrade.New(o.db, o.logger, upgrade.Hooks{
		BeforeStep: func(ctx context.Context, from int) error {
			if !contentBreakingSteps[from] {
				return nil
			}
			if err := o.updater.ApplyPendingCompatible(ctx); err != nil {
				// The step itself can still proceed; missed content
				// versions for the old layout are lost, not corrupting.
				o.logger.Printf("WARNING: pending content pass before v%d step failed: %v", from, err)
			}
			return nil
		},
		OnStepDone: func(from, to int) {
			stepsRun++
			o.events.UpgradeStep(from, to)
		},
	})

	fresh, err := engine.Upgrade(ctx)
	if err != nil {
		return err
	}

	if fresh {
		if err := o.initFresh(ctx); err != nil {
			return err
		}
	}

	if fresh || stepsRun > 0 {
		if err := o.ReconcileRPCNodes(ctx); err != nil {
			o.logger.Printf("WARNING: rpc node reconciliation failed: %v", err)
		}
	}
	return nil
}

// initFresh creates the latest layout on an empty database and records the
// version markers so no upgrade or old data migration ever runs against it.
func (o *Orchestrator) initFresh(ctx context.Context) error {
	o.logger.Printf("Initializing fresh database at schema v%d", upgrade.TargetVersion)

	if err := o.db.CreateSchema(ctx); err != nil {
		return err
	}
	if err := o.db.SetSettingInt(ctx, "version", upgrade.TargetVersion); err != nil {
		return err
	}
	if err := o.db.SetSettingInt(ctx, LastDataMigrationKey, LatestDataMigration); err != nil {
		return err
	}
	return nil
}

// UpdateContent runs a content update with progress notifications and
// returns the result, conflicts included, for the caller to act on.
func (o *Orchestrator) UpdateContent(ctx context.Context, policy content.ConflictPolicy, upTo int) (*content.Result, error) {
	result, err := o.updater.Update(ctx, policy, upTo)
	if err != nil {
		return nil, fmt.Errorf("content update failed: %w", err)
	}
	if result.Ok() {
		o.events.ContentUpdated(result.TargetVersion, result.Applied, result.SkippedRecords)
	} else {
		o.events.ConflictsFound(len(result.Conflicts))
	}
	return result, nil
}
