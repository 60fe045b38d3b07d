// Package daemon runs the background update loop: it periodically checks
// the remote manifest for new content versions and watches the database
// directory so an externally restored backup or replaced database file
// triggers a re-check without waiting for the next poll.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tokentrack/ledgerdb/internal/content"
	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

// Config holds configuration for the daemon.
type Config struct {
	// PollInterval is how often the remote manifest is checked.
	PollInterval time.Duration

	// DebounceInterval is how long to wait before reacting to file
	// changes, batching rapid rewrites (WAL checkpoints, restores)
	// together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     30 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon watches for pending content updates.
type Daemon struct {
	db      *globaldb.DB
	updater *content.Updater
	config  *Config

	// OnPending is called whenever a check finds newer remote content.
	// May be nil.
	OnPending func(local, remote, changes int)

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for db. config may be nil for defaults.
func New(db *globaldb.DB, updater *content.Updater, config *Config) (*Daemon, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if updater == nil {
		return nil, fmt.Errorf("updater cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		db:          db,
		updater:     updater,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation: an immediate check, then the poll
// ticker and the directory watch. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting update daemon")

	d.check(ctx)

	dbDir := filepath.Dir(d.db.Path())
	if err := d.watcher.Add(dbDir); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", dbDir)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.pollLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping update daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Update daemon stopped")
	return nil
}

// check runs one remote manifest check and reports pending content.
func (d *Daemon) check(ctx context.Context) {
	local, remote, changes, err := d.updater.CheckForUpdates(ctx)
	if err != nil {
		d.config.Logger.Printf("Update check failed: %v", err)
		return
	}
	if remote <= local {
		d.config.Logger.Printf("Content up to date at v%d", local)
		return
	}

	d.config.Logger.Printf("Content update available: v%d -> v%d (%d changes)", local, remote, changes)
	if d.OnPending != nil {
		d.OnPending(local, remote, changes)
	}
}

// watchFileEvents monitors filesystem events and queues database changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			// Only the main database file matters; WAL and SHM churn
			// constantly during normal operation.
			if event.Name != d.db.Path() {
				continue
			}

			d.config.Logger.Printf("Database file event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue drains settled changes and re-checks for updates,
// since a restored or replaced database may sit at an older content
// version.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.drainSettledChanges() {
				d.check(d.ctx)
			}
		}
	}
}

func (d *Daemon) drainSettledChanges() bool {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	drained := false
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		delete(d.changeQueue, path)
		drained = true
	}
	return drained
}

// pollLoop periodically checks the remote manifest.
func (d *Daemon) pollLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.check(d.ctx)
		}
	}
}
