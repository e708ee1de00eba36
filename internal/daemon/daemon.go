// Package daemon runs the sync engine as a long-lived background process.
//
// The daemon:
// 1. Watches the local database file for mutations
// 2. Triggers a sync cycle after a debounce window
// 3. Also syncs on a fixed interval, so remote-only changes arrive
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/trailbook/trailbook/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often to sync regardless of local activity.
	Interval time.Duration

	// DebounceInterval is how long to wait after a local change before
	// syncing. This batches rapid mutations together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon couples a filesystem watcher on the database to the orchestrator.
type Daemon struct {
	orch   *syncer.Orchestrator
	dbPath string
	config *Config

	watcher *fsnotify.Watcher

	lastChangeMu sync.Mutex
	lastChange   time.Time
	dirty        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. dbPath is the local SQLite database file; its
// parent directory is watched because SQLite in WAL mode touches the
// sidecar files, not always the main file.
func New(orch *syncer.Orchestrator, dbPath string, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		orch:    orch,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// An initial cycle runs immediately; after that, cycles are triggered by
// debounced local database activity and by the fixed interval.
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	d.runCycle(ctx)

	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	d.config.Logger.Printf("Watching: %s", dir)

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.cycleLoop(ctx)

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
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// watchFileEvents monitors filesystem events and marks the database dirty.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	base := filepath.Base(d.dbPath)

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// The main file plus the -wal and -shm sidecars.
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" && name != base+"-shm" {
				continue
			}

			// A running cycle writes the database itself; reacting to
			// those writes would retrigger forever.
			if d.orch.State() == syncer.StateSyncing {
				continue
			}

			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) markDirty() {
	d.lastChangeMu.Lock()
	d.lastChange = time.Now()
	d.dirty = true
	d.lastChangeMu.Unlock()
}

// takeIfSettled consumes the dirty flag once the debounce window has
// passed with no further activity.
func (d *Daemon) takeIfSettled() bool {
	d.lastChangeMu.Lock()
	defer d.lastChangeMu.Unlock()

	if !d.dirty || time.Since(d.lastChange) < d.config.DebounceInterval {
		return false
	}
	d.dirty = false
	return true
}

// cycleLoop triggers sync cycles from debounced local activity and the
// fixed interval.
func (d *Daemon) cycleLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := time.NewTicker(d.config.Interval)
	defer interval.Stop()

	debounce := time.NewTicker(d.config.DebounceInterval)
	defer debounce.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-debounce.C:
			if d.takeIfSettled() {
				d.config.Logger.Println("Local changes settled, syncing")
				d.runCycle(ctx)
			}

		case <-interval.C:
			d.runCycle(ctx)
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context) {
	report, err := d.orch.Synchronize(ctx)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		return
	}
	if err != nil {
		d.config.Logger.Printf("Sync cycle failed: %v", err)
		return
	}
	if report != nil {
		d.config.Logger.Printf("Sync cycle %s: %d tasks drained, %d stages, %s",
			report.Outcome, report.QueueDrained, len(report.Stages), report.Duration.Round(time.Millisecond))
	}
}
