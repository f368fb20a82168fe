// Package daemon provides the background process that keeps the local
// store and the remote backup converged.
//
// The daemon:
// 1. Watches the store database files for changes made by other processes
// 2. Probes network connectivity and flips the engine's offline flag
// 3. Runs the engine's remote-check polling
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskkeep/taskkeep/internal/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long to wait after a database file event
	// before triggering a sync. This batches rapid CLI writes together.
	DebounceInterval time.Duration

	// ConnectivityInterval is how often to probe network reachability.
	ConnectivityInterval time.Duration

	// ConnectivityAddr is the host:port dialed by the reachability probe.
	ConnectivityAddr string

	// LogFile, when set, routes daemon logs to a rotating file instead of
	// stderr.
	LogFile string

	// MaxLogSizeMB caps the log file size before rotation.
	MaxLogSizeMB int

	// Logger overrides the constructed logger entirely.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:     500 * time.Millisecond,
		ConnectivityInterval: 15 * time.Second,
		ConnectivityAddr:     "www.googleapis.com:443",
		MaxLogSizeMB:         10,
	}
}

// Daemon orchestrates file watching, connectivity probing, and sync
// triggering around a running engine.
type Daemon struct {
	engine *engine.Engine
	dbPath string
	config *Config
	logger *log.Logger

	watcher *fsnotify.Watcher

	dirtyMu   sync.Mutex
	dirtyAt   time.Time
	dirty     bool
	selfQuiet time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon around an initialized engine. dbPath is the store
// database file; the daemon watches its directory so WAL-mode writes by
// other processes are seen too.
func New(eng *engine.Engine, dbPath string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.ConnectivityInterval <= 0 {
		config.ConnectivityInterval = 15 * time.Second
	}
	if config.ConnectivityAddr == "" {
		config.ConnectivityAddr = "www.googleapis.com:443"
	}

	logger := config.Logger
	if logger == nil {
		if config.LogFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   config.LogFile,
				MaxSize:    config.MaxLogSizeMB,
				MaxBackups: 3,
				Compress:   true,
			}, "[daemon] ", log.LstdFlags)
		} else {
			logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:  eng,
		dbPath:  dbPath,
		config:  config,
		logger:  logger,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation. This blocks until ctx is
// cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", dir, err)
	}
	d.logger.Printf("Watching: %s", dir)

	d.probeConnectivity()
	d.engine.StartRemoteCheckPolling(d.ctx)

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processDirty()
	go d.connectivityLoop()

	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping daemon")

	d.cancel()
	d.engine.StopRemoteCheckPolling()

	if err := d.watcher.Close(); err != nil {
		d.logger.Printf("Error closing watcher: %v", err)
	}
	d.wg.Wait()

	d.logger.Println("Daemon stopped")
	return nil
}

// watchFileEvents monitors filesystem events on the database files.
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
			if !d.isStoreFile(event.Name) {
				continue
			}
			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

// isStoreFile reports whether the path is the database or a WAL sibling.
func (d *Daemon) isStoreFile(path string) bool {
	base := filepath.Base(d.dbPath)
	name := filepath.Base(path)
	return name == base || name == base+"-wal" || name == base+"-shm"
}

// markDirty records a database change for the debounce loop.
func (d *Daemon) markDirty() {
	d.dirtyMu.Lock()
	d.dirty = true
	d.dirtyAt = time.Now()
	d.dirtyMu.Unlock()
}

// SuppressEventsUntil quiets the watcher for a window. The engine's own
// commits touch the database too; the sync path calls this so a cycle
// does not retrigger itself.
func (d *Daemon) SuppressEventsUntil(t time.Time) {
	d.dirtyMu.Lock()
	d.selfQuiet = t
	d.dirtyMu.Unlock()
}

// processDirty triggers a sync once file events settle.
func (d *Daemon) processDirty() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.dirtyMu.Lock()
			ready := d.dirty &&
				time.Since(d.dirtyAt) >= d.config.DebounceInterval &&
				time.Now().After(d.selfQuiet)
			if ready {
				d.dirty = false
			}
			d.dirtyMu.Unlock()

			if !ready {
				continue
			}
			d.logger.Println("Database changed, triggering sync")
			d.SuppressEventsUntil(time.Now().Add(d.config.DebounceInterval))
			if err := d.engine.PerformSync(d.ctx); err != nil {
				d.logger.Printf("Sync failed: %v", err)
			}
		}
	}
}

// connectivityLoop keeps the engine's offline flag current.
func (d *Daemon) connectivityLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ConnectivityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.probeConnectivity()
		}
	}
}

// probeConnectivity dials the probe address and flips the engine flag on
// transitions. Regaining the network triggers a catch-up sync.
func (d *Daemon) probeConnectivity() {
	wasOnline := d.engine.IsOnline()

	conn, err := net.DialTimeout("tcp", d.config.ConnectivityAddr, 5*time.Second)
	online := err == nil
	if conn != nil {
		_ = conn.Close()
	}

	d.engine.SetOnline(online)

	if online && !wasOnline {
		d.logger.Println("Network restored, triggering catch-up sync")
		if err := d.engine.PerformSync(d.ctx); err != nil {
			d.logger.Printf("Catch-up sync failed: %v", err)
		}
	}
}
