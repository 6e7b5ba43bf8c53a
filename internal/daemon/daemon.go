// Package daemon runs background auto-sync: one sync cycle per tick,
// with graceful shutdown and a degraded queue-only mode when local
// storage fails.
package daemon

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/clinsync/clinsync/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval between sync cycles (default: 30s).
	Interval time.Duration

	// Jitter randomizes each tick by up to this much, so a fleet of
	// devices doesn't thundering-herd the server (default: 5s).
	Jitter time.Duration

	// LogFile enables rotating file logging when non-empty. Stderr is
	// used otherwise.
	LogFile string

	// Logger overrides log output entirely (tests).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Jitter:   5 * time.Second,
	}
}

// Daemon drives periodic sync cycles.
type Daemon struct {
	engine *syncer.Engine
	config *Config
	logger *log.Logger

	mu        sync.Mutex
	queueOnly bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon around a sync engine.
func New(engine *syncer.Engine, config *Config) *Daemon {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		var out io.Writer = os.Stderr
		if config.LogFile != "" {
			out = &lumberjack.Logger{
				Filename:   config.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			}
		}
		logger = log.New(out, "[daemon] ", log.LstdFlags)
	}

	return &Daemon{
		engine: engine,
		config: config,
		logger: logger,
	}
}

// QueueOnly reports whether the daemon has degraded to queue-only mode
// after a storage failure: local writes keep being recorded, but cycles
// are suspended and the UI should show a "changes pending" indicator.
func (d *Daemon) QueueOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueOnly
}

// Start begins periodic syncing. Blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Printf("Starting auto-sync (interval=%s)", d.config.Interval)

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.loop(ctx)

	<-ctx.Done()
	d.wg.Wait()
	d.logger.Println("Auto-sync stopped")
	return nil
}

// Stop cancels the running daemon.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	timer := time.NewTimer(d.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			d.runOnce(ctx)
			timer.Reset(d.nextDelay())
		}
	}
}

func (d *Daemon) nextDelay() time.Duration {
	delay := d.config.Interval
	if d.config.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(d.config.Jitter)))
	}
	return delay
}

func (d *Daemon) runOnce(ctx context.Context) {
	if d.QueueOnly() {
		return
	}
	if d.engine.Paused() {
		d.logger.Println("Engine paused pending re-authentication, skipping cycle")
		return
	}

	result, err := d.engine.Sync(ctx)
	switch {
	case err == nil:
		if result.Pushed > 0 || result.Pulled > 0 {
			d.logger.Printf("Cycle complete: pushed=%d pulled=%d conflicts=%d",
				result.Pushed, result.Pulled, result.ConflictsDropped)
		}
	case errors.Is(err, syncer.ErrStorage):
		// Local disk trouble: keep taking writes, stop burning cycles.
		d.mu.Lock()
		d.queueOnly = true
		d.mu.Unlock()
		d.logger.Printf("Storage failure, degrading to queue-only mode: %v", err)
	case errors.Is(err, syncer.ErrAuth):
		d.logger.Printf("Authentication required, cycles suspended: %v", err)
	default:
		d.logger.Printf("Cycle failed (will retry): %v", err)
	}
}
