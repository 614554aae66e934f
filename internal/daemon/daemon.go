// Package daemon provides the background sync daemon.
//
// The daemon:
// 1. Probes backend health before each cycle
// 2. Runs a reconciliation cycle on a fixed interval
// 3. Appends every sealed manifest to the manifest log
// 4. Handles graceful shutdown
//
// Cycles are interval-driven only. The daemon never watches the file store
// for changes; divergence introduced between ticks is picked up by the next
// cycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/blackroad/roadsync/internal/health"
	"github.com/blackroad/roadsync/internal/manifest"
	"github.com/blackroad/roadsync/internal/reconcile"
)

// Runner executes one reconciliation cycle.
type Runner interface {
	Run(ctx context.Context, available map[string]bool) (*manifest.Manifest, error)
}

// Checker probes backend availability ahead of a cycle.
type Checker interface {
	Run(ctx context.Context) (*health.Report, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often to run a reconciliation cycle
	Interval time.Duration

	// LogPath, when set, sends daemon activity to a size-rotated file
	// instead of the Logger below
	LogPath string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Logger:   log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs reconciliation cycles on an interval until stopped.
type Daemon struct {
	runner  Runner
	checker Checker
	mlog    *manifest.Log
	config  *Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with default configuration. checker and mlog may be
// nil: without a checker every backend is attempted each cycle, and without
// a manifest log cycles are not persisted.
func New(runner Runner, checker Checker, mlog *manifest.Log) (*Daemon, error) {
	return NewWithConfig(runner, checker, mlog, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(runner Runner, checker Checker, mlog *manifest.Log, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if config.LogPath != "" {
		config.Logger = log.New(&lumberjack.Logger{
			Filename:   config.LogPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, "[daemon] ", log.LstdFlags)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	return &Daemon{
		runner:  runner,
		checker: checker,
		mlog:    mlog,
		config:  config,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon runs one cycle immediately, then one per interval. This blocks
// until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon, interval %v", d.config.Interval)

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(1)
	go d.loop(runCtx)

	<-ctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	return d.Stop()
}

// Stop gracefully shuts down the daemon, letting an in-progress cycle
// finish.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce executes one health-gated reconciliation cycle. Failures are
// logged, never fatal: the next tick tries again.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	var available map[string]bool
	if d.checker != nil {
		report, err := d.checker.Run(ctx)
		if err != nil {
			d.config.Logger.Printf("Health check failed, attempting all backends: %v", err)
		} else {
			available = report.Available()
			if !report.Healthy() {
				for _, c := range report.Checks {
					if !c.Healthy {
						d.config.Logger.Printf("Backend %s down: %s", c.Probe, c.Error)
					}
				}
			}
		}
	}

	m, err := d.runner.Run(ctx, available)
	if err != nil {
		var quorum *reconcile.InsufficientQuorumError
		if errors.As(err, &quorum) {
			d.config.Logger.Printf("Cycle aborted: %v", err)
		} else {
			d.config.Logger.Printf("Cycle failed: %v", err)
		}
	}
	if m == nil {
		return
	}

	if d.mlog != nil {
		if err := d.mlog.Append(m); err != nil {
			d.config.Logger.Printf("Warning: failed to record manifest %s: %v", m.RunID, err)
		}
	}
	d.config.Logger.Printf("Cycle %s: %s, %d entries", m.RunID, m.Status, len(m.Entries))
}
