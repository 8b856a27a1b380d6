// Package daemon runs sync passes in the background.
//
// The daemon:
//  1. Runs a pass on start and then on every interval tick
//  2. Runs a pass when a mutation is recorded (the engine's trigger)
//  3. Runs a pass when connectivity is confirmed ready to sync
//  4. Watches the config file and applies a new interval and log level
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tiendapos/possync/internal/logging"
	"github.com/tiendapos/possync/internal/offline"
	"github.com/tiendapos/possync/internal/offline/connectivity"
	offsync "github.com/tiendapos/possync/internal/offline/sync"
)

// Runner runs one sync pass. *sync.Engine implements it.
type Runner interface {
	Run(ctx context.Context) (*offline.SyncSession, error)
	Trigger() <-chan struct{}
}

// Settings are the values the daemon applies on hot reload.
type Settings struct {
	Interval time.Duration
	LogLevel string
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between periodic passes. Default: 5m
	Interval time.Duration

	// ConfigPath is watched for changes when set.
	ConfigPath string

	// Reload reads ConfigPath after a change. Required with ConfigPath.
	Reload func(path string) (Settings, error)

	// DebounceInterval batches rapid config writes. Default: 250ms
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *logrus.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 250 * time.Millisecond,
	}
}

// Daemon schedules sync passes.
type Daemon struct {
	runner  Runner
	monitor *connectivity.Monitor
	config  *Config
	log     *logrus.Entry

	mu       sync.Mutex
	interval time.Duration
	reset    chan struct{}
	ready    chan struct{}
	running  bool

	watcher *configWatcher
	runs    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon with default configuration.
func New(runner Runner, monitor *connectivity.Monitor) (*Daemon, error) {
	return NewWithConfig(runner, monitor, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration. monitor may be
// nil, in which case only the timer and the runner's trigger start passes.
func NewWithConfig(runner Runner, monitor *connectivity.Monitor, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
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
	if config.ConfigPath != "" && config.Reload == nil {
		return nil, fmt.Errorf("reload function required to watch %s", config.ConfigPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runner:   runner,
		monitor:  monitor,
		config:   config,
		log:      logging.Component(config.Logger, "daemon"),
		interval: config.Interval,
		reset:    make(chan struct{}, 1),
		ready:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.log.WithField("interval", d.Interval().String()).Info("starting daemon")

	if d.config.ConfigPath != "" {
		w, err := newConfigWatcher(d.config.ConfigPath, d.config.DebounceInterval, d.applyConfig, d.log)
		if err != nil {
			d.markStopped()
			return err
		}
		d.watcher = w
		d.log.WithField("path", d.config.ConfigPath).Info("watching config")
	}

	if d.monitor != nil {
		unsubscribe := d.monitor.Subscribe(func(s connectivity.State) {
			if s == connectivity.ReadyToSync {
				signal(d.ready)
			}
		})
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer unsubscribe()
			d.monitor.Run(d.ctx)
		}()
	}

	d.wg.Add(1)
	go d.schedule()

	select {
	case <-ctx.Done():
		d.log.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A pass in progress finishes first.
func (d *Daemon) Stop() error {
	d.log.Info("stopping daemon")
	d.cancel()

	var err error
	if d.watcher != nil {
		if cerr := d.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close config watcher: %w", cerr)
		}
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}

	d.wg.Wait()
	d.markStopped()
	d.log.Info("daemon stopped")
	return err
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Interval returns the current pass interval.
func (d *Daemon) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// SetInterval changes the pass interval. The timer restarts from now.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.mu.Lock()
	changed := d.interval != interval
	d.interval = interval
	d.mu.Unlock()
	if changed {
		signal(d.reset)
	}
}

// Runs returns how many passes the daemon has started.
func (d *Daemon) Runs() int64 { return d.runs.Load() }

// schedule is the pass loop. Passes never overlap because the loop runs
// them inline.
func (d *Daemon) schedule() {
	defer d.wg.Done()

	d.runPass("startup")

	ticker := time.NewTicker(d.Interval())
	defer ticker.Stop()

	trigger := d.runner.Trigger()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.reset:
			ticker.Reset(d.Interval())
		case <-ticker.C:
			if d.monitor != nil && !d.monitor.IsOnline() {
				d.log.Debug("offline, skipping interval pass")
				continue
			}
			d.runPass("interval")
		case <-trigger:
			d.runPass("mutation recorded")
		case <-d.ready:
			d.runPass("connectivity")
		}
	}
}

func (d *Daemon) runPass(reason string) {
	d.runs.Add(1)
	entry := d.log.WithField("reason", reason)

	session, err := d.runner.Run(d.ctx)
	switch {
	case errors.Is(err, offsync.ErrSkipped):
		entry.Debug("sync skipped, server unreachable")
	case err != nil:
		entry.WithError(err).Warn("sync pass failed")
	case session == nil:
		entry.Debug("sync already in progress")
	default:
		totals := session.Totals()
		entry.WithFields(logrus.Fields{
			"session_id": session.ID,
			"succeeded":  totals.Succeeded,
			"failed":     totals.Failed,
			"deferred":   totals.Deferred,
			"duration":   session.DurationMs,
		}).Info("sync pass complete")
	}
}

// applyConfig reloads the watched config file.
func (d *Daemon) applyConfig(path string) {
	settings, err := d.config.Reload(path)
	if err != nil {
		d.log.WithError(err).Warn("config reload failed, keeping current settings")
		return
	}
	if settings.LogLevel != "" && d.config.Logger != nil {
		if err := logging.SetLevel(d.config.Logger, settings.LogLevel); err != nil {
			d.log.WithError(err).Warn("ignoring log level")
		}
	}
	if settings.Interval > 0 {
		d.SetInterval(settings.Interval)
	}
	d.log.WithFields(logrus.Fields{
		"interval":  d.Interval().String(),
		"log_level": settings.LogLevel,
	}).Info("config reloaded")
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
