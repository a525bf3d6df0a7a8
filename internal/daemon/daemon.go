// Package daemon runs sync passes on a fixed interval.
//
// The daemon:
//  1. Runs one pass at startup
//  2. Runs a pass every Interval, or earlier when Trigger is called
//  3. Picks up policy and interval changes between passes
//  4. Handles graceful shutdown, letting an in-flight pass finish
//
// Sync is batch/poll only: the daemon never reacts to individual record
// changes. A pass that finds another pass holding the guard is skipped, not
// queued.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/sdxl-assets/sam/internal/sync"
)

// Runner runs one sync pass. *sync.Engine implements it.
type Runner interface {
	RunSync(ctx context.Context, policy sync.Policy, dryRun bool) (*sync.Report, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between passes.
	Interval time.Duration

	// Policy for the passes. Empty means the engine default.
	Policy sync.Policy

	// OnPass is called after every pass with its outcome. Optional.
	OnPass func(rep *sync.Report, err error)

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval: 5 * time.Minute,
		Policy:   sync.DefaultPolicy,
		Logger:   log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// Stats counts passes since the daemon started.
type Stats struct {
	Passes    int
	Failed    int
	Skipped   int // guard was held by another pass
	LastPass  time.Time
	LastPhase sync.Phase
}

// Daemon schedules sync passes.
type Daemon struct {
	runner Runner
	config *Config

	mu       stdsync.Mutex
	policy   sync.Policy
	interval time.Duration
	stats    Stats

	trigger    chan struct{}
	reschedule chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates a daemon around runner. A nil config uses DefaultConfig.
func New(runner Runner, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive (got %s)", config.Interval)
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runner:     runner,
		config:     config,
		policy:     config.Policy,
		interval:   config.Interval,
		trigger:    make(chan struct{}, 1),
		reschedule: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start runs a first pass and then schedules passes until ctx is cancelled
// or Stop is called. It blocks.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting: every %s, policy %s", d.Interval(), d.Policy())

	d.wg.Add(1)
	go d.loop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop ends scheduling and waits for an in-flight pass to finish.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Stopped")
	return nil
}

// Trigger requests a pass as soon as the current one (if any) is done.
// Repeated triggers before the pass starts collapse into one.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// SetPolicy changes the policy used from the next pass on.
func (d *Daemon) SetPolicy(p sync.Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p != d.policy {
		d.config.Logger.Printf("Policy changed: %s -> %s", d.policy, p)
		d.policy = p
	}
}

// Policy returns the current policy.
func (d *Daemon) Policy() sync.Policy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

// SetInterval changes the time between passes. The next pass is scheduled
// one full new interval from now.
func (d *Daemon) SetInterval(iv time.Duration) error {
	if iv <= 0 {
		return fmt.Errorf("interval must be positive (got %s)", iv)
	}
	d.mu.Lock()
	changed := iv != d.interval
	d.interval = iv
	d.mu.Unlock()

	if changed {
		d.config.Logger.Printf("Interval changed to %s", iv)
		select {
		case d.reschedule <- struct{}{}:
		default:
		}
	}
	return nil
}

// Interval returns the current time between passes.
func (d *Daemon) Interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Stats returns a copy of the pass counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Daemon) loop() {
	defer d.wg.Done()

	d.RunOnce(d.ctx)

	ticker := time.NewTicker(d.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.reschedule:
			ticker.Reset(d.Interval())
		case <-ticker.C:
			d.RunOnce(d.ctx)
		case <-d.trigger:
			d.RunOnce(d.ctx)
			ticker.Reset(d.Interval())
		}
	}
}

// RunOnce runs a single pass with the current policy and records the
// outcome. A pass skipped because the guard is held is not an error.
func (d *Daemon) RunOnce(ctx context.Context) (*sync.Report, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	rep, err := d.runner.RunSync(ctx, d.Policy(), false)

	d.mu.Lock()
	switch {
	case errors.Is(err, sync.ErrSyncInProgress):
		d.stats.Skipped++
	default:
		d.stats.Passes++
		d.stats.LastPass = time.Now()
		if rep != nil {
			d.stats.LastPhase = rep.Phase
		}
		if err != nil || (rep != nil && rep.Failed()) {
			d.stats.Failed++
		}
	}
	d.mu.Unlock()

	switch {
	case errors.Is(err, sync.ErrSyncInProgress):
		d.config.Logger.Println("Another pass is running; skipped")
		err = nil
	case err != nil:
		d.config.Logger.Printf("Pass failed: %v", err)
	case rep != nil:
		d.config.Logger.Printf("Pass %s: %s", rep.PassID, rep.Summary())
	}

	if d.config.OnPass != nil {
		d.config.OnPass(rep, err)
	}
	return rep, err
}
