// Package coordinator decides what configuration stays installed when a
// tuning session stops, and owns every configuration change made outside an
// iteration: crash recovery, installs and the final safe shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
	"tuneagent/internal/dbms"
	"tuneagent/internal/hazard"
	"tuneagent/internal/knobs"
	"tuneagent/internal/session"
)

var (
	// ErrInstanceUnreachable means readiness polling exhausted its bound.
	ErrInstanceUnreachable = errors.New("database instance unreachable")
	// ErrShutdownInProgress is returned to callers that lose the race with
	// the safe shutdown.
	ErrShutdownInProgress = errors.New("session shutdown in progress")
)

// Final session statuses reported to the job API.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// StatusReporter sends the final session status.
type StatusReporter interface {
	UpdateSessionStatus(ctx context.Context, status string) error
}

type Config struct {
	Target   dbms.MetricSource
	Session  *session.State
	Reporter StatusReporter
	Prompter Prompter
	Flag     *hazard.Flag

	// RestartAllowed selects restart over reload when applying changes.
	RestartAllowed    bool
	ReadinessRetries  int
	ReadinessInterval time.Duration

	Clock  clock.Clock
	Exit   func(code int)
	Logger *logrus.Entry
}

// Coordinator serializes configuration changes and runs the safe shutdown
// at most once.
type Coordinator struct {
	target   dbms.MetricSource
	session  *session.State
	reporter StatusReporter
	prompter Prompter
	flag     *hazard.Flag

	restartAllowed bool
	retries        int
	interval       time.Duration

	clock clock.Clock
	exit  func(int)
	log   *logrus.Entry

	// promptMu serializes abort decisions, which may wait on the operator.
	// mu guards configuration changes and is never held across a prompt.
	promptMu sync.Mutex
	mu       sync.Mutex
	shutdown bool
	done     chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Target == nil || cfg.Session == nil {
		return nil, errors.New("coordinator: target and session are required")
	}
	if cfg.Prompter == nil {
		cfg.Prompter = FixedPrompter{Abort: true, Answer: ChoiceDefault}
	}
	if cfg.Flag == nil {
		cfg.Flag = hazard.NewFlag()
	}
	if cfg.ReadinessRetries <= 0 {
		cfg.ReadinessRetries = 30
	}
	if cfg.ReadinessInterval <= 0 {
		cfg.ReadinessInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "coordinator")
	}
	return &Coordinator{
		target:         cfg.Target,
		session:        cfg.Session,
		reporter:       cfg.Reporter,
		prompter:       cfg.Prompter,
		flag:           cfg.Flag,
		restartAllowed: cfg.RestartAllowed,
		retries:        cfg.ReadinessRetries,
		interval:       cfg.ReadinessInterval,
		clock:          cfg.Clock,
		exit:           cfg.Exit,
		log:            cfg.Logger,
		done:           make(chan struct{}),
	}, nil
}

// Done is closed once the safe shutdown has started.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// HandleAbort applies the terminal decision for d and shuts the session
// down. It returns nil without shutting down when the operator resumes.
// Crash recovery is not blocked while the operator is being asked.
func (c *Coordinator) HandleAbort(ctx context.Context, d session.AbortDirective) error {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	if closed(c.done) {
		return ErrShutdownInProgress
	}

	mode := c.session.Mode()
	best, _ := c.session.Best()
	plan, err := Decide(ctx, mode, d, best, c.prompter)
	if err != nil {
		return fmt.Errorf("abort decision: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"mode":      mode,
		"directive": d.Type,
		"action":    plan.Action,
	}).Warn("session abort requested")
	if plan.Action == Resume {
		c.log.Info("abort cancelled, resuming session")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdownInProgress
	}
	switch plan.Action {
	case Withdraw:
		if err := c.target.WithdrawInstrumentation(ctx); err != nil {
			c.log.WithError(err).Error("withdraw instrumentation failed")
		}
	case Revert:
		if err := c.revertFiles(ctx); err != nil {
			c.log.WithError(err).Error("revert to default failed")
		}
	case Install:
		if err := c.target.ApplyConfiguration(ctx, plan.Config); err != nil {
			c.log.WithError(err).Error("install failed, reverting to default")
			if err := c.revertFiles(ctx); err != nil {
				c.log.WithError(err).Error("revert to default failed")
			}
		}
	case KeepCurrent:
	}
	return c.safeShutdownLocked(ctx)
}

// HandleCrashRecovery removes the active override and restarts the
// instance, whatever the session mode.
func (c *Coordinator) HandleCrashRecovery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdownInProgress
	}
	if err := c.target.RemoveOverride(); err != nil {
		return fmt.Errorf("remove override: %w", err)
	}
	return c.restartAndWaitLocked(ctx)
}

// Install writes cfg as the active override and restarts into it.
func (c *Coordinator) Install(ctx context.Context, cfg *knobs.Configuration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdownInProgress
	}
	if err := c.target.ApplyConfiguration(ctx, cfg); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}
	return c.restartAndWaitLocked(ctx)
}

// InstallDefault drops the override and restarts on defaults.
// Instrumentation stays in place.
func (c *Coordinator) InstallDefault(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdownInProgress
	}
	if err := c.target.RemoveOverride(); err != nil {
		return fmt.Errorf("remove override: %w", err)
	}
	return c.restartAndWaitLocked(ctx)
}

// Restart applies pending file changes (restart or reload) and waits for
// readiness without touching the override.
func (c *Coordinator) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdownInProgress
	}
	return c.restartAndWaitLocked(ctx)
}

// SafeShutdown restarts (or reloads) into whatever is installed, waits for
// readiness, reports the final status and exits.
func (c *Coordinator) SafeShutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return ErrShutdownInProgress
	}
	return c.safeShutdownLocked(ctx)
}

func (c *Coordinator) safeShutdownLocked(ctx context.Context) error {
	c.shutdown = true
	close(c.done)

	if err := c.restartOrReload(ctx); err != nil {
		c.log.WithError(err).Error("restart during shutdown failed")
	}
	if err := c.waitReady(ctx); err != nil {
		c.log.WithError(err).Error("instance did not come back, session state is unknown")
		c.exit(1)
		return err
	}

	status := StatusAborted
	if c.session.Mode() == session.PostTuning {
		status = StatusCompleted
	}
	if c.reporter != nil {
		if err := c.reporter.UpdateSessionStatus(ctx, status); err != nil {
			c.log.WithError(err).Warn("final status update failed")
		}
	}
	c.log.WithField("status", status).Info("tuning session closed")
	c.exit(0)
	return nil
}

func (c *Coordinator) revertFiles(ctx context.Context) error {
	return errors.Join(
		c.target.WithdrawInstrumentation(ctx),
		c.target.RemoveOverride(),
	)
}

func (c *Coordinator) restartAndWaitLocked(ctx context.Context) error {
	if err := c.restartOrReload(ctx); err != nil {
		return err
	}
	return c.waitReady(ctx)
}

func (c *Coordinator) restartOrReload(ctx context.Context) error {
	if c.restartAllowed {
		c.log.Info("restarting database")
		if err := c.target.Restart(ctx); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
		return nil
	}
	c.log.Info("reloading database configuration")
	if err := c.target.ReloadConfig(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return nil
}

// waitReady polls readiness up to the retry bound. Both rejecting and
// unreachable keep polling; only the bound decides failure.
func (c *Coordinator) waitReady(ctx context.Context) error {
	last := dbms.Unreachable
	for attempt := 1; attempt <= c.retries; attempt++ {
		last = c.target.ProbeReadiness(ctx)
		if last == dbms.Ready {
			return nil
		}
		c.log.WithFields(logrus.Fields{
			"attempt":   attempt,
			"readiness": last,
		}).Debug("waiting for database")
		if attempt == c.retries {
			break
		}
		if err := c.pause(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts (last: %s)", ErrInstanceUnreachable, c.retries, last)
}

// pause waits one readiness interval. Hazards raised by the restart itself
// are consumed and logged without shortening the interval.
func (c *Coordinator) pause(ctx context.Context) error {
	timer := c.clock.After(c.interval)
	for {
		select {
		case <-timer:
			return nil
		case <-c.flag.Done():
			if sig, ok := c.flag.Consume(); ok {
				c.log.WithField("value", sig.Value).Warn("hazard while waiting for restart")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
