// Package experiment runs one measurement iteration against an installed
// configuration: warmup, early bad-point detection, then steady-state
// measurement, with every wait preemptible by the hazard flag.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
	"tuneagent/internal/hazard"
	"tuneagent/internal/metrics"
	"tuneagent/internal/perf"
	"tuneagent/internal/session"
)

const (
	// Length of the first warmup slice, before the early-check baseline.
	warmupLead = 20 * time.Second
	// Length of the early-check window that follows it.
	earlyWindow = 40 * time.Second

	// A throughput below this share of the best, or a query runtime above
	// the latency factor, ends the iteration early.
	throughputFloor = 0.4
	latencyCeiling  = 1.6
)

// RecoveryFunc reverts the active override and restarts the instance.
type RecoveryFunc func(ctx context.Context) error

type Config struct {
	Source   perf.Source
	Flag     *hazard.Flag
	Recovery RecoveryFunc
	Clock    clock.Clock
	Metrics  *metrics.Registry
	Logger   *logrus.Entry
}

type Controller struct {
	snap     *perf.Snapshotter
	flag     *hazard.Flag
	recovery RecoveryFunc
	clock    clock.Clock
	metrics  *metrics.Registry
	log      *logrus.Entry
}

func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, errors.New("experiment: metric source is required")
	}
	if cfg.Flag == nil {
		return nil, errors.New("experiment: hazard flag is required")
	}
	if cfg.Recovery == nil {
		return nil, errors.New("experiment: recovery action is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "experiment")
	}
	return &Controller{
		snap:     perf.NewSnapshotter(cfg.Source, cfg.Clock, cfg.Logger),
		flag:     cfg.Flag,
		recovery: cfg.Recovery,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
	}, nil
}

// RunIteration measures the configuration that is already installed and
// serving. A hazard during any wait yields an invalid result after the
// override is reverted; the error is non-nil only when the context ends or
// recovery itself fails.
func (c *Controller) RunIteration(ctx context.Context, warmup, measurement time.Duration, state *session.State) (perf.Result, error) {
	latency := c.snap.StatementStatsEnabled()
	s0 := c.snap.Take(ctx)

	if warmup > 0 {
		lead := minDuration(warmupLead, warmup)
		if crashed, err := c.wait(ctx, lead); err != nil {
			return perf.Result{}, err
		} else if crashed {
			return c.recover(ctx, s0, latency, "warmup")
		}

		s1 := c.snap.Take(ctx)
		window := minDuration(earlyWindow, warmup-lead)
		if crashed, err := c.wait(ctx, window); err != nil {
			return perf.Result{}, err
		} else if crashed {
			return c.recover(ctx, s0, latency, "warmup")
		}
		s2 := c.snap.Take(ctx)

		if window > 0 {
			early := perf.Delta(s1, s2, latency)
			if c.badPoint(early, state) {
				c.log.WithFields(logrus.Fields{
					"throughput": early.Throughput,
					"objective":  state.Objective(),
				}).Info("configuration is clearly worse than the best found, skipping measurement")
				c.metrics.EarlyExit()
				c.metrics.ObserveIteration(true, early.Throughput, early.QueryLatency)
				return early, nil
			}
		}

		rest := warmup - warmupLead - earlyWindow
		if rest > 0 {
			if crashed, err := c.wait(ctx, rest); err != nil {
				return perf.Result{}, err
			} else if crashed {
				return c.recover(ctx, s0, latency, "warmup")
			}
		}
	}

	s3 := c.snap.Take(ctx)
	c.log.WithField("duration", measurement).Debug("measuring")
	if crashed, err := c.wait(ctx, measurement); err != nil {
		return perf.Result{}, err
	} else if crashed {
		return c.recover(ctx, s0, latency, "measurement")
	}
	s4 := c.snap.Take(ctx)

	res := perf.Delta(s3, s4, latency)
	c.metrics.ObserveIteration(true, res.Throughput, res.QueryLatency)
	c.log.WithField("throughput", res.Throughput).Info("iteration measured")
	return res, nil
}

// Measure records performance over a single window with no warmup. It is
// used for the default configuration before tuning starts.
func (c *Controller) Measure(ctx context.Context, window time.Duration) (perf.Result, error) {
	latency := c.snap.StatementStatsEnabled()
	s0 := c.snap.Take(ctx)
	crashed, err := c.wait(ctx, window)
	if err != nil {
		return perf.Result{}, err
	}
	if crashed {
		return c.recover(ctx, s0, latency, "monitoring")
	}
	return perf.Delta(s0, c.snap.Take(ctx), latency), nil
}

// wait blocks for d, the hazard flag, or ctx, whichever comes first, and
// reports whether the flag is set when it returns.
func (c *Controller) wait(ctx context.Context, d time.Duration) (bool, error) {
	if c.flag.Fired() {
		return true, nil
	}
	if d <= 0 {
		return false, nil
	}
	select {
	case <-c.flag.Done():
		return true, nil
	case <-c.clock.After(d):
		return c.flag.Fired(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// recover measures from the pre-warmup baseline, consumes the incident and
// runs revert-and-restart. If another consumer already took the incident the
// recovery is theirs.
func (c *Controller) recover(ctx context.Context, s0 perf.CounterSnapshot, latency bool, phase string) (perf.Result, error) {
	res := perf.Delta(s0, c.snap.Take(ctx), latency)
	res.Valid = false
	c.metrics.ObserveIteration(false, res.Throughput, res.QueryLatency)

	sig, ok := c.flag.Consume()
	if !ok {
		c.log.WithField("phase", phase).Warn("hazard already handled elsewhere")
		return res, nil
	}
	c.log.WithFields(logrus.Fields{
		"phase": phase,
		"type":  sig.Type,
		"value": sig.Value,
	}).Warn("instability detected, reverting configuration")
	c.metrics.CrashRecovery()

	if err := c.recovery(ctx); err != nil {
		return res, fmt.Errorf("crash recovery: %w", err)
	}
	return res, nil
}

func (c *Controller) badPoint(early perf.Result, state *session.State) bool {
	if state == nil {
		return false
	}
	_, best := state.Best()
	if best == nil {
		return false
	}
	switch state.Objective() {
	case session.Throughput:
		return early.Throughput < throughputFloor*(*best)
	case session.QueryRuntime:
		return early.QueryLatency != nil && *early.QueryLatency > latencyCeiling*(*best)
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	if b < 0 {
		return 0
	}
	return b
}
