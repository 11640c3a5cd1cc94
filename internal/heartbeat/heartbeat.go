// Package heartbeat streams lightweight host and database metrics to the
// job API for the whole session and relays the session directive it gets
// back.
package heartbeat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
	"tuneagent/internal/metrics"
	"tuneagent/internal/perf"
	"tuneagent/internal/session"
)

// TimestampLayout is the timestamp format the job API expects.
const TimestampLayout = "2006-01-02 15:04:05.000000"

type DBStats struct {
	Throughput   float64  `json:"throughput"`
	QueryRuntime *float64 `json:"query_runtime,omitempty"`
}

// Snapshot is the body of one heartbeat.
type Snapshot struct {
	DB        DBStats  `json:"db"`
	IO        IOStats  `json:"io"`
	Mem       MemStats `json:"mem"`
	CPU       CPUStats `json:"cpu"`
	Timestamp string   `json:"timestamp"`
}

// Reporter ships a snapshot and returns the remote directive.
type Reporter interface {
	SubmitHeartbeat(ctx context.Context, snap Snapshot) (session.Directive, error)
}

// AbortHandler ends the session according to d.
type AbortHandler func(ctx context.Context, d session.AbortDirective) error

type Config struct {
	Source   perf.Source
	Reporter Reporter
	OnAbort  AbortHandler
	OS       OSSampler
	Interval time.Duration
	// Stop ends the loop when closed, in addition to ctx.
	Stop    <-chan struct{}
	Clock   clock.Clock
	Metrics *metrics.Registry
	Logger  *logrus.Entry
}

type Heartbeat struct {
	snap     *perf.Snapshotter
	reporter Reporter
	onAbort  AbortHandler
	os       OSSampler
	interval time.Duration
	stop     <-chan struct{}
	clock    clock.Clock
	metrics  *metrics.Registry
	log      *logrus.Entry

	mu     sync.RWMutex
	prev   *perf.CounterSnapshot
	remote string
	change chan struct{}
}

func New(cfg Config) (*Heartbeat, error) {
	if cfg.Source == nil || cfg.Reporter == nil {
		return nil, errors.New("heartbeat: source and reporter are required")
	}
	if cfg.OS == nil {
		cfg.OS = &HostSampler{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "heartbeat")
	}
	return &Heartbeat{
		snap:     perf.NewSnapshotter(cfg.Source, cfg.Clock, cfg.Logger),
		reporter: cfg.Reporter,
		onAbort:  cfg.OnAbort,
		os:       cfg.OS,
		interval: cfg.Interval,
		stop:     cfg.Stop,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		change:   make(chan struct{}),
	}, nil
}

// Run ticks until ctx is done or Stop is closed. Each period is measured
// from the start of the previous tick, so sampling and network time do not
// stretch it.
func (h *Heartbeat) Run(ctx context.Context) {
	h.log.WithField("interval", h.interval).Debug("heartbeat started")
	defer h.log.Debug("heartbeat stopped")
	for {
		start := h.clock.Now()
		h.Tick(ctx)

		wait := h.interval - h.clock.Now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-h.clock.After(wait):
		}
	}
}

// Tick samples, reports, and acts on the directive. Failures are logged and
// left for the next tick.
func (h *Heartbeat) Tick(ctx context.Context) {
	snap := h.sample(ctx)

	d, err := h.reporter.SubmitHeartbeat(ctx, snap)
	if err != nil {
		h.metrics.HeartbeatFailure()
		h.log.WithError(err).Debug("heartbeat not delivered")
		return
	}
	if state := strings.TrimSpace(d.TuningSessionState); state != "" {
		h.setRemote(state)
	}

	if d.Aborted() && h.onAbort != nil {
		ad := d.AbortDirective()
		h.log.WithField("abort_type", ad.Type).Warn("session aborted remotely")
		if err := h.onAbort(ctx, ad); err != nil {
			h.log.WithError(err).Warn("abort handling failed")
		}
	}
}

func (h *Heartbeat) sample(ctx context.Context) Snapshot {
	cur := h.snap.Take(ctx)
	latency := h.snap.StatementStatsEnabled()

	var db DBStats
	h.mu.Lock()
	if h.prev != nil {
		res := perf.Delta(*h.prev, cur, latency)
		db = DBStats{Throughput: res.Throughput, QueryRuntime: res.QueryLatency}
	}
	h.prev = &cur
	h.mu.Unlock()

	snap := Snapshot{DB: db, Timestamp: cur.WallTime.Format(TimestampLayout)}
	osStats, err := h.os.Sample(ctx)
	if err != nil {
		h.log.WithError(err).Debug("host sample failed")
	}
	snap.IO, snap.Mem, snap.CPU = osStats.IO, osStats.Mem, osStats.CPU
	return snap
}

func (h *Heartbeat) setRemote(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state == h.remote {
		return
	}
	h.remote = state
	close(h.change)
	h.change = make(chan struct{})
}

// RemoteState is the last session state the job API reported.
func (h *Heartbeat) RemoteState() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.remote
}

// WaitForState blocks until the remote session state equals state (case
// insensitive) or ctx ends.
func (h *Heartbeat) WaitForState(ctx context.Context, state string) error {
	for {
		h.mu.RLock()
		current, change := h.remote, h.change
		h.mu.RUnlock()
		if strings.EqualFold(current, state) {
			return nil
		}
		select {
		case <-change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
