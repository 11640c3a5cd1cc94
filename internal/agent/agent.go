// Package agent drives one tuning session end to end: registration with the
// job service, the default baseline, the iteration loop and the final
// install. Everything that changes the database configuration outside an
// iteration goes through the coordinator.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
	"tuneagent/internal/coordinator"
	"tuneagent/internal/database"
	"tuneagent/internal/dbms"
	"tuneagent/internal/experiment"
	"tuneagent/internal/hazard"
	"tuneagent/internal/heartbeat"
	"tuneagent/internal/jobapi"
	"tuneagent/internal/knobs"
	"tuneagent/internal/metrics"
	"tuneagent/internal/perf"
	"tuneagent/internal/session"
)

const (
	sessionPollInterval = time.Second
	sessionPollTimeout  = 5 * time.Minute
)

var (
	// ErrNoSession means no tuning session was opened within the poll bound.
	ErrNoSession = errors.New("no tuning session started")
	// ErrEndOfSession is returned by Run when the session was ended by an
	// abort rather than by the end of the job.
	ErrEndOfSession = errors.New("tuning session ended")
	// ErrNotStarted is returned by Interrupt before a session exists.
	ErrNotStarted = errors.New("agent has no active session")
)

// Database is everything the loop needs from the tuned server.
type Database interface {
	dbms.MetricSource
	DefaultConfiguration(ctx context.Context) (*knobs.Configuration, error)
	EnableStatementStats(ctx context.Context, required, restartAllowed bool, restart func(context.Context) error) error
	WaitForCommits(ctx context.Context, n uint64, hazard <-chan struct{}) error
	ClientInfo(ctx context.Context) (dbms.ClientInfo, error)
}

// RecordFunc persists the current session state locally.
type RecordFunc func(database.SessionRecord) error

type Config struct {
	DBID     string
	Client   *jobapi.Client
	Database Database
	Session  *session.State
	Flag     *hazard.Flag

	Warmup      time.Duration
	Measurement time.Duration
	Monitoring  time.Duration
	MinCommits  uint64
	// RestartAllowed is ANDed with the session's own restart_allowed.
	RestartAllowed bool

	ReadinessRetries  int
	ReadinessInterval time.Duration
	HeartbeatInterval time.Duration

	// CrashInterval, CrashThreshold and CrashSampler configure the memory
	// hazard monitor. Zero values fall back to hazard.DefaultMonitorConfig.
	CrashInterval  time.Duration
	CrashThreshold float64
	CrashSampler   hazard.Sampler

	OS       heartbeat.OSSampler
	Prompter coordinator.Prompter
	Record   RecordFunc
	Exit     func(code int)
	Clock    clock.Clock
	Metrics  *metrics.Registry
	Logger   *logrus.Entry
}

type Agent struct {
	cfg   Config
	db    Database
	state *session.State
	flag  *hazard.Flag
	clock clock.Clock
	log   *logrus.Entry

	mu    sync.RWMutex
	coord *coordinator.Coordinator
	hb    *heartbeat.Heartbeat
}

func New(cfg Config) (*Agent, error) {
	if cfg.Client == nil || cfg.Database == nil {
		return nil, errors.New("agent: job client and database are required")
	}
	if strings.TrimSpace(cfg.DBID) == "" {
		return nil, errors.New("agent: db id is required")
	}
	if cfg.Session == nil {
		cfg.Session = session.New("", session.Throughput)
	}
	if cfg.Flag == nil {
		cfg.Flag = hazard.NewFlag()
	}
	if cfg.OS == nil {
		cfg.OS = &heartbeat.HostSampler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "agent")
	}
	return &Agent{
		cfg:   cfg,
		db:    cfg.Database,
		state: cfg.Session,
		flag:  cfg.Flag,
		clock: cfg.Clock,
		log:   cfg.Logger,
	}, nil
}

// Session is the shared session state.
func (a *Agent) Session() *session.State { return a.state }

// RemoteState is the last session state seen by the heartbeat, or "" before
// the session starts.
func (a *Agent) RemoteState() string {
	a.mu.RLock()
	hb := a.hb
	a.mu.RUnlock()
	if hb == nil {
		return ""
	}
	return hb.RemoteState()
}

// Interrupt handles an operator interrupt (SIGINT) as a terminal-interrupt
// abort.
func (a *Agent) Interrupt(ctx context.Context) error {
	a.mu.RLock()
	coord := a.coord
	a.mu.RUnlock()
	if coord == nil {
		return ErrNotStarted
	}
	return coord.HandleAbort(ctx, session.AbortDirective{Type: session.TerminalInterrupt})
}

// run carries what one session needs once it has been opened.
type run struct {
	root           context.Context
	job            *jobapi.Job
	coord          *coordinator.Coordinator
	ctrl           *experiment.Controller
	hb             *heartbeat.Heartbeat
	ts             jobapi.TuningSession
	objective      session.Objective
	restartAllowed bool
	warmup         time.Duration
	defaults       *knobs.Configuration
	defaultPerf    *float64
	iteration      int
}

// Run executes one tuning session. It returns nil when the job finished and
// the safe shutdown completed, ErrEndOfSession when an abort ended it, and
// any other error when the session could not be driven. In that last case
// the instance is reverted to its defaults and the session closed first.
func (a *Agent) Run(ctx context.Context) error {
	ts, err := a.bootstrap(ctx)
	if err != nil {
		return err
	}
	r, err := a.open(ctx, ts)
	if err != nil {
		return err
	}

	mon := hazard.NewMonitor(a.flag, hazard.MonitorConfig{
		Interval:  a.cfg.CrashInterval,
		Threshold: a.cfg.CrashThreshold,
		Sampler:   a.cfg.CrashSampler,
		Type:      hazard.Memory,
		OnFire:    func(hazard.Signal) { a.cfg.Metrics.HazardSignal() },
		Logger:    a.log.WithField("component", "crashmon"),
	})
	if err := mon.Start(ctx); err != nil {
		return err
	}
	defer mon.Stop()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.hb.Run(hbCtx)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.coord.Done():
			cancel()
		case <-loopCtx.Done():
		}
	}()

	err = a.tune(loopCtx, r)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coordinator.ErrInstanceUnreachable):
		return err
	case closed(r.coord.Done()):
		// Another caller owns the shutdown; wait for it to finish.
		_ = r.coord.SafeShutdown(ctx)
		a.log.WithError(err).Debug("session loop stopped by shutdown")
		return ErrEndOfSession
	}
	a.abandon(ctx, r, err)
	return err
}

// abandon puts the instance back on its defaults and closes the session
// after the loop stopped on an error.
func (a *Agent) abandon(ctx context.Context, r *run, cause error) {
	ctx = context.WithoutCancel(ctx)
	a.log.WithError(cause).Error("tuning loop stopped, reverting to defaults")
	err := r.coord.HandleAbort(ctx, session.AbortDirective{Type: session.DefaultConfig})
	if err != nil && !errors.Is(err, coordinator.ErrShutdownInProgress) {
		a.log.WithError(err).Error("session could not be closed cleanly")
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

// bootstrap registers the database on first contact and waits for the
// operator to open a session.
func (a *Agent) bootstrap(ctx context.Context) (jobapi.TuningSession, error) {
	inst, err := a.cfg.Client.DatabaseInstance(ctx, a.cfg.DBID)
	if err != nil {
		return jobapi.TuningSession{}, fmt.Errorf("database instance: %w", err)
	}
	if engine := strings.ToLower(inst.Engine); engine != "" && !strings.Contains(engine, "postgres") {
		return jobapi.TuningSession{}, fmt.Errorf("unsupported database engine %q", inst.Engine)
	}
	if !inst.Connected() {
		info, err := a.db.ClientInfo(ctx)
		if err != nil {
			return jobapi.TuningSession{}, fmt.Errorf("client info: %w", err)
		}
		if err := a.cfg.Client.PostClientInfo(ctx, a.cfg.DBID, info); err != nil {
			return jobapi.TuningSession{}, fmt.Errorf("post client info: %w", err)
		}
		a.log.WithFields(logrus.Fields{
			"version": info.DBVersion,
			"cpus":    info.NumCPU,
		}).Info("registered database with the job service")
	}

	deadline := a.clock.Now().Add(sessionPollTimeout)
	a.log.Info("waiting for a tuning session to start")
	for {
		ticket, err := a.cfg.Client.TuningSessionID(ctx, a.cfg.DBID)
		if err != nil {
			a.log.WithError(err).Debug("tuning session poll failed")
		} else if ticket.Status && ticket.Session.ID != "" {
			return ticket.Session, nil
		}
		if !a.clock.Now().Before(deadline) {
			return jobapi.TuningSession{}, fmt.Errorf("%w within %s", ErrNoSession, sessionPollTimeout)
		}
		select {
		case <-a.clock.After(sessionPollInterval):
		case <-ctx.Done():
			return jobapi.TuningSession{}, ctx.Err()
		}
	}
}

// open builds the per-session components.
func (a *Agent) open(ctx context.Context, ts jobapi.TuningSession) (*run, error) {
	objective, err := session.ParseObjective(ts.OptimizationTarget)
	if err != nil {
		return nil, err
	}
	id := string(ts.ID)
	a.state.SetID(id)
	a.state.SetObjective(objective)

	r := &run{
		root:           ctx,
		ts:             ts,
		objective:      objective,
		restartAllowed: a.cfg.RestartAllowed && (ts.RestartAllowed == nil || *ts.RestartAllowed),
		warmup:         a.cfg.Warmup,
		job:            a.cfg.Client.Job(id, objective),
	}
	if ts.WarmupSeconds != nil && *ts.WarmupSeconds >= 0 {
		r.warmup = time.Duration(*ts.WarmupSeconds * float64(time.Second))
	}
	a.log.WithFields(logrus.Fields{
		"session":         id,
		"objective":       objective,
		"restart_allowed": r.restartAllowed,
		"warmup":          r.warmup,
	}).Info("tuning session started")

	r.coord, err = coordinator.New(coordinator.Config{
		Target:            a.db,
		Session:           a.state,
		Reporter:          r.job,
		Prompter:          a.cfg.Prompter,
		Flag:              a.flag,
		RestartAllowed:    r.restartAllowed,
		ReadinessRetries:  a.cfg.ReadinessRetries,
		ReadinessInterval: a.cfg.ReadinessInterval,
		Clock:             a.clock,
		Exit:              a.cfg.Exit,
		Logger:            a.log.WithField("component", "coordinator"),
	})
	if err != nil {
		return nil, err
	}
	r.ctrl, err = experiment.New(experiment.Config{
		Source:   a.db,
		Flag:     a.flag,
		Recovery: r.coord.HandleCrashRecovery,
		Clock:    a.clock,
		Metrics:  a.cfg.Metrics,
		Logger:   a.log.WithField("component", "experiment"),
	})
	if err != nil {
		return nil, err
	}
	r.hb, err = heartbeat.New(heartbeat.Config{
		Source:   a.db,
		Reporter: r.job,
		OnAbort:  r.coord.HandleAbort,
		OS:       a.cfg.OS,
		Interval: a.cfg.HeartbeatInterval,
		Stop:     r.coord.Done(),
		Clock:    a.clock,
		Metrics:  a.cfg.Metrics,
		Logger:   a.log.WithField("component", "heartbeat"),
	})
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.coord, a.hb = r.coord, r.hb
	a.mu.Unlock()
	a.advance(session.PreTuning)
	a.record(r, database.SessionStatusRunning)
	return r, nil
}

func (a *Agent) tune(ctx context.Context, r *run) error {
	required := r.objective == session.QueryRuntime
	if err := a.db.EnableStatementStats(ctx, required, r.restartAllowed, r.coord.Restart); err != nil {
		return fmt.Errorf("statement stats: %w", err)
	}

	defaults, err := a.db.DefaultConfiguration(ctx)
	if err != nil {
		a.log.WithError(err).Warn("could not read default configuration")
	}
	r.defaults = defaults

	if err := a.baseline(ctx, r); err != nil {
		return err
	}

	req, err := r.job.NextRequest(ctx)
	if err != nil {
		return fmt.Errorf("first tuning request: %w", err)
	}
	for !req.EndOfJob {
		if req.BestConfig != nil || req.BestPerformance != nil {
			a.state.SetBest(req.BestConfig, req.BestPerformance)
		}
		if err := r.hb.WaitForState(ctx, session.RemoteTuning); err != nil {
			return err
		}
		res, err := a.iterate(ctx, r, req)
		if err != nil {
			return err
		}
		req, err = r.job.SubmitResult(ctx, res)
		if err != nil {
			return fmt.Errorf("submit result: %w", err)
		}
	}
	return a.finish(ctx, r, req)
}

// baseline measures the defaults once per session and uploads them.
func (a *Agent) baseline(ctx context.Context, r *run) error {
	if r.ts.HasDefaultPerformance() {
		var prior perf.Result
		if err := json.Unmarshal(r.ts.DefaultPerformance, &prior); err == nil {
			if v, ok := prior.Value(string(r.objective)); ok {
				r.defaultPerf = &v
			}
		}
		return nil
	}

	a.log.WithField("window", a.cfg.Monitoring).Info("measuring default configuration")
	res, err := r.ctrl.Measure(ctx, a.cfg.Monitoring)
	if err != nil {
		return fmt.Errorf("default measurement: %w", err)
	}
	if v, ok := res.Value(string(r.objective)); ok && res.Valid {
		r.defaultPerf = &v
		a.state.SetBest(nil, &v)
	}
	if err := r.job.PostDefaultPerformance(ctx, res, r.defaults); err != nil {
		if jobapi.IsProtocolError(err) || ctx.Err() != nil {
			return fmt.Errorf("post default performance: %w", err)
		}
		a.log.WithError(err).Warn("default performance upload failed")
	}
	a.record(r, database.SessionStatusRunning)
	return nil
}

// iterate installs the proposed configuration and measures it. A proposal
// equal to the defaults while nothing has been applied yet only reverts, so
// the override file is never written for defaults before tuning.
func (a *Agent) iterate(ctx context.Context, r *run, req jobapi.TuningRequest) (perf.Result, error) {
	log := a.log
	if req.Iteration != nil {
		r.iteration = *req.Iteration
		log = log.WithField("iteration", r.iteration)
	}

	var err error
	if a.state.Mode() == session.PreTuning && r.defaults.Len() > 0 && req.Knobs.Equal(r.defaults) {
		log.Info("proposed configuration is the default, reverting instead of applying")
		err = r.coord.InstallDefault(ctx)
	} else {
		a.advance(session.Tuning)
		log.WithField("knobs", req.Knobs.String()).Info("applying configuration")
		err = r.coord.Install(ctx, req.Knobs)
	}
	if err != nil {
		if fatal(ctx, err) {
			return perf.Result{}, err
		}
		log.WithError(err).Error("configuration did not apply, recovering")
		a.cfg.Metrics.CrashRecovery()
		if rerr := r.coord.HandleCrashRecovery(ctx); rerr != nil {
			return perf.Result{}, fmt.Errorf("recover from failed install: %w", rerr)
		}
		a.cfg.Metrics.ObserveIteration(false, 0, nil)
		return perf.Result{Valid: false}, nil
	}

	if err := a.db.WaitForCommits(ctx, a.cfg.MinCommits, a.flag.Done()); err != nil {
		if ctx.Err() != nil {
			return perf.Result{}, ctx.Err()
		}
		log.WithError(err).Warn("waiting for workload failed")
	}

	res, err := r.ctrl.RunIteration(ctx, r.warmup, a.cfg.Measurement, a.state)
	if err != nil {
		return perf.Result{}, err
	}
	a.record(r, database.SessionStatusRunning)
	return res, nil
}

func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, coordinator.ErrShutdownInProgress) ||
		errors.Is(err, coordinator.ErrInstanceUnreachable)
}

// finish installs the outcome of the job, keeps watching it for one
// monitoring window and shuts the session down.
func (a *Agent) finish(ctx context.Context, r *run, req jobapi.TuningRequest) error {
	a.advance(session.PostTuning)
	best := req.BestPointFound

	var err error
	switch {
	case best.Len() == 0:
		a.log.Warn("job ended without a best configuration, keeping defaults")
		err = r.coord.InstallDefault(ctx)
	case req.Default.Len() > 0 && best.Equal(req.Default):
		a.log.Info("no configuration beat the defaults, keeping defaults")
		err = r.coord.InstallDefault(ctx)
	default:
		_, perfValue := a.state.Best()
		a.state.SetBest(best, perfValue)
		a.log.WithField("knobs", best.String()).Info("installing best configuration")
		err = r.coord.Install(ctx, best)
	}
	if err != nil {
		if fatal(ctx, err) {
			return err
		}
		a.log.WithError(err).Error("final install failed, reverting to defaults")
		if err := r.coord.InstallDefault(ctx); err != nil && fatal(ctx, err) {
			return err
		}
	}
	a.record(r, database.SessionStatusCompleted)

	if a.cfg.Monitoring > 0 {
		res, err := r.ctrl.Measure(ctx, a.cfg.Monitoring)
		if err != nil {
			return err
		}
		entry := a.log.WithField("throughput", res.Throughput)
		if res.QueryLatency != nil {
			entry = entry.WithField("query_latency", *res.QueryLatency)
		}
		entry.Info("final configuration monitored")
	}
	// The loop context is cancelled as soon as the shutdown starts.
	return r.coord.SafeShutdown(r.root)
}

func (a *Agent) advance(mode session.Mode) {
	if err := a.state.Advance(mode); err != nil {
		a.log.WithError(err).Warn("mode change ignored")
		return
	}
	a.cfg.Metrics.SetMode(int(a.state.Mode()))
}

func (a *Agent) record(r *run, status string) {
	if a.cfg.Record == nil {
		return
	}
	snap := a.state.Snapshot()
	rec := database.SessionRecord{
		SessionID:          snap.ID,
		DBID:               a.cfg.DBID,
		Objective:          string(snap.Objective),
		Mode:               snap.Mode.String(),
		BestPerformance:    snap.BestPerformance,
		DefaultPerformance: r.defaultPerf,
		Iteration:          r.iteration,
		Status:             status,
	}
	if snap.BestPoint != nil {
		if raw, err := json.Marshal(snap.BestPoint); err == nil {
			rec.BestConfiguration = raw
		}
	}
	if err := a.cfg.Record(rec); err != nil {
		a.log.WithError(err).Warn("session record not saved")
	}
}
