package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"tuneagent/internal/heartbeat"
	"tuneagent/internal/knobs"
	"tuneagent/internal/perf"
	"tuneagent/internal/session"
)

// TuningRequest is the service's next instruction. Either Knobs is set, or
// EndOfJob is true and BestPointFound/Default describe the outcome.
type TuningRequest struct {
	Iteration       *int
	Knobs           *knobs.Configuration
	BestConfig      *knobs.Configuration
	BestPerformance *float64

	EndOfJob       bool
	BestPointFound *knobs.Configuration
	Default        *knobs.Configuration
}

type requestWire struct {
	Knobs          *knobs.Configuration            `json:"knobs"`
	IterationNo    *int                            `json:"iteration_no"`
	BestFound      map[string]json.RawMessage      `json:"best_found_configuration"`
	EndOfJob       json.RawMessage                 `json:"endOfJob"`
	BestPointFound map[string]*knobs.Configuration `json:"bestPointFound"`
	Default        *knobs.Configuration            `json:"default"`
	Error          json.RawMessage                 `json:"error"`
}

// ParseTuningRequest decodes a request or response body. Best-found values
// are keyed by objective. An "error" member yields a ProtocolError.
func ParseTuningRequest(data []byte, objective session.Objective) (TuningRequest, error) {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return TuningRequest{}, fmt.Errorf("decode tuning request: %w", err)
	}
	if len(w.Error) > 0 {
		return TuningRequest{}, &ProtocolError{Payload: json.RawMessage(bytes.TrimSpace(data))}
	}

	req := TuningRequest{
		Iteration: w.IterationNo,
		Knobs:     w.Knobs,
		EndOfJob:  len(w.EndOfJob) > 0,
		Default:   w.Default,
	}
	if w.BestPointFound != nil {
		req.BestPointFound = w.BestPointFound[string(objective)]
	}

	if raw, ok := w.BestFound[string(objective)]; ok {
		var cfg *knobs.Configuration
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return TuningRequest{}, fmt.Errorf("decode best found configuration: %w", err)
		}
		req.BestConfig = cfg
	}
	if raw, ok := w.BestFound["performance"]; ok {
		var perfs map[string]*float64
		if err := json.Unmarshal(raw, &perfs); err != nil {
			return TuningRequest{}, fmt.Errorf("decode best performance: %w", err)
		}
		req.BestPerformance = perfs[string(objective)]
	}

	if !req.EndOfJob && req.Knobs == nil {
		return TuningRequest{}, fmt.Errorf("tuning request has neither knobs nor endOfJob")
	}
	return req, nil
}

// Job is a handle on one tuning session.
type Job struct {
	c         *Client
	id        string
	objective session.Objective

	mu        sync.Mutex
	iteration *int
}

func (c *Client) Job(id string, objective session.Objective) *Job {
	return &Job{c: c, id: id, objective: objective}
}

func (j *Job) ID() string { return j.id }

func (j *Job) path(leaf string) string {
	return "job/" + url.PathEscape(j.id) + "/" + leaf
}

func (j *Job) track(req TuningRequest) {
	if req.Iteration == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	n := *req.Iteration
	j.iteration = &n
}

func (j *Job) currentIteration() *int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.iteration
}

// NextRequest fetches the next configuration to try. Transport and decode
// failures are retried after the backoff until ctx ends; protocol errors are
// returned as is.
func (j *Job) NextRequest(ctx context.Context) (TuningRequest, error) {
	for {
		data, err := j.c.do(ctx, "GET", j.path("request?v=2"), nil)
		if err == nil {
			var req TuningRequest
			if req, err = j.accept(data); err == nil || IsProtocolError(err) {
				return req, err
			}
		}
		if ctx.Err() != nil {
			return TuningRequest{}, ctx.Err()
		}
		j.c.log.WithError(err).WithField("backoff", j.c.backoff).Warn("tuning request failed, retrying")
		if err := j.pause(ctx); err != nil {
			return TuningRequest{}, err
		}
	}
}

func (j *Job) accept(data []byte) (TuningRequest, error) {
	req, err := ParseTuningRequest(data, j.objective)
	if err != nil {
		return TuningRequest{}, err
	}
	j.track(req)
	return req, nil
}

func (j *Job) pause(ctx context.Context) error {
	select {
	case <-j.c.clock.After(j.c.backoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type resultBody struct {
	MetricStats perf.Result `json:"metric_stats"`
	StatsData   any         `json:"stats_data"`
	Iteration   *int        `json:"iteration"`
	Timestamp   string      `json:"timestamp"`
}

// SubmitResult reports an iteration result and returns the next request.
// When the submission fails in transit or the reply cannot be decoded, the
// client backs off and re-fetches the current request instead; protocol
// errors are returned as is.
func (j *Job) SubmitResult(ctx context.Context, res perf.Result) (TuningRequest, error) {
	body := resultBody{
		MetricStats: res,
		Iteration:   j.currentIteration(),
		Timestamp:   Timestamp(j.c.clock.Now()),
	}
	data, err := j.c.do(ctx, "POST", j.path("response?v=2"), body)
	if err == nil {
		var req TuningRequest
		if req, err = j.accept(data); err == nil || IsProtocolError(err) {
			return req, err
		}
	}
	if ctx.Err() != nil {
		return TuningRequest{}, ctx.Err()
	}
	j.c.log.WithError(err).WithField("backoff", j.c.backoff).Warn("result submission failed, re-fetching request")
	if err := j.pause(ctx); err != nil {
		return TuningRequest{}, err
	}
	return j.NextRequest(ctx)
}

// SubmitHeartbeat implements heartbeat.Reporter.
func (j *Job) SubmitHeartbeat(ctx context.Context, snap heartbeat.Snapshot) (session.Directive, error) {
	var d session.Directive
	err := j.c.postJSON(ctx, j.path("stats"), snap, &d)
	return d, err
}

// UpdateSessionStatus implements coordinator.StatusReporter.
func (j *Job) UpdateSessionStatus(ctx context.Context, status string) error {
	j.c.log.WithFields(logrus.Fields{"job": j.id, "status": status}).Info("updating session status")
	return j.c.postJSON(ctx, j.path("update-status"), map[string]string{"tuning_status": status}, nil)
}

type defaultPerformanceBody struct {
	Performance   perf.Result          `json:"default_performance"`
	Configuration *knobs.Configuration `json:"default_configuration"`
	Timestamp     string               `json:"default_configuration_timestamp"`
}

// PostDefaultPerformance uploads the baseline measured on defaults.
func (j *Job) PostDefaultPerformance(ctx context.Context, res perf.Result, cfg *knobs.Configuration) error {
	return j.c.postJSON(ctx, j.path("default-performance"), defaultPerformanceBody{
		Performance:   res,
		Configuration: cfg,
		Timestamp:     Timestamp(j.c.clock.Now()),
	}, nil)
}
