package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tuneagent/internal/knobs"
)

// Mode is the tuning session phase. It only moves forward.
type Mode int

const (
	PreTuning Mode = iota
	Tuning
	PostTuning
)

func (m Mode) String() string {
	switch m {
	case PreTuning:
		return "pre-tuning"
	case Tuning:
		return "tuning"
	case PostTuning:
		return "post-tuning"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Objective is the metric the remote optimizer is optimizing.
type Objective string

const (
	Throughput   Objective = "throughput"
	QueryRuntime Objective = "query_runtime"
)

// ParseObjective accepts the job API spellings.
func ParseObjective(s string) (Objective, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "throughput", "":
		return Throughput, nil
	case "query_runtime", "queryruntime", "query_latency":
		return QueryRuntime, nil
	}
	return "", fmt.Errorf("unknown objective %q", s)
}

var ErrModeRegression = errors.New("session mode cannot move backwards")

// State is the mutable session record threaded through the agent. The
// driving loop writes it; heartbeat, coordinator and status API read it.
type State struct {
	mu sync.RWMutex

	id        string
	mode      Mode
	objective Objective

	bestPoint       *knobs.Configuration
	bestPerformance *float64

	updated time.Time
}

func New(id string, objective Objective) *State {
	return &State{id: id, mode: PreTuning, objective: objective, updated: time.Now()}
}

func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// SetID records the tuning session id once the remote side has issued it.
func (s *State) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	s.updated = time.Now()
}

func (s *State) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *State) Objective() Objective {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objective
}

func (s *State) SetObjective(o Objective) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objective = o
	s.updated = time.Now()
}

// Advance moves the session to mode. Re-entering the current mode is a
// no-op; moving backwards returns ErrModeRegression.
func (s *State) Advance(mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode < s.mode {
		return fmt.Errorf("%w: %s -> %s", ErrModeRegression, s.mode, mode)
	}
	s.mode = mode
	s.updated = time.Now()
	return nil
}

// SetBest records the incumbent best point as reported by the optimizer.
// Either argument may be nil.
func (s *State) SetBest(cfg *knobs.Configuration, performance *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg != nil {
		s.bestPoint = cfg.Clone()
	} else {
		s.bestPoint = nil
	}
	if performance != nil {
		v := *performance
		s.bestPerformance = &v
	} else {
		s.bestPerformance = nil
	}
	s.updated = time.Now()
}

// Best returns copies of the best point and its performance.
func (s *State) Best() (*knobs.Configuration, *float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var perf *float64
	if s.bestPerformance != nil {
		v := *s.bestPerformance
		perf = &v
	}
	return s.bestPoint.Clone(), perf
}

// Snapshot is a point-in-time copy of the session for reporting.
type Snapshot struct {
	ID              string               `json:"id"`
	Mode            Mode                 `json:"mode"`
	Objective       Objective            `json:"objective"`
	BestPoint       *knobs.Configuration `json:"best_point,omitempty"`
	BestPerformance *float64             `json:"best_performance,omitempty"`
	Timestamp       int64                `json:"timestamp"`
}

func (s *State) Snapshot() Snapshot {
	best, perf := s.Best()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:              s.id,
		Mode:            s.mode,
		Objective:       s.objective,
		BestPoint:       best,
		BestPerformance: perf,
		Timestamp:       s.updated.UnixMilli(),
	}
}

// JSON returns the snapshot as a JSON byte slice (for the status API).
func (s *State) JSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
