// Package perf holds counter snapshots and the delta policy used to turn two
// snapshots into throughput and query latency.
package perf

import (
	"encoding/json"
	"time"
)

// StatementStat is the cumulative execution record of one statement id.
type StatementStat struct {
	Calls         uint64  `json:"calls"`
	TotalExecTime float64 `json:"total_exec_time"`
}

// StatementStats maps statement id to its cumulative stats.
type StatementStats map[string]StatementStat

// CounterSnapshot is taken at phase boundaries and only ever diffed.
//
// Degraded marks a snapshot whose commit counter could not be read; its
// CommitCount is zero. Statements is nil when statement stats are disabled
// or could not be read.
type CounterSnapshot struct {
	CommitCount uint64
	WallTime    time.Time
	Statements  StatementStats
	Degraded    bool
}

// Result is the performance verdict for one window.
type Result struct {
	Throughput   float64
	QueryLatency *float64
	Valid        bool
}

// Value returns the metric for the given objective name ("throughput" or
// "query_runtime") and whether it is present.
func (r Result) Value(objective string) (float64, bool) {
	switch objective {
	case "throughput":
		return r.Throughput, true
	case "query_runtime":
		if r.QueryLatency == nil {
			return 0, false
		}
		return *r.QueryLatency, true
	}
	return 0, false
}

type resultWire struct {
	Throughput   float64  `json:"throughput"`
	QueryRuntime *float64 `json:"query_runtime,omitempty"`
	Valid        string   `json:"Valid"`
}

// MarshalJSON emits the job API shape: {"throughput", "query_runtime",
// "Valid": "true"|"false"}.
func (r Result) MarshalJSON() ([]byte, error) {
	valid := "false"
	if r.Valid {
		valid = "true"
	}
	return json.Marshal(resultWire{Throughput: r.Throughput, QueryRuntime: r.QueryLatency, Valid: valid})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Throughput = w.Throughput
	r.QueryLatency = w.QueryRuntime
	r.Valid = w.Valid == "true"
	return nil
}

// Delta computes the performance between two snapshots. Throughput is the
// commit delta over elapsed wall time, clamped at zero when the counter went
// backwards (restart) or either side is degraded. Latency is included only
// when withLatency is set.
func Delta(a, b CounterSnapshot, withLatency bool) Result {
	res := Result{Valid: true}

	elapsed := b.WallTime.Sub(a.WallTime).Seconds()
	if elapsed > 0 && !a.Degraded && !b.Degraded && b.CommitCount > a.CommitCount {
		res.Throughput = float64(b.CommitCount-a.CommitCount) / elapsed
	}

	if withLatency {
		latency := QueryLatency(a.Statements, b.Statements)
		res.QueryLatency = &latency
	}
	return res
}

// QueryLatency returns the call-weighted mean execution time of every
// statement present in end, relative to start. Statements absent from start
// contribute their full counts. Negative deltas (stats reset) are clamped to
// zero. Missing snapshots or zero total calls yield 0.
func QueryLatency(start, end StatementStats) float64 {
	if start == nil || end == nil {
		return 0
	}

	type window struct {
		calls float64
		mean  float64
	}
	windows := make([]window, 0, len(end))
	var totalCalls float64
	for id, e := range end {
		s := start[id]
		calls := 0.0
		if e.Calls > s.Calls {
			calls = float64(e.Calls - s.Calls)
		}
		execTime := e.TotalExecTime - s.TotalExecTime
		if execTime < 0 {
			execTime = 0
		}
		mean := 0.0
		if calls > 0 {
			mean = execTime / calls
		}
		windows = append(windows, window{calls: calls, mean: mean})
		totalCalls += calls
	}
	if totalCalls == 0 {
		return 0
	}

	latency := 0.0
	for _, w := range windows {
		latency += (w.calls / totalCalls) * w.mean
	}
	return latency
}
