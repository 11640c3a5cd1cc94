package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuneagent/internal/clock"
	"tuneagent/internal/perf"
	"tuneagent/internal/session"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type clockSource struct {
	clk  *clock.Fake
	rate float64
}

func (s clockSource) ReadCommitCounter(context.Context) (uint64, error) {
	return uint64(s.rate * s.clk.Now().Sub(t0).Seconds()), nil
}
func (s clockSource) ReadStatementStats(context.Context) (perf.StatementStats, error) {
	return nil, nil
}
func (s clockSource) StatementStatsEnabled() bool { return false }

type staticOS struct{ err error }

func (o staticOS) Sample(context.Context) (OSStats, error) {
	return OSStats{CPU: CPUStats{Util: 12.5}, Mem: MemStats{Total: 100, Available: 40, UsedPercent: 60}}, o.err
}

type scriptedReporter struct {
	mu      sync.Mutex
	replies []any // session.Directive or error
	got     []Snapshot
	before  func(n int)
}

func (r *scriptedReporter) SubmitHeartbeat(_ context.Context, snap Snapshot) (session.Directive, error) {
	r.mu.Lock()
	r.got = append(r.got, snap)
	n := len(r.got)
	var reply any
	if len(r.replies) > 0 {
		reply = r.replies[0]
		r.replies = r.replies[1:]
	}
	hook := r.before
	r.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	switch v := reply.(type) {
	case error:
		return session.Directive{}, v
	case session.Directive:
		return v, nil
	}
	return session.Directive{TuningSessionState: "tuning"}, nil
}

func TestTickReportsThroughputSincePreviousTick(t *testing.T) {
	clk := clock.NewFake(t0)
	rep := &scriptedReporter{}
	hb, err := New(Config{Source: clockSource{clk: clk, rate: 250}, Reporter: rep, OS: staticOS{}, Clock: clk})
	require.NoError(t, err)

	hb.Tick(context.Background())
	clk.Advance(2 * time.Second)
	hb.Tick(context.Background())

	require.Len(t, rep.got, 2)
	assert.Zero(t, rep.got[0].DB.Throughput)
	assert.InDelta(t, 250.0, rep.got[1].DB.Throughput, 1e-9)
	assert.Equal(t, 12.5, rep.got[1].CPU.Util)
	assert.Equal(t, "2024-06-01 00:00:02.000000", rep.got[1].Timestamp)
	assert.Equal(t, "tuning", hb.RemoteState())
}

func TestSnapshotWireShape(t *testing.T) {
	latency := 1.5
	raw, err := json.Marshal(Snapshot{
		DB:        DBStats{Throughput: 3, QueryRuntime: &latency},
		IO:        IOStats{ReadIOPS: 1, WriteIOPS: 2, IOPS: 3},
		CPU:       CPUStats{Util: 50},
		Timestamp: "2024-06-01 00:00:00.000000",
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"db", "io", "mem", "cpu", "timestamp"} {
		require.Contains(t, m, k)
	}
	assert.Equal(t, 1.5, m["db"].(map[string]any)["query_runtime"])
	assert.Equal(t, 3.0, m["io"].(map[string]any)["iops"])
	assert.Equal(t, 50.0, m["cpu"].(map[string]any)["cpu_util"])
	assert.Equal(t, "2024-06-01 00:00:00.000000", m["timestamp"])
}

func TestTickSwallowsFailures(t *testing.T) {
	clk := clock.NewFake(t0)
	rep := &scriptedReporter{replies: []any{errors.New("connection reset")}}
	hb, err := New(Config{Source: clockSource{clk: clk}, Reporter: rep, OS: staticOS{err: errors.New("no disks")}, Clock: clk})
	require.NoError(t, err)

	hb.Tick(context.Background())
	assert.Empty(t, hb.RemoteState())

	hb.Tick(context.Background())
	assert.Equal(t, "tuning", hb.RemoteState())
}

func TestAbortDirectiveInvokesHandler(t *testing.T) {
	clk := clock.NewFake(t0)
	rep := &scriptedReporter{replies: []any{
		session.Directive{
			TuningSessionState:   "aborted",
			AbortTuningType:      "selected_config",
			AppliedConfigOnAbort: json.RawMessage(`{"work_mem":"8192"}`),
		},
	}}
	var got []session.AbortDirective
	hb, err := New(Config{
		Source:   clockSource{clk: clk},
		Reporter: rep,
		OS:       staticOS{},
		Clock:    clk,
		OnAbort: func(_ context.Context, d session.AbortDirective) error {
			got = append(got, d)
			return errors.New("shutdown in progress")
		},
	})
	require.NoError(t, err)

	hb.Tick(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, session.SelectedConfig, got[0].Type)
	require.NotNil(t, got[0].SelectedConfig)
	v, ok := got[0].SelectedConfig.Get("work_mem")
	require.True(t, ok)
	assert.Equal(t, "8192", v.Value)
	assert.Equal(t, "aborted", hb.RemoteState())
}

func TestRunCompensatesForTickDuration(t *testing.T) {
	clk := clock.NewFake(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rep := &scriptedReporter{}
	rep.before = func(n int) {
		clk.Advance(300 * time.Millisecond)
		if n == 3 {
			cancel()
		}
	}
	hb, err := New(Config{Source: clockSource{clk: clk}, Reporter: rep, OS: staticOS{}, Clock: clk, Interval: time.Second})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat did not stop after cancel")
	}

	waits := clk.Waits()
	require.GreaterOrEqual(t, len(waits), 2)
	for _, w := range waits {
		assert.Equal(t, 700*time.Millisecond, w)
	}
}

func TestRunStopsOnStopChannel(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	hb, err := New(Config{Source: clockSource{clk: clock.NewFake(t0)}, Reporter: &scriptedReporter{}, OS: staticOS{}, Stop: stop, Interval: time.Hour})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		hb.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat ignored stop channel")
	}
}

func TestWaitForState(t *testing.T) {
	clk := clock.NewFake(t0)
	rep := &scriptedReporter{replies: []any{session.Directive{TuningSessionState: "pending"}}}
	hb, err := New(Config{Source: clockSource{clk: clk}, Reporter: rep, OS: staticOS{}, Clock: clk})
	require.NoError(t, err)

	hb.Tick(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hb.WaitForState(context.Background(), "Tuning") }()

	hb.Tick(context.Background())
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForState did not observe the transition")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, hb.WaitForState(ctx, "completed"), context.Canceled)
}
