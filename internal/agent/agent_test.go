package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuneagent/internal/clock"
	"tuneagent/internal/database"
	"tuneagent/internal/dbms"
	"tuneagent/internal/hazard"
	"tuneagent/internal/heartbeat"
	"tuneagent/internal/jobapi"
	"tuneagent/internal/knobs"
	"tuneagent/internal/perf"
	"tuneagent/internal/session"
)

type fakeDB struct {
	mu       sync.Mutex
	calls    []string
	applied  []*knobs.Configuration
	required []bool
	commits  atomic.Uint64
	defaults *knobs.Configuration
	// onWait runs inside WaitForCommits when set.
	onWait func(hazard <-chan struct{})
}

func (f *fakeDB) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDB) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDB) Applied() []*knobs.Configuration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*knobs.Configuration(nil), f.applied...)
}

func (f *fakeDB) ReadCommitCounter(context.Context) (uint64, error) {
	return f.commits.Add(50), nil
}
func (f *fakeDB) ReadStatementStats(context.Context) (perf.StatementStats, error) { return nil, nil }
func (f *fakeDB) StatementStatsEnabled() bool                                     { return false }

func (f *fakeDB) ApplyConfiguration(_ context.Context, cfg *knobs.Configuration) error {
	f.mu.Lock()
	f.applied = append(f.applied, cfg.Clone())
	f.mu.Unlock()
	f.record("apply")
	return nil
}
func (f *fakeDB) RemoveOverride() error { f.record("remove"); return nil }
func (f *fakeDB) WithdrawInstrumentation(context.Context) error {
	f.record("withdraw")
	return nil
}
func (f *fakeDB) ProbeReadiness(context.Context) dbms.Readiness { return dbms.Ready }
func (f *fakeDB) Restart(context.Context) error                 { f.record("restart"); return nil }
func (f *fakeDB) ReloadConfig(context.Context) error            { f.record("reload"); return nil }

func (f *fakeDB) DefaultConfiguration(context.Context) (*knobs.Configuration, error) {
	return f.defaults.Clone(), nil
}

func (f *fakeDB) EnableStatementStats(_ context.Context, required, _ bool, _ func(context.Context) error) error {
	f.mu.Lock()
	f.required = append(f.required, required)
	f.mu.Unlock()
	return nil
}

func (f *fakeDB) WaitForCommits(_ context.Context, _ uint64, hazard <-chan struct{}) error {
	if f.onWait != nil {
		f.onWait(hazard)
	}
	return nil
}

func (f *fakeDB) ClientInfo(context.Context) (dbms.ClientInfo, error) {
	f.record("client-info")
	return dbms.ClientInfo{DBVersion: "16.2", NumCPU: 4}, nil
}

type quietOS struct{}

func (quietOS) Sample(context.Context) (heartbeat.OSStats, error) { return heartbeat.OSStats{}, nil }

type service struct {
	mu       sync.Mutex
	hits     map[string]int
	bodies   map[string][]map[string]any
	handlers map[string]func(n int) string
}

func newService(t *testing.T) (*service, *jobapi.Client) {
	t.Helper()
	s := &service{
		hits:     map[string]int{},
		bodies:   map[string][]map[string]any{},
		handlers: map[string]func(int) string{},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		var body map[string]any
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
		}
		s.mu.Lock()
		n := s.hits[key]
		s.hits[key] = n + 1
		s.bodies[key] = append(s.bodies[key], body)
		h := s.handlers[key]
		s.mu.Unlock()
		if h == nil {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, h(n))
	}))
	t.Cleanup(srv.Close)

	c, err := jobapi.New(jobapi.Options{Endpoint: srv.URL + "/api/v1", APIKey: "k", Backoff: time.Millisecond})
	require.NoError(t, err)
	return s, c
}

func (s *service) on(method, path string, h func(n int) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method+" /api/v1/"+path] = h
}

func (s *service) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" /api/v1/"+path]
}

func (s *service) Bodies(method, path string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.bodies[method+" /api/v1/"+path]...)
}

func always(body string) func(int) string { return func(int) string { return body } }

func sequence(bodies ...string) func(int) string {
	return func(n int) string {
		if n >= len(bodies) {
			return bodies[len(bodies)-1]
		}
		return bodies[n]
	}
}

type exits struct {
	mu    sync.Mutex
	codes []int
}

func (e *exits) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exits) Codes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

type harness struct {
	svc     *service
	db      *fakeDB
	exits   *exits
	records []database.SessionRecord
	recMu   sync.Mutex
	agent   *Agent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc, client := newService(t)
	h := &harness{
		svc:   svc,
		db:    &fakeDB{defaults: knobs.New(knobs.Knob{Name: "work_mem", Value: "4096"})},
		exits: &exits{},
	}
	a, err := New(Config{
		DBID:              "db-1",
		Client:            client,
		Database:          h.db,
		Measurement:       20 * time.Millisecond,
		Monitoring:        20 * time.Millisecond,
		MinCommits:        1,
		RestartAllowed:    true,
		ReadinessRetries:  3,
		ReadinessInterval: time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		CrashInterval:     5 * time.Millisecond,
		CrashSampler:      func(context.Context) (float64, error) { return 10, nil },
		OS:                quietOS{},
		Exit:              h.exits.exit,
		Record: func(rec database.SessionRecord) error {
			h.recMu.Lock()
			defer h.recMu.Unlock()
			h.records = append(h.records, rec)
			return nil
		},
	})
	require.NoError(t, err)
	h.agent = a
	return h
}

func (h *harness) lastRecord(t *testing.T) database.SessionRecord {
	t.Helper()
	h.recMu.Lock()
	defer h.recMu.Unlock()
	require.NotEmpty(t, h.records)
	return h.records[len(h.records)-1]
}

func runWithTimeout(t *testing.T, a *Agent) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Run(ctx)
}

func TestRunCompletesJob(t *testing.T) {
	h := newHarness(t)
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"postgresql","db_connection_status":"f"}`))
	h.svc.on("GET", "db/db-1/tuning-session-id", always(`{"status":true,"tuning_session":{"tuning_session_id":42,"optimization_target":"throughput"}}`))
	h.svc.on("POST", "job/42/stats", always(`{"tuning_session_state":"tuning"}`))
	h.svc.on("GET", "job/42/request", always(`{"knobs":{"work_mem":4096},"iteration_no":1}`))
	h.svc.on("POST", "job/42/response", sequence(
		`{"knobs":{"work_mem":8192},"iteration_no":2,"best_found_configuration":{"throughput":{"work_mem":4096},"performance":{"throughput":120.5}}}`,
		`{"endOfJob":true,"bestPointFound":{"throughput":{"work_mem":8192}},"default":{"work_mem":4096}}`,
	))

	require.NoError(t, runWithTimeout(t, h.agent))

	assert.Equal(t, 1, h.svc.Hits("POST", "db/db-1/client-info"))
	assert.Equal(t, 1, h.svc.Hits("POST", "job/42/default-performance"))
	assert.Equal(t, 2, h.svc.Hits("POST", "job/42/response"))

	// The first proposal equals the defaults, so nothing is written for it.
	assert.Equal(t, []string{
		"client-info",
		"remove", "restart",
		"apply", "restart",
		"apply", "restart",
		"restart",
	}, h.db.Calls())
	applied := h.db.Applied()
	require.Len(t, applied, 2)
	for _, cfg := range applied {
		k, ok := cfg.Get("work_mem")
		require.True(t, ok)
		assert.Equal(t, "8192", k.Value)
	}

	statuses := h.svc.Bodies("POST", "job/42/update-status")
	require.Len(t, statuses, 1)
	assert.Equal(t, "completed", statuses[0]["tuning_status"])
	assert.Equal(t, []int{0}, h.exits.Codes())
	assert.Equal(t, session.PostTuning, h.agent.Session().Mode())
	assert.Equal(t, "42", h.agent.Session().ID())

	rec := h.lastRecord(t)
	assert.Equal(t, "42", rec.SessionID)
	assert.Equal(t, "post-tuning", rec.Mode)
	assert.Equal(t, database.SessionStatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Iteration)
	assert.JSONEq(t, `{"work_mem":8192}`, string(rec.BestConfiguration))
	assert.Equal(t, []bool{false}, h.db.required)
}

func TestRunHonorsSessionRestartFlag(t *testing.T) {
	h := newHarness(t)
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"postgresql","db_connection_status":"t"}`))
	h.svc.on("GET", "db/db-1/tuning-session-id", always(`{"status":true,"tuning_session":{"tuning_session_id":"s-7","optimization_target":"query_runtime","restart_allowed":false,"default_performance":{"throughput":10,"query_runtime":2.5,"Valid":"true"}}}`))
	h.svc.on("POST", "job/s-7/stats", always(`{"tuning_session_state":"tuning"}`))
	h.svc.on("GET", "job/s-7/request", always(`{"endOfJob":true,"bestPointFound":{"query_runtime":{"work_mem":4096}},"default":{"work_mem":4096}}`))

	require.NoError(t, runWithTimeout(t, h.agent))

	assert.Zero(t, h.svc.Hits("POST", "db/db-1/client-info"))
	assert.Zero(t, h.svc.Hits("POST", "job/s-7/default-performance"))
	assert.Equal(t, []string{"remove", "reload", "reload"}, h.db.Calls())
	assert.Empty(t, h.db.Applied())
	assert.Equal(t, []bool{true}, h.db.required)

	rec := h.lastRecord(t)
	require.NotNil(t, rec.DefaultPerformance)
	assert.Equal(t, 2.5, *rec.DefaultPerformance)
}

func TestRemoteAbortEndsSession(t *testing.T) {
	h := newHarness(t)
	var submitted atomic.Bool
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"postgresql","db_connection_status":"t"}`))
	h.svc.on("GET", "db/db-1/tuning-session-id", always(`{"status":true,"tuning_session":{"tuning_session_id":9,"optimization_target":"throughput","default_performance":{"throughput":10,"Valid":"true"}}}`))
	h.svc.on("POST", "job/9/stats", func(int) string {
		if submitted.Load() {
			return `{"tuning_session_state":"aborted","abort_tuning_type":"default_config"}`
		}
		return `{"tuning_session_state":"tuning"}`
	})
	h.svc.on("GET", "job/9/request", always(`{"knobs":{"work_mem":8192},"iteration_no":1}`))
	h.svc.on("POST", "job/9/response", func(int) string {
		submitted.Store(true)
		return `{"knobs":{"work_mem":16384},"iteration_no":2}`
	})

	err := runWithTimeout(t, h.agent)
	require.ErrorIs(t, err, ErrEndOfSession)

	calls := h.db.Calls()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []string{"withdraw", "remove", "restart"}, calls[len(calls)-3:])
	statuses := h.svc.Bodies("POST", "job/9/update-status")
	require.Len(t, statuses, 1)
	assert.Equal(t, "aborted", statuses[0]["tuning_status"])
	assert.Equal(t, []int{0}, h.exits.Codes())
	assert.Equal(t, session.Tuning, h.agent.Session().Mode())
}

func TestRunRetriesGarbledJobReplies(t *testing.T) {
	h := newHarness(t)
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"postgresql","db_connection_status":"t"}`))
	h.svc.on("GET", "db/db-1/tuning-session-id", always(`{"status":true,"tuning_session":{"tuning_session_id":5,"optimization_target":"throughput","default_performance":{"throughput":10,"Valid":"true"}}}`))
	h.svc.on("POST", "job/5/stats", always(`{"tuning_session_state":"tuning"}`))
	h.svc.on("GET", "job/5/request", sequence(
		`<html>502 Bad Gateway</html>`,
		`{"knobs":{"work_mem":8192},"iteration_no":1}`,
		`<html>502 Bad Gateway</html>`,
		`{"endOfJob":true,"bestPointFound":{"throughput":{"work_mem":8192}},"default":{"work_mem":4096}}`,
	))
	h.svc.on("POST", "job/5/response", always(`<html>502 Bad Gateway</html>`))

	require.NoError(t, runWithTimeout(t, h.agent))

	assert.Equal(t, 4, h.svc.Hits("GET", "job/5/request"))
	assert.Equal(t, []string{"apply", "restart", "apply", "restart", "restart"}, h.db.Calls())
	statuses := h.svc.Bodies("POST", "job/5/update-status")
	require.Len(t, statuses, 1)
	assert.Equal(t, "completed", statuses[0]["tuning_status"])
	assert.Equal(t, []int{0}, h.exits.Codes())
}

func TestRunRevertsWhenLoopHalts(t *testing.T) {
	h := newHarness(t)
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"postgresql","db_connection_status":"t"}`))
	h.svc.on("GET", "db/db-1/tuning-session-id", always(`{"status":true,"tuning_session":{"tuning_session_id":6,"optimization_target":"throughput","default_performance":{"throughput":10,"Valid":"true"}}}`))
	h.svc.on("POST", "job/6/stats", always(`{"tuning_session_state":"tuning"}`))
	h.svc.on("GET", "job/6/request", always(`{"knobs":{"work_mem":8192},"iteration_no":1}`))
	h.svc.on("POST", "job/6/response", always(`{"error":"session expired"}`))

	err := runWithTimeout(t, h.agent)
	require.Error(t, err)
	assert.True(t, jobapi.IsProtocolError(err))

	assert.Equal(t, []string{"apply", "restart", "withdraw", "remove", "restart"}, h.db.Calls())
	statuses := h.svc.Bodies("POST", "job/6/update-status")
	require.Len(t, statuses, 1)
	assert.Equal(t, "aborted", statuses[0]["tuning_status"])
	assert.Equal(t, []int{0}, h.exits.Codes())
}

func TestHazardDuringCommitWaitRecovers(t *testing.T) {
	h := newHarness(t)
	h.db.onWait = func(done <-chan struct{}) {
		h.agent.flag.Fire(hazard.Signal{Level: hazard.Critical, Type: hazard.Memory, Value: 97})
		<-done
	}
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"postgresql","db_connection_status":"t"}`))
	h.svc.on("GET", "db/db-1/tuning-session-id", always(`{"status":true,"tuning_session":{"tuning_session_id":8,"optimization_target":"throughput","default_performance":{"throughput":10,"Valid":"true"}}}`))
	h.svc.on("POST", "job/8/stats", always(`{"tuning_session_state":"tuning"}`))
	h.svc.on("GET", "job/8/request", always(`{"knobs":{"work_mem":65536},"iteration_no":1}`))
	h.svc.on("POST", "job/8/response", always(`{"endOfJob":true,"bestPointFound":{"throughput":{"work_mem":4096}},"default":{"work_mem":4096}}`))

	require.NoError(t, runWithTimeout(t, h.agent))

	assert.Equal(t, []string{
		"apply", "restart",
		"remove", "restart",
		"remove", "restart",
		"restart",
	}, h.db.Calls())
	results := h.svc.Bodies("POST", "job/8/response")
	require.Len(t, results, 1)
	stats := results[0]["metric_stats"].(map[string]any)
	assert.Equal(t, "false", stats["Valid"])
}

func TestInterruptBeforeSession(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.agent.Interrupt(context.Background()), ErrNotStarted)
	assert.Equal(t, "", h.agent.RemoteState())
}

func TestBootstrapGivesUpWithoutSession(t *testing.T) {
	h := newHarness(t)
	clk := clock.NewFake(time.Unix(0, 0))
	h.agent.clock = clk
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"postgresql","db_connection_status":"connected"}`))
	h.svc.on("GET", "db/db-1/tuning-session-id", always(`{"status":false}`))

	_, err := h.agent.bootstrap(context.Background())
	require.ErrorIs(t, err, ErrNoSession)

	waits := clk.Waits()
	assert.Len(t, waits, int(sessionPollTimeout/sessionPollInterval))
	for _, w := range waits {
		assert.Equal(t, sessionPollInterval, w)
	}
	assert.Empty(t, h.db.Calls())
}

func TestBootstrapRejectsOtherEngines(t *testing.T) {
	h := newHarness(t)
	h.svc.on("GET", "db/db-1/database-instance", always(`{"engine":"mysql","db_connection_status":"f"}`))

	_, err := h.agent.bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database engine")
	assert.Zero(t, h.svc.Hits("GET", "db/db-1/tuning-session-id"))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{DBID: "db-1"})
	assert.Error(t, err)

	_, client := newService(t)
	_, err = New(Config{Client: client, Database: &fakeDB{}})
	assert.Error(t, err)
}
