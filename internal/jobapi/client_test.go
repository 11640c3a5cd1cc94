package jobapi

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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tuneagent/internal/clock"
	"tuneagent/internal/dbms"
	"tuneagent/internal/heartbeat"
	"tuneagent/internal/perf"
	"tuneagent/internal/session"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
	Key    string
	ReqID  string
}

type fakeService struct {
	mu       sync.Mutex
	calls    []recorded
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	fs := &fakeService{handlers: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Key:    r.Header.Get(apiKeyHeader),
			ReqID:  r.Header.Get(requestIDHeader),
		}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.Body)
		}
		fs.mu.Lock()
		fs.calls = append(fs.calls, rec)
		h := fs.handlers[r.Method+" "+r.URL.Path]
		fs.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeService) on(method, path string, h func(http.ResponseWriter, *http.Request)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.handlers[method+" "+path] = h
}

func (fs *fakeService) Calls() []recorded {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]recorded(nil), fs.calls...)
}

func reply(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, clk clock.Clock) *Client {
	t.Helper()
	c, err := New(Options{Endpoint: srv.URL + "/api/v1", APIKey: "secret-key", Clock: clk})
	require.NoError(t, err)
	return c
}

const iterationBody = `{
	"knobs": {"shared_buffers": 262144, "work_mem": 8192},
	"iteration_no": 4,
	"best_found_configuration": {
		"throughput": {"shared_buffers": 131072},
		"query_runtime": null,
		"performance": {"throughput": 812.5, "query_runtime": null}
	}
}`

func TestNextRequestParsesObjectiveKeyedBest(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("GET", "/api/v1/job/42/request", reply(iterationBody))

	job := newTestClient(t, srv, nil).Job("42", session.Throughput)
	req, err := job.NextRequest(context.Background())
	require.NoError(t, err)

	assert.False(t, req.EndOfJob)
	require.NotNil(t, req.Iteration)
	assert.Equal(t, 4, *req.Iteration)
	assert.Equal(t, []string{"shared_buffers", "work_mem"}, req.Knobs.Names())
	require.NotNil(t, req.BestConfig)
	assert.Equal(t, []string{"shared_buffers"}, req.BestConfig.Names())
	require.NotNil(t, req.BestPerformance)
	assert.Equal(t, 812.5, *req.BestPerformance)

	calls := fs.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "v=2", calls[0].Query)
	assert.Equal(t, "secret-key", calls[0].Key)
	_, err = uuid.Parse(calls[0].ReqID)
	assert.NoError(t, err)
}

func TestParseQueryRuntimeBestMayBeNull(t *testing.T) {
	req, err := ParseTuningRequest([]byte(iterationBody), session.QueryRuntime)
	require.NoError(t, err)
	assert.Nil(t, req.BestConfig)
	assert.Nil(t, req.BestPerformance)
}

func TestParseEndOfJob(t *testing.T) {
	body := `{"endOfJob": true,
		"bestPointFound": {"throughput": {"work_mem": 4096}},
		"default": {"work_mem": 4096}}`
	req, err := ParseTuningRequest([]byte(body), session.Throughput)
	require.NoError(t, err)
	assert.True(t, req.EndOfJob)
	require.NotNil(t, req.BestPointFound)
	assert.True(t, req.BestPointFound.Equal(req.Default))
}

func TestParseRejectsEmptyRequest(t *testing.T) {
	_, err := ParseTuningRequest([]byte(`{"iteration_no": 3}`), session.Throughput)
	require.Error(t, err)
	assert.False(t, IsProtocolError(err))
}

func TestSubmitResultPostsWireShape(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("GET", "/api/v1/job/42/request", reply(iterationBody))
	fs.on("POST", "/api/v1/job/42/response", reply(`{"knobs": {"work_mem": 1024}, "iteration_no": 5}`))

	clk := clock.NewFake(time.Date(2024, 1, 2, 3, 4, 5, 600000000, time.UTC))
	job := newTestClient(t, srv, clk).Job("42", session.Throughput)
	_, err := job.NextRequest(context.Background())
	require.NoError(t, err)

	next, err := job.SubmitResult(context.Background(), perf.Result{Throughput: 99.5, Valid: true})
	require.NoError(t, err)
	require.NotNil(t, next.Iteration)
	assert.Equal(t, 5, *next.Iteration)

	calls := fs.Calls()
	require.Len(t, calls, 2)
	body := calls[1].Body
	assert.Equal(t, 4.0, body["iteration"])
	assert.Equal(t, "2024-01-02 03:04:05.600000", body["timestamp"])
	stats := body["metric_stats"].(map[string]any)
	assert.Equal(t, 99.5, stats["throughput"])
	assert.Equal(t, "true", stats["Valid"])
}

func TestSubmitResultBacksOffAndRefetches(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("POST", "/api/v1/job/7/response", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream busy", http.StatusBadGateway)
	})
	fs.on("GET", "/api/v1/job/7/request", reply(iterationBody))

	clk := clock.NewFake(time.Unix(0, 0))
	job := newTestClient(t, srv, clk).Job("7", session.Throughput)

	req, err := job.SubmitResult(context.Background(), perf.Result{Valid: true})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second}, clk.Waits())
	assert.NotNil(t, req.Knobs)
}

func TestSubmitResultRetriesUntilRequestDecodes(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("POST", "/api/v1/job/7/response", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>502 Bad Gateway</html>")
	})
	var gets atomic.Int32
	fs.on("GET", "/api/v1/job/7/request", func(w http.ResponseWriter, r *http.Request) {
		if gets.Add(1) < 3 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		reply(iterationBody)(w, r)
	})

	clk := clock.NewFake(time.Unix(0, 0))
	job := newTestClient(t, srv, clk).Job("7", session.Throughput)

	req, err := job.SubmitResult(context.Background(), perf.Result{Valid: true})
	require.NoError(t, err)
	assert.NotNil(t, req.Knobs)
	assert.EqualValues(t, 3, gets.Load())
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, clk.Waits())
}

func TestNextRequestRetriesUntilCancelled(t *testing.T) {
	fs, srv := newFakeService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var gets atomic.Int32
	fs.on("GET", "/api/v1/job/7/request", func(w http.ResponseWriter, _ *http.Request) {
		if gets.Add(1) == 3 {
			cancel()
		}
		http.Error(w, "upstream busy", http.StatusServiceUnavailable)
	})

	job := newTestClient(t, srv, clock.NewFake(time.Unix(0, 0))).Job("7", session.Throughput)
	_, err := job.NextRequest(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 3, gets.Load())
}

func TestProtocolErrorPropagates(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("POST", "/api/v1/job/7/response", reply(`{"error": "session expired"}`))

	clk := clock.NewFake(time.Unix(0, 0))
	job := newTestClient(t, srv, clk).Job("7", session.Throughput)
	_, err := job.SubmitResult(context.Background(), perf.Result{Valid: false})
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.Empty(t, clk.Waits(), "protocol errors are not retried")
}

func TestHeartbeatDirective(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("POST", "/api/v1/job/9/stats", reply(`{"tuning_session_state": "aborted", "abort_tuning_type": "best_config", "applied_config_on_abort": null}`))

	job := newTestClient(t, srv, nil).Job("9", session.Throughput)
	d, err := job.SubmitHeartbeat(context.Background(), heartbeat.Snapshot{DB: heartbeat.DBStats{Throughput: 10}, Timestamp: "x"})
	require.NoError(t, err)
	assert.True(t, d.Aborted())
	assert.Equal(t, session.BestConfig, d.AbortDirective().Type)

	calls := fs.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 10.0, calls[0].Body["db"].(map[string]any)["throughput"])
}

func TestStatusAndDefaultPerformance(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("POST", "/api/v1/job/9/update-status", reply(`{}`))
	fs.on("POST", "/api/v1/job/9/default-performance", reply(`{}`))

	job := newTestClient(t, srv, nil).Job("9", session.Throughput)
	require.NoError(t, job.UpdateSessionStatus(context.Background(), "completed"))
	require.NoError(t, job.PostDefaultPerformance(context.Background(), perf.Result{Throughput: 5, Valid: true}, nil))

	calls := fs.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "completed", calls[0].Body["tuning_status"])
	assert.Contains(t, calls[1].Body, "default_performance")
	assert.Contains(t, calls[1].Body, "default_configuration_timestamp")
}

func TestHTTPErrorCarriesStatus(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("POST", "/api/v1/job/9/update-status", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})
	job := newTestClient(t, srv, nil).Job("9", session.Throughput)
	err := job.UpdateSessionStatus(context.Background(), "aborted")

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusForbidden, he.Status)
}

func TestDatabaseBootstrapCalls(t *testing.T) {
	fs, srv := newFakeService(t)
	fs.on("GET", "/api/v1/db/db-1/database-instance", reply(`{"engine": "postgresql", "db_connection_status": "f"}`))
	fs.on("POST", "/api/v1/db/db-1/client-info", reply(`{}`))
	fs.on("GET", "/api/v1/db/db-1/tuning-session-id", reply(`{"status": true, "tuning_session": {"tuning_session_id": 1337, "optimization_target": "query_runtime", "default_performance": null}}`))

	c := newTestClient(t, srv, nil)
	inst, err := c.DatabaseInstance(context.Background(), "db-1")
	require.NoError(t, err)
	assert.False(t, inst.Connected())
	assert.Equal(t, "postgresql", inst.Engine)

	require.NoError(t, c.PostClientInfo(context.Background(), "db-1", dbms.ClientInfo{DBVersion: "16.2", NumCPU: 8}))

	ticket, err := c.TuningSessionID(context.Background(), "db-1")
	require.NoError(t, err)
	assert.True(t, ticket.Status)
	assert.Equal(t, ID("1337"), ticket.Session.ID)
	assert.Equal(t, "query_runtime", ticket.Session.OptimizationTarget)
	assert.False(t, ticket.Session.HasDefaultPerformance())

	calls := fs.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "16.2", calls[1].Body["DBVERSION"])
	assert.Equal(t, 8.0, calls[1].Body["NUMOFCPU"])
}

func TestNewValidatesEndpoint(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Endpoint: "ftp://example.com"})
	require.Error(t, err)
}
