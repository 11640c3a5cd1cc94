// Package preflight checks, before a session starts, that the agent can
// reach everything it depends on.
package preflight

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

type Config struct {
	DSN            string
	Endpoint       string
	RestartCommand string
	RestartAllowed bool
	StateDBPath    string
	Timeout        time.Duration
}

type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Target  string `json:"target,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Probe runs every check concurrently and reports whether all passed.
func Probe(ctx context.Context, cfg Config) ([]CheckResult, bool) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	checks := []func() CheckResult{
		func() CheckResult { return probePostgres(ctx, cfg.DSN, cfg.Timeout) },
		func() CheckResult { return probeEndpoint(ctx, cfg.Endpoint, cfg.Timeout) },
		func() CheckResult { return checkRestartCommand(cfg.RestartCommand, cfg.RestartAllowed) },
		func() CheckResult { return checkStateDir(cfg.StateDBPath) },
	}

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	wg.Add(len(checks))
	for i, check := range checks {
		go func() {
			defer wg.Done()
			results[i] = check()
		}()
	}
	wg.Wait()

	healthy := true
	for _, r := range results {
		if !r.Healthy {
			healthy = false
		}
	}
	return results, healthy
}

func probePostgres(ctx context.Context, dsn string, timeout time.Duration) CheckResult {
	res := CheckResult{Name: "postgres"}
	pc, err := pgx.ParseConfig(dsn)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	network, addr := "tcp", net.JoinHostPort(pc.Host, fmt.Sprint(pc.Port))
	if strings.HasPrefix(pc.Host, "/") {
		network, addr = "unix", filepath.Join(pc.Host, fmt.Sprintf(".s.PGSQL.%d", pc.Port))
	}
	res.Target = addr
	return dial(ctx, res, network, addr, timeout)
}

func probeEndpoint(ctx context.Context, endpoint string, timeout time.Duration) CheckResult {
	res := CheckResult{Name: "job_service", Target: endpoint}
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		res.Error = fmt.Sprintf("invalid endpoint %q", endpoint)
		return res
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return dial(ctx, res, "tcp", net.JoinHostPort(u.Hostname(), port), timeout)
}

func dial(ctx context.Context, res CheckResult, network, addr string, timeout time.Duration) CheckResult {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	_ = conn.Close()
	res.Healthy = true
	return res
}

func checkRestartCommand(command string, allowed bool) CheckResult {
	res := CheckResult{Name: "restart_command", Target: command}
	if !allowed {
		res.Healthy = true
		return res
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		res.Error = "no restart command configured"
		return res
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		res.Error = err.Error()
		return res
	}
	res.Healthy = true
	return res
}

func checkStateDir(dbPath string) CheckResult {
	dir := filepath.Dir(dbPath)
	res := CheckResult{Name: "state_dir", Target: dir}
	f, err := os.CreateTemp(dir, ".tuneagent-preflight-*")
	if err != nil {
		res.Error = err.Error()
		return res
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	res.Healthy = true
	return res
}
