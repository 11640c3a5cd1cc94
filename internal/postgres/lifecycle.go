package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
	"tuneagent/internal/dbms"
	"tuneagent/internal/knobs"
)

// ErrRestartNotConfigured is returned by Restart without a restart command.
var ErrRestartNotConfigured = errors.New("no restart command configured")

// dialTarget returns the network and address of the server socket.
func (d *DB) dialTarget() (string, string) {
	host := d.connCfg.Host
	port := d.connCfg.Port
	if port == 0 {
		port = 5432
	}
	if strings.HasPrefix(host, "/") {
		return "unix", filepath.Join(host, ".s.PGSQL."+strconv.Itoa(int(port)))
	}
	if host == "" {
		host = "localhost"
	}
	return "tcp", net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// ProbeReadiness dials the server socket, then opens and pings a session.
// A failed dial is Unreachable; a failed session is Rejecting.
func (d *DB) ProbeReadiness(ctx context.Context) dbms.Readiness {
	pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	network, addr := d.dialTarget()
	var dialer net.Dialer
	sock, err := dialer.DialContext(pctx, network, addr)
	if err != nil {
		d.log.WithError(err).WithField("addr", addr).Debug("readiness: dial failed")
		return dbms.Unreachable
	}
	_ = sock.Close()

	err = d.withConn(pctx, func(conn *pgx.Conn) error { return conn.Ping(pctx) })
	if err != nil {
		d.log.WithError(err).Debug("readiness: server rejecting")
		return dbms.Rejecting
	}
	return dbms.Ready
}

func (d *DB) Restart(ctx context.Context) error {
	if d.restartCommand == "" {
		return ErrRestartNotConfigured
	}
	out, err := d.runner(ctx, d.restartCommand, d.restartTimeout)
	if err != nil {
		return fmt.Errorf("restart command: %w", err)
	}
	d.log.WithField("output", strings.TrimSpace(out)).Debug("restart command finished")
	return nil
}

func (d *DB) ReloadConfig(ctx context.Context) error {
	var ok bool
	err := d.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, "SELECT pg_reload_conf()").Scan(&ok)
	})
	if err != nil {
		return fmt.Errorf("pg_reload_conf: %w", err)
	}
	if !ok {
		return errors.New("pg_reload_conf returned false")
	}
	return nil
}

// DefaultConfiguration reads the running values of every catalog knob from
// pg_settings, normalized to the catalog units.
func (d *DB) DefaultConfiguration(ctx context.Context) (*knobs.Configuration, error) {
	names := d.catalog.Names()
	values := make(map[string]knobs.Knob, len(names))
	err := d.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx,
			"SELECT name, setting, coalesce(unit, '') FROM pg_settings WHERE name = ANY($1)", names)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name, setting, unit string
			if err := rows.Scan(&name, &setting, &unit); err != nil {
				return err
			}
			catUnit, _ := d.catalog.Unit(name)
			values[name] = knobs.Knob{Name: name, Value: knobs.NormalizeSetting(setting, unit), Unit: catUnit}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read pg_settings: %w", err)
	}

	ordered := make([]knobs.Knob, 0, len(names))
	for _, name := range names {
		if k, ok := values[name]; ok {
			ordered = append(ordered, k)
		} else {
			d.log.WithField("knob", name).Warn("knob missing from pg_settings")
		}
	}
	return knobs.New(ordered...), nil
}

// EnableStatementStats makes pg_stat_statements available. When the library
// is not preloaded yet, a preload file is written and restart is called.
// Without restart permission the agent continues on throughput alone,
// unless required is set.
func (d *DB) EnableStatementStats(ctx context.Context, required, restartAllowed bool, restart func(context.Context) error) error {
	var preload string
	if err := d.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, "SHOW shared_preload_libraries").Scan(&preload)
	}); err != nil {
		return fmt.Errorf("read shared_preload_libraries: %w", err)
	}

	if !preloaded(preload) {
		if !restartAllowed {
			if required {
				return errors.New("pg_stat_statements is not preloaded and restarts are not allowed")
			}
			d.log.Warn("pg_stat_statements unavailable without a restart, query runtime will not be measured")
			d.statsEnabled.Store(false)
			return nil
		}
		line := fmt.Sprintf("shared_preload_libraries = '%s'\n", appendLibrary(preload, "pg_stat_statements"))
		if err := writeAtomic(d.files.pgStatsFile(), []byte(line)); err != nil {
			return fmt.Errorf("write statement stats file: %w", err)
		}
		d.log.Info("preloading pg_stat_statements, restarting")
		if err := restart(ctx); err != nil {
			return err
		}
	}

	err := d.withConn(ctx, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS pg_stat_statements"); err != nil {
			return err
		}
		_, err := conn.Exec(ctx, "SELECT pg_stat_statements_reset()")
		return err
	})
	if err != nil {
		if required {
			return fmt.Errorf("enable pg_stat_statements: %w", err)
		}
		d.log.WithError(err).Warn("pg_stat_statements unavailable")
		d.statsEnabled.Store(false)
		return nil
	}
	d.statsEnabled.Store(true)
	return nil
}

func preloaded(list string) bool {
	for _, lib := range strings.Split(list, ",") {
		if strings.Trim(strings.TrimSpace(lib), `"`) == "pg_stat_statements" {
			return true
		}
	}
	return false
}

func appendLibrary(list, lib string) string {
	list = strings.TrimSpace(list)
	if list == "" {
		return lib
	}
	return list + "," + lib
}

const (
	commitPollInterval = time.Second
	commitWaitCeiling  = 5 * time.Minute
)

// WaitForCommits blocks until n transactions have committed since the call,
// so a restarted instance has live traffic before measurement. It gives up
// quietly after a fixed ceiling, and returns early when hazard closes so the
// caller can recover.
func (d *DB) WaitForCommits(ctx context.Context, n uint64, hazard <-chan struct{}) error {
	return waitForCommits(ctx, d.ReadCommitCounter, n, hazard, d.clock, d.log)
}

func waitForCommits(ctx context.Context, read func(context.Context) (uint64, error), n uint64, hazard <-chan struct{}, clk clock.Clock, log *logrus.Entry) error {
	start, err := read(ctx)
	if err != nil {
		return err
	}
	deadline := clk.Now().Add(commitWaitCeiling)
	for {
		select {
		case <-clk.After(commitPollInterval):
		case <-hazard:
			log.Warn("hazard raised while waiting for workload")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		cur, err := read(ctx)
		if err != nil {
			log.WithError(err).Debug("commit counter unavailable")
		} else if cur >= start && cur-start >= n {
			return nil
		}
		if !clk.Now().Before(deadline) {
			log.WithFields(logrus.Fields{"wanted": n, "waited": commitWaitCeiling}).Warn("workload did not resume, measuring anyway")
			return nil
		}
	}
}
