// Package postgres is the PostgreSQL implementation of the agent's metric
// source: commit and statement counters through pgx, configuration through
// an include_dir override file, restarts through an operator command.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
	"tuneagent/internal/knobs"
	"tuneagent/internal/perf"
	"tuneagent/internal/supervisor"
)

// CommandRunner executes a shell command with a timeout.
type CommandRunner func(ctx context.Context, command string, timeout time.Duration) (string, error)

type Config struct {
	DSN string
	// Database whose commit counter is measured. Defaults to the DSN's.
	Database string
	// ConfDir overrides the directory of postgresql.conf reported by the
	// server.
	ConfDir        string
	RestartCommand string
	RestartTimeout time.Duration
	ProbeTimeout   time.Duration
	CloudInitPath  string

	Catalog *knobs.Catalog
	Runner  CommandRunner
	Clock   clock.Clock
	Logger  *logrus.Entry
}

// DB is safe for concurrent use: every call opens its own short-lived
// connection.
type DB struct {
	connCfg  *pgx.ConnConfig
	database string
	files    layout
	catalog  *knobs.Catalog

	restartCommand string
	restartTimeout time.Duration
	probeTimeout   time.Duration
	cloudInitPath  string
	runner         CommandRunner
	clock          clock.Clock
	log            *logrus.Entry

	versionNum   int
	statsEnabled atomic.Bool
}

func newDB(cfg Config) (*DB, error) {
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.Catalog == nil {
		cat, err := knobs.DefaultCatalog()
		if err != nil {
			return nil, err
		}
		cfg.Catalog = cat
	}
	if cfg.Database == "" {
		cfg.Database = connCfg.Database
	}
	if cfg.Database == "" {
		cfg.Database = "postgres"
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 2 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.CloudInitPath == "" {
		cfg.CloudInitPath = defaultCloudInitPath
	}
	if cfg.Runner == nil {
		cfg.Runner = supervisor.RunCommand
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("component", "postgres")
	}
	return &DB{
		connCfg:        connCfg,
		database:       cfg.Database,
		files:          layout{confDir: cfg.ConfDir},
		catalog:        cfg.Catalog,
		restartCommand: strings.TrimSpace(cfg.RestartCommand),
		restartTimeout: cfg.RestartTimeout,
		probeTimeout:   cfg.ProbeTimeout,
		cloudInitPath:  cfg.CloudInitPath,
		runner:         cfg.Runner,
		clock:          cfg.Clock,
		log:            cfg.Logger,
	}, nil
}

// Open connects once to learn the server version and configuration
// directory, then prepares the override directory.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	d, err := newDB(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := d.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	var version string
	if err := conn.QueryRow(ctx, "SHOW server_version_num").Scan(&version); err != nil {
		return nil, fmt.Errorf("server version: %w", err)
	}
	d.versionNum, _ = strconv.Atoi(strings.TrimSpace(version))

	if d.files.confDir == "" {
		var configFile string
		if err := conn.QueryRow(ctx, "SHOW config_file").Scan(&configFile); err != nil {
			return nil, fmt.Errorf("locate config file: %w", err)
		}
		d.files.confDir = filepath.Dir(configFile)
	}
	if err := d.files.prepare(); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{
		"server_version": d.versionNum,
		"conf_dir":       d.files.confDir,
		"database":       d.database,
	}).Info("connected to PostgreSQL")
	return d, nil
}

func (d *DB) connect(ctx context.Context) (*pgx.Conn, error) {
	return pgx.ConnectConfig(ctx, d.connCfg.Copy())
}

// withConn runs fn on a fresh connection.
func (d *DB) withConn(ctx context.Context, fn func(*pgx.Conn) error) error {
	conn, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	return fn(conn)
}

func (d *DB) ReadCommitCounter(ctx context.Context) (uint64, error) {
	var commits int64
	err := d.withConn(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, "SELECT xact_commit FROM pg_stat_database WHERE datname = $1", d.database).Scan(&commits)
	})
	if err != nil {
		return 0, fmt.Errorf("read xact_commit: %w", err)
	}
	if commits < 0 {
		return 0, nil
	}
	return uint64(commits), nil
}

// execTimeColumn is the pg_stat_statements column renamed in PostgreSQL 13.
func (d *DB) execTimeColumn() string {
	if d.versionNum > 0 && d.versionNum < 130000 {
		return "total_time"
	}
	return "total_exec_time"
}

func (d *DB) ReadStatementStats(ctx context.Context) (perf.StatementStats, error) {
	query := fmt.Sprintf(`SELECT queryid::text, sum(calls)::bigint, sum(%s)::float8
		FROM pg_stat_statements WHERE queryid IS NOT NULL GROUP BY queryid`, d.execTimeColumn())

	stats := perf.StatementStats{}
	err := d.withConn(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id    string
				calls int64
				total float64
			)
			if err := rows.Scan(&id, &calls, &total); err != nil {
				return err
			}
			if calls < 0 {
				calls = 0
			}
			stats[id] = perf.StatementStat{Calls: uint64(calls), TotalExecTime: total}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read pg_stat_statements: %w", err)
	}
	return stats, nil
}

func (d *DB) StatementStatsEnabled() bool { return d.statsEnabled.Load() }

// ApplyConfiguration renders cfg and atomically replaces the override file.
func (d *DB) ApplyConfiguration(_ context.Context, cfg *knobs.Configuration) error {
	if cfg.Len() == 0 {
		return errors.New("refusing to write an empty configuration")
	}
	body, err := knobs.Render(cfg, d.catalog)
	if err != nil {
		return err
	}
	if err := writeAtomic(d.files.overrideFile(), body); err != nil {
		return fmt.Errorf("write override file: %w", err)
	}
	d.log.WithField("knobs", cfg.Len()).Debug("override file written")
	return nil
}

func (d *DB) RemoveOverride() error {
	if err := removeIfExists(d.files.overrideFile()); err != nil {
		return fmt.Errorf("remove override file: %w", err)
	}
	return nil
}

// WithdrawInstrumentation removes the statement stats preload file. When
// that file existed the agent set pg_stat_statements up, so the extension is
// dropped too.
func (d *DB) WithdrawInstrumentation(ctx context.Context) error {
	path := d.files.pgStatsFile()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	dropErr := d.withConn(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "DROP EXTENSION IF EXISTS pg_stat_statements")
		return err
	})
	if dropErr != nil {
		dropErr = fmt.Errorf("drop pg_stat_statements: %w", dropErr)
	} else {
		d.statsEnabled.Store(false)
	}
	if err := removeIfExists(path); err != nil {
		return errors.Join(dropErr, fmt.Errorf("remove statement stats file: %w", err))
	}
	return dropErr
}
