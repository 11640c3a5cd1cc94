// Package database keeps the agent's local session registry in SQLite so
// an operator (and the status server) can see what the agent last did,
// even after the process exits.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DBPathEnv overrides the registry location.
const DBPathEnv = "TUNEAGENT_DB_PATH"

const defaultDBFile = "tuneagent.db"

var (
	db     *sql.DB
	dbMu   sync.Mutex
	dbPath string
)

// SetPath selects the registry file used by the next InitDB. An empty path
// restores the default resolution.
func SetPath(path string) {
	dbMu.Lock()
	defer dbMu.Unlock()
	dbPath = strings.TrimSpace(path)
}

func resolvePath() string {
	if v := strings.TrimSpace(os.Getenv(DBPathEnv)); v != "" {
		return v
	}
	if dbPath != "" {
		return dbPath
	}
	return defaultDBFile
}

// InitDB opens the registry and applies the schema. Calling it again while
// open is a no-op.
func InitDB() error {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db != nil {
		return nil
	}

	path := resolvePath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("init db: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return fmt.Errorf("init db: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("init db schema: %w", err)
	}
	db = conn
	return nil
}

func CloseDB() {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db != nil {
		_ = db.Close()
		db = nil
	}
}

func handle() (*sql.DB, error) {
	dbMu.Lock()
	defer dbMu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tuning_sessions (
	session_id TEXT PRIMARY KEY,
	db_id TEXT NOT NULL DEFAULT '',
	objective TEXT NOT NULL DEFAULT 'throughput',
	mode TEXT NOT NULL DEFAULT 'pre-tuning',
	iteration INTEGER NOT NULL DEFAULT 0,
	best_configuration TEXT,
	best_performance REAL,
	default_performance REAL,
	status TEXT NOT NULL DEFAULT 'running',
	created_at TEXT,
	last_transition_at TEXT,
	last_updated TEXT
);
`
