package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
	SessionStatusAborted   = "aborted"
	SessionStatusFailed    = "failed"
)

type SessionRecord struct {
	SessionID          string          `json:"session_id"`
	DBID               string          `json:"db_id"`
	Objective          string          `json:"objective"`
	Mode               string          `json:"mode"`
	Iteration          int             `json:"iteration"`
	BestConfiguration  json.RawMessage `json:"best_configuration,omitempty"`
	BestPerformance    *float64        `json:"best_performance,omitempty"`
	DefaultPerformance *float64        `json:"default_performance,omitempty"`
	Status             string          `json:"status"`
	CreatedAt          string          `json:"created_at"`
	LastTransitionAt   string          `json:"last_transition_at"`
	LastUpdated        string          `json:"last_updated"`
}

func normalizeSessionStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case SessionStatusCompleted:
		return SessionStatusCompleted
	case SessionStatusAborted:
		return SessionStatusAborted
	case SessionStatusFailed:
		return SessionStatusFailed
	default:
		return SessionStatusRunning
	}
}

// UpsertSession stores the current state of a session. last_transition_at
// only moves when the mode changes.
func UpsertSession(rec SessionRecord) error {
	conn, err := handle()
	if err != nil {
		return err
	}
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if rec.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if rec.Iteration < 0 {
		rec.Iteration = 0
	}
	if rec.Objective == "" {
		rec.Objective = "throughput"
	}
	if rec.Mode == "" {
		rec.Mode = "pre-tuning"
	}
	rec.Status = normalizeSessionStatus(rec.Status)

	var best any
	if len(rec.BestConfiguration) > 0 && string(rec.BestConfiguration) != "null" {
		best = string(rec.BestConfiguration)
	}

	_, err = conn.Exec(`
INSERT INTO tuning_sessions(
	session_id,
	db_id,
	objective,
	mode,
	iteration,
	best_configuration,
	best_performance,
	default_performance,
	status,
	created_at,
	last_transition_at,
	last_updated
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT(session_id) DO UPDATE SET
	db_id = excluded.db_id,
	objective = excluded.objective,
	mode = excluded.mode,
	iteration = excluded.iteration,
	best_configuration = COALESCE(excluded.best_configuration, tuning_sessions.best_configuration),
	best_performance = COALESCE(excluded.best_performance, tuning_sessions.best_performance),
	default_performance = COALESCE(excluded.default_performance, tuning_sessions.default_performance),
	status = excluded.status,
	last_transition_at = CASE
		WHEN tuning_sessions.mode <> excluded.mode THEN CURRENT_TIMESTAMP
		ELSE COALESCE(tuning_sessions.last_transition_at, CURRENT_TIMESTAMP)
	END,
	last_updated = CURRENT_TIMESTAMP
`, rec.SessionID, rec.DBID, rec.Objective, rec.Mode, rec.Iteration, best,
		rec.BestPerformance, rec.DefaultPerformance, rec.Status)
	return err
}

func GetSession(sessionID string) (SessionRecord, error) {
	conn, err := handle()
	if err != nil {
		return SessionRecord{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, fmt.Errorf("session_id is required")
	}

	var (
		out  SessionRecord
		best sql.NullString
		bp   sql.NullFloat64
		dp   sql.NullFloat64
	)
	err = conn.QueryRow(`
SELECT
	session_id,
	COALESCE(db_id, ''),
	COALESCE(objective, 'throughput'),
	COALESCE(mode, 'pre-tuning'),
	COALESCE(iteration, 0),
	best_configuration,
	best_performance,
	default_performance,
	COALESCE(status, 'running'),
	COALESCE(created_at, CURRENT_TIMESTAMP),
	COALESCE(last_transition_at, CURRENT_TIMESTAMP),
	COALESCE(last_updated, CURRENT_TIMESTAMP)
FROM tuning_sessions
WHERE session_id = ?
`, sessionID).Scan(
		&out.SessionID,
		&out.DBID,
		&out.Objective,
		&out.Mode,
		&out.Iteration,
		&best,
		&bp,
		&dp,
		&out.Status,
		&out.CreatedAt,
		&out.LastTransitionAt,
		&out.LastUpdated,
	)
	if err != nil {
		return SessionRecord{}, err
	}
	if best.Valid {
		out.BestConfiguration = json.RawMessage(best.String)
	}
	if bp.Valid {
		v := bp.Float64
		out.BestPerformance = &v
	}
	if dp.Valid {
		v := dp.Float64
		out.DefaultPerformance = &v
	}
	out.Status = normalizeSessionStatus(out.Status)
	return out, nil
}

// SetSessionStatus records the final outcome of a session.
func SetSessionStatus(sessionID, status string) error {
	conn, err := handle()
	if err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	res, err := conn.Exec(`
UPDATE tuning_sessions
SET status = ?, last_updated = CURRENT_TIMESTAMP
WHERE session_id = ?
`, normalizeSessionStatus(status), sessionID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LatestSession returns the most recently updated session.
func LatestSession() (SessionRecord, error) {
	conn, err := handle()
	if err != nil {
		return SessionRecord{}, err
	}
	var id string
	err = conn.QueryRow(`
SELECT session_id FROM tuning_sessions
ORDER BY last_updated DESC, rowid DESC
LIMIT 1
`).Scan(&id)
	if err != nil {
		return SessionRecord{}, err
	}
	return GetSession(id)
}
