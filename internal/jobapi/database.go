package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"tuneagent/internal/dbms"
)

// Instance is the service's view of the registered database.
type Instance struct {
	Engine           string `json:"engine"`
	ConnectionStatus string `json:"db_connection_status"`
}

// Connected reports whether the agent has registered this database before.
func (i Instance) Connected() bool {
	switch strings.ToLower(strings.TrimSpace(i.ConnectionStatus)) {
	case "t", "true", "1", "connected":
		return true
	}
	return false
}

// ID accepts both string and numeric JSON ids.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// TuningSession describes the session the service has opened for this
// database.
type TuningSession struct {
	ID                 ID              `json:"tuning_session_id"`
	OptimizationTarget string          `json:"optimization_target"`
	RestartAllowed     *bool           `json:"restart_allowed,omitempty"`
	WarmupSeconds      *float64        `json:"WARMUP_TIME,omitempty"`
	DefaultPerformance json.RawMessage `json:"default_performance,omitempty"`
}

// HasDefaultPerformance reports whether defaults were already measured.
func (s TuningSession) HasDefaultPerformance() bool {
	v := bytes.TrimSpace(s.DefaultPerformance)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

// SessionTicket is the tuning-session-id response. Status turns true once
// the operator has started a session.
type SessionTicket struct {
	Status  bool          `json:"status"`
	Session TuningSession `json:"tuning_session"`
}

func dbPath(dbID, leaf string) string {
	return "db/" + url.PathEscape(dbID) + "/" + leaf
}

func (c *Client) DatabaseInstance(ctx context.Context, dbID string) (Instance, error) {
	var inst Instance
	err := c.getJSON(ctx, dbPath(dbID, "database-instance"), &inst)
	return inst, err
}

func (c *Client) PostClientInfo(ctx context.Context, dbID string, info dbms.ClientInfo) error {
	return c.postJSON(ctx, dbPath(dbID, "client-info"), info, nil)
}

func (c *Client) TuningSessionID(ctx context.Context, dbID string) (SessionTicket, error) {
	var t SessionTicket
	err := c.getJSON(ctx, dbPath(dbID, "tuning-session-id"), &t)
	return t, err
}
