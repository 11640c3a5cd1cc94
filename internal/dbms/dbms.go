// Package dbms defines the database surface the agent drives: the metric
// counters it reads and the configuration lifecycle it controls.
package dbms

import (
	"context"

	"tuneagent/internal/knobs"
	"tuneagent/internal/perf"
)

// Readiness is the outcome of a connection probe.
type Readiness int

const (
	// Unreachable means nothing is listening, or the probe failed outright.
	Unreachable Readiness = iota
	// Rejecting means the server is up but refuses connections (starting
	// up, shutting down, or in recovery).
	Rejecting
	Ready
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Rejecting:
		return "rejecting"
	}
	return "unreachable"
}

// MetricSource is the database the agent tunes. Every call is a short-lived
// independent probe, so implementations must be safe for concurrent use by
// the driving loop, the heartbeat and the coordinator.
type MetricSource interface {
	perf.Source

	// ApplyConfiguration atomically replaces the override file with cfg.
	// It does not restart or reload.
	ApplyConfiguration(ctx context.Context, cfg *knobs.Configuration) error
	// RemoveOverride deletes the override file. Missing is not an error.
	RemoveOverride() error
	// WithdrawInstrumentation removes agent-owned settings that are not
	// tuning knobs, such as statement stats preloading.
	WithdrawInstrumentation(ctx context.Context) error

	ProbeReadiness(ctx context.Context) Readiness
	Restart(ctx context.Context) error
	ReloadConfig(ctx context.Context) error
}

// ClientInfo describes the host and server on first registration.
type ClientInfo struct {
	DBVersion       string `json:"DBVERSION"`
	OSType          string `json:"OSTYPE"`
	NumCPU          int    `json:"NUMOFCPU"`
	MaxConnections  int    `json:"MAXCONNECTIONS"`
	TotalMemory     uint64 `json:"TOTALMEMORY"`
	AvailableMemory uint64 `json:"AVAILABLEMEMORY"`
	CloudProvider   string `json:"CLOUDPROVIDER"`
	InstanceType    string `json:"INSTANCETYPE"`
	DatabaseSize    uint64 `json:"DATABASESIZE"`
	DiskSize        uint64 `json:"DISKSIZE"`
	DiskType        string `json:"HDTYPE,omitempty"`
}
