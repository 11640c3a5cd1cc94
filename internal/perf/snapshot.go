package perf

import (
	"context"

	"github.com/sirupsen/logrus"

	"tuneagent/internal/clock"
)

// Source is the read-only slice of the database surface needed to take a
// snapshot.
type Source interface {
	ReadCommitCounter(ctx context.Context) (uint64, error)
	ReadStatementStats(ctx context.Context) (StatementStats, error)
	StatementStatsEnabled() bool
}

// Snapshotter takes counter snapshots. Read errors never escape: they are
// logged and produce a degraded, zero-progress snapshot.
type Snapshotter struct {
	src   Source
	clock clock.Clock
	log   *logrus.Entry
}

// NewSnapshotter builds a snapshotter. A nil clock means the wall clock.
func NewSnapshotter(src Source, clk clock.Clock, log *logrus.Entry) *Snapshotter {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Snapshotter{src: src, clock: clk, log: log}
}

// StatementStatsEnabled reports whether latency should be computed.
func (s *Snapshotter) StatementStatsEnabled() bool {
	return s.src.StatementStatsEnabled()
}

// Take reads the commit counter and, when enabled, statement stats.
func (s *Snapshotter) Take(ctx context.Context) CounterSnapshot {
	snap := CounterSnapshot{}

	commits, err := s.src.ReadCommitCounter(ctx)
	if err != nil {
		s.log.WithError(err).Debug("commit counter unavailable, using zero-progress snapshot")
		snap.Degraded = true
	} else {
		snap.CommitCount = commits
	}

	if s.src.StatementStatsEnabled() {
		stats, err := s.src.ReadStatementStats(ctx)
		if err != nil {
			s.log.WithError(err).Debug("statement stats unavailable")
			stats = nil
		} else if stats == nil {
			stats = StatementStats{}
		}
		snap.Statements = stats
	}

	snap.WallTime = s.clock.Now()
	return snap
}
