package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tuneagent/internal/agent"
	"tuneagent/internal/api"
	"tuneagent/internal/database"
	"tuneagent/internal/hazard"
	"tuneagent/internal/heartbeat"
	"tuneagent/internal/jobapi"
	"tuneagent/internal/logging"
	"tuneagent/internal/metrics"
	"tuneagent/internal/postgres"
	"tuneagent/internal/preflight"
	"tuneagent/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one tuning session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logrus.StandardLogger()
	closeLog, err := logging.Setup(logger, logging.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		Console: os.Stderr,
		Secrets: []string{cfg.APIKey, dsnPassword(cfg.Postgres.DSN)},
	})
	if err != nil {
		return err
	}
	defer closeLog()
	log := logger.WithField("component", "tuneagent")

	database.SetPath(cfg.State.DBPath)
	if err := database.InitDB(); err != nil {
		return fmt.Errorf("init state db: %w", err)
	}
	defer database.CloseDB()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if results, ok := preflight.Probe(ctx, preflightConfig(cfg)); !ok {
		for _, r := range results {
			if !r.Healthy {
				log.WithFields(logrus.Fields{"check": r.Name, "target": r.Target}).Warn("preflight: " + r.Error)
			}
		}
	}

	pg, err := postgres.Open(ctx, postgres.Config{
		DSN:            cfg.Postgres.DSN,
		Database:       cfg.Postgres.Database,
		ConfDir:        cfg.Postgres.ConfDir,
		RestartCommand: cfg.Postgres.RestartCommand,
		RestartTimeout: cfg.Postgres.RestartTimeout,
		Logger:         logger.WithField("component", "postgres"),
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	client, err := jobapi.New(jobapi.Options{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Logger:   logger.WithField("component", "jobapi"),
	})
	if err != nil {
		return err
	}
	prompter, err := newPrompter(cfg.Interrupt.Answer, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	state := session.New("", session.Throughput)
	flag := hazard.NewFlag()
	reg := metrics.New()

	exit := func(code int) {
		if id := state.ID(); id != "" {
			if err := database.SetSessionStatus(id, finalStatus(code, state.Mode())); err != nil {
				log.WithError(err).Warn("final status not recorded")
			}
		}
		database.CloseDB()
		_ = closeLog()
		os.Exit(code)
	}

	ag, err := agent.New(agent.Config{
		DBID:              cfg.DBID,
		Client:            client,
		Database:          pg,
		Session:           state,
		Flag:              flag,
		Warmup:            cfg.Experiment.Warmup,
		Measurement:       cfg.Experiment.Measurement,
		Monitoring:        cfg.Experiment.Monitoring,
		MinCommits:        cfg.Experiment.MinCommits,
		RestartAllowed:    cfg.Postgres.RestartAllowed,
		ReadinessRetries:  cfg.Shutdown.ReadinessRetries,
		ReadinessInterval: cfg.Shutdown.ReadinessInterval,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		CrashInterval:     cfg.Crash.Interval,
		CrashThreshold:    cfg.Crash.Threshold,
		OS:                &heartbeat.HostSampler{},
		Prompter:          prompter,
		Record:            database.UpsertSession,
		Exit:              exit,
		Metrics:           reg,
		Logger:            logger.WithField("component", "agent"),
	})
	if err != nil {
		return err
	}

	if cfg.Status.Addr != "" {
		stopStatus, err := api.Start(api.Options{
			Addr:        cfg.Status.Addr,
			Session:     state,
			Flag:        flag,
			RemoteState: ag.RemoteState,
			Metrics:     reg,
			Logger:      logger.WithField("component", "api"),
		})
		if err != nil {
			log.WithError(err).Warn("status server disabled")
		} else {
			defer stopStatus()
		}
	}

	go handleSignals(ctx, cancel, ag, log)

	log.WithFields(logrus.Fields{
		"db_id":    cfg.DBID,
		"endpoint": cfg.Endpoint,
		"version":  Version,
	}).Info("tuning agent starting")
	err = ag.Run(ctx)
	if errors.Is(err, agent.ErrEndOfSession) {
		return nil
	}
	return err
}

// handleSignals turns SIGINT and SIGTERM into a terminal-interrupt abort.
// Before a session exists there is nothing to revert, so it just stops.
func handleSignals(ctx context.Context, cancel context.CancelFunc, ag *agent.Agent, log *logrus.Entry) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			log.WithField("signal", sig.String()).Warn("interrupt received")
			err := ag.Interrupt(ctx)
			switch {
			case errors.Is(err, agent.ErrNotStarted):
				cancel()
				return
			case err != nil:
				log.WithError(err).Error("interrupt handling failed")
			}
		}
	}
}

func finalStatus(code int, mode session.Mode) string {
	switch {
	case code != 0:
		return database.SessionStatusFailed
	case mode == session.PostTuning:
		return database.SessionStatusCompleted
	default:
		return database.SessionStatusAborted
	}
}

func dsnPassword(dsn string) string {
	pc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return ""
	}
	return pc.Password
}
