package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tuneagent/internal/config"
	"tuneagent/internal/preflight"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the agent can reach PostgreSQL and the job service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		results, healthy := preflight.Probe(context.Background(), preflightConfig(cfg))
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
		if !healthy {
			return fmt.Errorf("preflight checks failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func preflightConfig(cfg config.Config) preflight.Config {
	return preflight.Config{
		DSN:            cfg.Postgres.DSN,
		Endpoint:       cfg.Endpoint,
		RestartCommand: cfg.Postgres.RestartCommand,
		RestartAllowed: cfg.Postgres.RestartAllowed,
		StateDBPath:    cfg.State.DBPath,
	}
}
