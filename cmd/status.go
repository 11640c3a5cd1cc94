package cmd

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tuneagent/internal/database"
)

var statusSessionID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last recorded tuning session from the local registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := readConfigFile(cmd); err != nil {
			return err
		}
		database.SetPath(v.GetString("state.db_path"))
		if err := database.InitDB(); err != nil {
			return fmt.Errorf("init state db: %w", err)
		}
		defer database.CloseDB()
		return printSession(cmd.OutOrStdout(), statusSessionID)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusSessionID, "session", "", "session id (default: most recent)")
}

// readConfigFile merges the config file without requiring the job service
// settings a session run needs.
func readConfigFile(cmd *cobra.Command) error {
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil && cmd.Flags().Changed("config") {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func printSession(w io.Writer, id string) error {
	var (
		rec database.SessionRecord
		err error
	)
	if id == "" {
		rec, err = database.LatestSession()
	} else {
		rec, err = database.GetSession(id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("no tuning session recorded")
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
