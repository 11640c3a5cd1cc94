package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tuneagent/internal/config"
)

const defaultConfigFile = "tuneagent.yaml"

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "tuneagent",
	Short: "Host-resident PostgreSQL tuning agent",
	Long: `Runs next to a PostgreSQL server, applies the configurations proposed by
the tuning service, measures them and reports the results. With no
subcommand it runs one tuning session.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", defaultConfigFile, "path to the YAML config file")
	flags.String("endpoint", "", "job service base URL")
	flags.String("api-key", "", "job service API key")
	flags.String("db-id", "", "database id registered with the job service")
	flags.String("log-level", "", "console log level (debug, info, warn, error)")
	flags.String("state-db", "", "path of the local session registry")

	bind(v, "endpoint", "endpoint")
	bind(v, "api_key", "api-key")
	bind(v, "db_id", "db-id")
	bind(v, "log.level", "log-level")
	bind(v, "state.db_path", "state-db")
}

func bind(v *viper.Viper, key, flag string) {
	_ = v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(v, cfgFile, cmd.Flags().Changed("config"))
}
