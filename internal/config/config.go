// Package config loads agent settings from flags, TUNEAGENT_* environment
// variables, an optional YAML file and built-in defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "TUNEAGENT"

type Postgres struct {
	DSN            string        `mapstructure:"dsn"`
	Database       string        `mapstructure:"database"`
	RestartCommand string        `mapstructure:"restart_command"`
	RestartAllowed bool          `mapstructure:"restart_allowed"`
	RestartTimeout time.Duration `mapstructure:"restart_timeout"`
	ConfDir        string        `mapstructure:"conf_dir"`
}

type Experiment struct {
	Warmup      time.Duration `mapstructure:"warmup"`
	Measurement time.Duration `mapstructure:"measurement"`
	Monitoring  time.Duration `mapstructure:"monitoring"`
	MinCommits  uint64        `mapstructure:"min_commits"`
}

type Crash struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold float64       `mapstructure:"threshold"`
}

type Heartbeat struct {
	Interval time.Duration `mapstructure:"interval"`
}

type Shutdown struct {
	ReadinessRetries  int           `mapstructure:"readiness_retries"`
	ReadinessInterval time.Duration `mapstructure:"readiness_interval"`
}

type State struct {
	DBPath string `mapstructure:"db_path"`
}

type Status struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Interrupt struct {
	// Answer makes interrupt handling non-interactive: "abort:D",
	// "abort:I", "abort:K" or "resume". Empty prompts on the terminal.
	Answer string `mapstructure:"answer"`
}

type Config struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	DBID     string `mapstructure:"db_id"`

	Postgres   Postgres   `mapstructure:"postgres"`
	Experiment Experiment `mapstructure:"experiment"`
	Crash      Crash      `mapstructure:"crash"`
	Heartbeat  Heartbeat  `mapstructure:"heartbeat"`
	Shutdown   Shutdown   `mapstructure:"shutdown"`
	State      State      `mapstructure:"state"`
	Status     Status     `mapstructure:"status"`
	Log        Log        `mapstructure:"log"`
	Interrupt  Interrupt  `mapstructure:"interrupt"`
}

// SetDefaults registers every key so environment variables bind even when
// the config file omits them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "")
	v.SetDefault("api_key", "")
	v.SetDefault("db_id", "")

	v.SetDefault("postgres.dsn", "postgres://postgres@localhost:5432/postgres?sslmode=disable")
	v.SetDefault("postgres.database", "")
	v.SetDefault("postgres.restart_command", "sudo systemctl restart postgresql")
	v.SetDefault("postgres.restart_allowed", true)
	v.SetDefault("postgres.restart_timeout", 2*time.Minute)
	v.SetDefault("postgres.conf_dir", "")

	v.SetDefault("experiment.warmup", 300*time.Second)
	v.SetDefault("experiment.measurement", 600*time.Second)
	v.SetDefault("experiment.monitoring", 600*time.Second)
	v.SetDefault("experiment.min_commits", 100)

	v.SetDefault("crash.interval", 100*time.Millisecond)
	v.SetDefault("crash.threshold", 90.0)

	v.SetDefault("heartbeat.interval", time.Second)

	v.SetDefault("shutdown.readiness_retries", 30)
	v.SetDefault("shutdown.readiness_interval", time.Second)

	v.SetDefault("state.db_path", "tuneagent.db")
	v.SetDefault("status.addr", "127.0.0.1:8089")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "tuning_session.log")
	v.SetDefault("interrupt.answer", "")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (when non-empty) into v and decodes the result. A missing
// default file is not an error; an explicitly named one is.
func Load(v *viper.Viper, file string, explicit bool) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
				return Config{}, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint %q must be an http(s) URL", c.Endpoint))
	}
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if strings.TrimSpace(c.DBID) == "" {
		errs = append(errs, errors.New("db_id is required"))
	}
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Postgres.RestartAllowed && strings.TrimSpace(c.Postgres.RestartCommand) == "" {
		errs = append(errs, errors.New("postgres.restart_command is required when restarts are allowed"))
	}
	if c.Experiment.Warmup < 0 {
		errs = append(errs, errors.New("experiment.warmup must not be negative"))
	}
	if c.Experiment.Measurement <= 0 {
		errs = append(errs, errors.New("experiment.measurement must be positive"))
	}
	if c.Experiment.Monitoring < 0 {
		errs = append(errs, errors.New("experiment.monitoring must not be negative"))
	}
	if c.Crash.Interval <= 0 {
		errs = append(errs, errors.New("crash.interval must be positive"))
	}
	if c.Crash.Threshold <= 0 || c.Crash.Threshold > 100 {
		errs = append(errs, fmt.Errorf("crash.threshold %.1f must be in (0, 100]", c.Crash.Threshold))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Shutdown.ReadinessRetries <= 0 {
		errs = append(errs, errors.New("shutdown.readiness_retries must be positive"))
	}
	if c.Shutdown.ReadinessInterval <= 0 {
		errs = append(errs, errors.New("shutdown.readiness_interval must be positive"))
	}
	if _, _, err := ParseInterruptAnswer(c.Interrupt.Answer); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseInterruptAnswer splits interrupt.answer into whether to abort and
// which option to pick. An empty choice means the operator is asked.
func ParseInterruptAnswer(s string) (abort bool, choice string, err error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return false, "", nil
	case strings.EqualFold(s, "resume"):
		return false, "resume", nil
	}
	kind, opt, found := strings.Cut(s, ":")
	opt = strings.ToUpper(strings.TrimSpace(opt))
	if !found || !strings.EqualFold(strings.TrimSpace(kind), "abort") || (opt != "D" && opt != "I" && opt != "K") {
		return false, "", fmt.Errorf("interrupt.answer %q must be resume or abort:D, abort:I, abort:K", s)
	}
	return true, opt, nil
}
