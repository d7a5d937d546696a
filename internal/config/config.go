// Package config loads engine options from a JSON or YAML document via
// viper, layered under PERSIST_-prefixed environment variables. Loading is
// purely declarative; nothing opens the database until the engine starts.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smartpcr/persistence-lib/internal/retry"
)

// JournalMode selects the SQLite journal behavior.
type JournalMode string

const (
	JournalDelete JournalMode = "DELETE"
	JournalWAL    JournalMode = "WAL"
	JournalMemory JournalMode = "MEMORY"
)

// Options is the engine configuration. DBFile is the only required field.
type Options struct {
	DBFile         string       `json:"db_file" mapstructure:"db_file"`
	BusyTimeoutMS  int          `json:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
	CommandTimeout int          `json:"command_timeout_s" mapstructure:"command_timeout_s"`
	JournalMode    JournalMode  `json:"journal_mode" mapstructure:"journal_mode"`
	CacheSizePages int          `json:"cache_size_pages" mapstructure:"cache_size_pages"`
	Retry          retry.Config `json:"retry_policy" mapstructure:"retry_policy"`

	// RetryPreset, when set, overrides Retry with a named profile.
	RetryPreset string `json:"retry_preset" mapstructure:"retry_preset"`

	// LockFile guards the database against concurrent engines on shared
	// storage. Empty disables the guard (single-host deployments).
	LockFile string `json:"lock_file" mapstructure:"lock_file"`

	// DebugLog, when set, routes engine diagnostics to a rotated file.
	DebugLog string `json:"debug_log" mapstructure:"debug_log"`
}

// DefaultOptions returns the documented defaults for every optional knob.
func DefaultOptions(dbFile string) Options {
	return Options{
		DBFile:         dbFile,
		BusyTimeoutMS:  5000,
		CommandTimeout: 30,
		JournalMode:    JournalWAL,
		Retry:          retry.Default(),
	}
}

// CommandDeadline is the per-statement deadline as a duration.
func (o Options) CommandDeadline() time.Duration {
	if o.CommandTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(o.CommandTimeout) * time.Second
}

// Validate checks the loaded options.
func (o Options) Validate() error {
	if o.DBFile == "" {
		return fmt.Errorf("db_file is required")
	}
	switch o.JournalMode {
	case "", JournalDelete, JournalWAL, JournalMemory:
	default:
		return fmt.Errorf("unknown journal_mode %q", o.JournalMode)
	}
	return nil
}

// Load reads options from the given config file (JSON or YAML by
// extension), applying defaults and environment overrides.
func Load(path string) (Options, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("busy_timeout_ms", 5000)
	v.SetDefault("command_timeout_s", 30)
	v.SetDefault("journal_mode", string(JournalWAL))
	v.SetDefault("retry_policy.enabled", true)
	v.SetDefault("retry_policy.max_attempts", 3)
	v.SetDefault("retry_policy.initial_delay_ms", 100)
	v.SetDefault("retry_policy.max_delay_ms", 5000)
	v.SetDefault("retry_policy.backoff_multiplier", 2.0)

	v.SetEnvPrefix("PERSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Options{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var o Options
	if err := v.Unmarshal(&o); err != nil {
		return Options{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}

	// Delay fields arrive as bare milliseconds; re-scale them.
	o.Retry.InitialDelay = time.Duration(v.GetInt("retry_policy.initial_delay_ms")) * time.Millisecond
	o.Retry.MaxDelay = time.Duration(v.GetInt("retry_policy.max_delay_ms")) * time.Millisecond

	if o.RetryPreset != "" {
		o.Retry = retry.Preset(o.RetryPreset)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
