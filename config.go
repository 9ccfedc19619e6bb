package txaudit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAuditTable is the backing table of the audit store. It is never audited itself.
const DefaultAuditTable = "sys_data_audit_log"

// RedactFunc defines a function used to sanitize or mask values before logging.
type RedactFunc func(key string, v any) any

// RedactMap maps key names to specific redaction functions.
type RedactMap map[string]RedactFunc

// ActorFunc resolves the acting identity from a caller or security context.
type ActorFunc func(ctx context.Context) (string, error)

// Config defines the main configuration options for txaudit.
type Config struct {
	Enabled        bool                `mapstructure:"enabled"`
	AuditTable     string              `mapstructure:"audit_table"`    // excluded from auditing
	IncludeTables  []string            `mapstructure:"include_tables"` // empty means every table
	ExcludeTables  []string            `mapstructure:"exclude_tables"`
	IncludeColumns map[string][]string `mapstructure:"include_columns"` // table -> allowed columns
	MaxRetries     int                 `mapstructure:"max_retries"`
	RetryBackoff   time.Duration       `mapstructure:"retry_backoff"` // attempt k waits k*RetryBackoff
	Async          bool                `mapstructure:"async"`
	QueueSize      int                 `mapstructure:"queue_size"`
	ShutdownGrace  time.Duration       `mapstructure:"shutdown_grace"`
	ReturningAll   bool                `mapstructure:"returning_all"` // append RETURNING * to INSERT/UPDATE (PostgreSQL)

	Redact    RedactMap `mapstructure:"-"` // optional key-based redaction
	ActorFunc ActorFunc `mapstructure:"-"` // consulted when the context carries no operator
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		AuditTable:    DefaultAuditTable,
		MaxRetries:    3,
		RetryBackoff:  time.Second,
		Async:         true,
		QueueSize:     256,
		ShutdownGrace: 5 * time.Second,
	}
}

// Validate reports configuration values that cannot be honored.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff must be >= 0, got %s", c.RetryBackoff))
	}
	if c.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue_size must be >= 0, got %d", c.QueueSize))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("shutdown_grace must be >= 0, got %s", c.ShutdownGrace))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("txaudit: invalid config: %w", err)
	}
	return nil
}

// withDefaults fills zero values that have no meaningful zero setting.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AuditTable == "" {
		c.AuditTable = def.AuditTable
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.Redact == nil {
		c.Redact = RedactMap{}
	}
	return c
}

// LoadConfig reads configuration from path (YAML, TOML or JSON by extension) and
// TXAUDIT_* environment variables, on top of DefaultConfig. An empty path reads the environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("enabled", def.Enabled)
	v.SetDefault("audit_table", def.AuditTable)
	v.SetDefault("include_tables", []string{})
	v.SetDefault("exclude_tables", []string{})
	v.SetDefault("include_columns", map[string][]string{})
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("retry_backoff", def.RetryBackoff)
	v.SetDefault("async", def.Async)
	v.SetDefault("queue_size", def.QueueSize)
	v.SetDefault("shutdown_grace", def.ShutdownGrace)
	v.SetDefault("returning_all", false)

	v.SetEnvPrefix("TXAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("txaudit: failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("txaudit: failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
