// Package am holds the relay service configuration.
package am

import "fmt"

// Config represents the core relay configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Reports  ReportsConfig  `mapstructure:"reports"`
	Mail     MailConfig     `mapstructure:"mail"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures the durable work queue and its workers
type QueueConfig struct {
	// Maximum time a claimed item may stay in processing before the
	// stale sweep hands it back to the pending pool.
	VisibilityTimeoutMinutes int `mapstructure:"visibility_timeout_minutes"`

	// How often idle workers poll for claimable items.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`

	// Number of concurrent claim/process workers.
	Workers int `mapstructure:"workers"`

	// Legacy fingerprint mode: mix the current minute into the content
	// fingerprint so resubmitting identical content after a minute
	// enqueues a fresh item instead of being absorbed as a duplicate.
	SaltedFingerprints bool `mapstructure:"salted_fingerprints"`
}

// LedgerConfig configures the usage ledger
type LedgerConfig struct {
	Currency        string  `mapstructure:"currency"`
	DefaultEstimate float64 `mapstructure:"default_estimate"` // pre-debit per analysis run
}

// ScheduleConfig configures the recurring job dispatcher
type ScheduleConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// EngineConfig selects and tunes the analysis engine backend
type EngineConfig struct {
	Provider        string `mapstructure:"provider"`          // dashscope, deepseek, openai, ...
	BackendURL      string `mapstructure:"backend_url"`       // custom OpenAI-compatible endpoint
	DeepThinkModel  string `mapstructure:"deep_think_model"`  // empty = provider default
	QuickThinkModel string `mapstructure:"quick_think_model"` // empty = provider default
}

// ReportsConfig configures report artifact persistence
type ReportsConfig struct {
	Dir string `mapstructure:"dir"`
}

// MailConfig configures the inbound and outbound mail transport
type MailConfig struct {
	IMAPAddr            string `mapstructure:"imap_addr"` // host:port, implicit TLS
	SMTPHost            string `mapstructure:"smtp_host"`
	SMTPPort            int    `mapstructure:"smtp_port"`
	Username            string `mapstructure:"username"`
	Password            string `mapstructure:"password"`
	From                string `mapstructure:"from"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Queue: {Workers: %d, VisibilityTimeout: %dm}, Engine: %s}",
		c.Database.Path, c.Queue.Workers, c.Queue.VisibilityTimeoutMinutes, c.Engine.Provider)
}
