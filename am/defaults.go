package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "relay.db")

	// Queue defaults
	v.SetDefault("queue.visibility_timeout_minutes", 15)
	v.SetDefault("queue.poll_interval_seconds", 5)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.salted_fingerprints", false)

	// Ledger defaults
	v.SetDefault("ledger.currency", "CNY")
	v.SetDefault("ledger.default_estimate", 1.0)

	// Schedule defaults
	v.SetDefault("schedule.poll_interval_seconds", 30)

	// Engine defaults
	v.SetDefault("engine.provider", "dashscope")

	// Report artifact defaults
	v.SetDefault("reports.dir", "reports")

	// Mail defaults
	v.SetDefault("mail.smtp_port", 465)
	v.SetDefault("mail.poll_interval_seconds", 60)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "RELAY_DATABASE_PATH")
	v.BindEnv("mail.username", "RELAY_MAIL_USERNAME")
	v.BindEnv("mail.password", "RELAY_MAIL_PASSWORD")
}
