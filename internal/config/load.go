package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for all environment variables read by Load,
// e.g. VISIONTUNE_SERVER_PORT maps to the server.port key.
const envPrefix = "VISIONTUNE"

// configKeys lists every configuration key so each one can be bound to its
// environment variable explicitly. Viper's AutomaticEnv does not surface
// unset keys to Unmarshal, so keys without defaults must be bound by hand.
var configKeys = []string{
	"server.port",
	"server.log_level",
	"database.url",
	"auth.jwt_secret",
	"auth.token_lifetime_minutes",
	"task.worker_count",
	"task.queue_size",
	"task.stuck_task_age_minutes",
	"storage.artifact_root",
	"storage.max_upload_size_mb",
	"runner.binary",
	"runner.simulate",
}

// Load configuration from environment variables.
// Environment variables take precedence over default values.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	// Default values for settings that have sensible ones. Required
	// settings without defaults (database URL, JWT secret, artifact root)
	// must come from the environment.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("auth.token_lifetime_minutes", 60)
	v.SetDefault("task.worker_count", 2)
	v.SetDefault("task.queue_size", 64)
	v.SetDefault("task.stuck_task_age_minutes", 120)
	v.SetDefault("storage.max_upload_size_mb", 512)
	v.SetDefault("runner.binary", "visiontune-trainer")
	v.SetDefault("runner.simulate", false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}
