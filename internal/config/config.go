package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Task     TaskConfig     `mapstructure:"task"     validate:"required"`
	Storage  StorageConfig  `mapstructure:"storage"  validate:"required"`
	Runner   RunnerConfig   `mapstructure:"runner"   validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// TaskConfig contains settings for the background job engine.
type TaskConfig struct {
	// WorkerCount is the number of concurrent job workers.
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0"`

	// QueueSize is the capacity of the in-memory dispatch queue.
	QueueSize int `mapstructure:"queue_size" validate:"required,gt=0"`

	// StuckTaskAgeMinutes is how long a task may sit in the running state
	// without a progress update before the reconciler flags it.
	StuckTaskAgeMinutes int `mapstructure:"stuck_task_age_minutes" validate:"required,gt=0"`
}

// StorageConfig contains settings for on-disk artifact storage.
type StorageConfig struct {
	// ArtifactRoot is the base directory under which all per-task
	// directories are created.
	ArtifactRoot string `mapstructure:"artifact_root" validate:"required"`

	// MaxUploadSizeMB caps the size of uploaded dataset and model files.
	MaxUploadSizeMB int64 `mapstructure:"max_upload_size_mb" validate:"required,gt=0"`
}

// RunnerConfig contains settings for the ML process runner.
type RunnerConfig struct {
	// Binary is the trainer executable invoked for fine-tune and
	// validation jobs.
	Binary string `mapstructure:"binary" validate:"required"`

	// Simulate replaces the external trainer with an in-process
	// simulator. Intended for development and tests.
	Simulate bool `mapstructure:"simulate"`
}
