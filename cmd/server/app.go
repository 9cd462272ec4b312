package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/visiontune/visiontune-api/internal/artifact"
	"github.com/visiontune/visiontune-api/internal/config"
	"github.com/visiontune/visiontune-api/internal/ml"
	"github.com/visiontune/visiontune-api/internal/platform/postgres"
	"github.com/visiontune/visiontune-api/internal/service"
	"github.com/visiontune/visiontune-api/internal/service/auth"
	"github.com/visiontune/visiontune-api/internal/store"
	"github.com/visiontune/visiontune-api/internal/task"
)

// application holds all shared dependencies so startup order and
// shutdown cleanup live in one place.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	userStore store.UserStore
	taskStore store.TaskStore

	artifacts *artifact.Manager
	broker    *task.ChannelBroker
	runner    ml.Runner
	engine    *task.Engine

	jwtService  auth.JWTService
	userService service.UserService
	taskService service.TaskService
}

// newApplication wires up every component: stores, artifact storage, the
// dispatch queue, the job engine, and the services the handlers use.
// The engine is started here, so by the time Run is called, recovery has
// already re-queued interrupted work.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *sql.DB,
) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	var err error
	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	logger.Info("JWT authentication service initialized",
		slog.Int("token_lifetime_minutes", cfg.Auth.TokenLifetimeMinutes))

	app.userStore = postgres.NewPostgresUserStore(db, logger)
	app.taskStore = postgres.NewPostgresTaskStore(db, logger)

	app.artifacts, err = artifact.NewManager(
		cfg.Storage.ArtifactRoot,
		cfg.Storage.MaxUploadSizeMB<<20,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	app.broker = task.NewChannelBroker(cfg.Task.QueueSize, logger)

	if cfg.Runner.Simulate {
		logger.Warn("using in-process simulator instead of the trainer binary")
		app.runner = &ml.SimulatorRunner{StepDelay: 100 * time.Millisecond}
	} else {
		app.runner = ml.NewSubprocessRunner(cfg.Runner.Binary, logger)
	}

	app.engine = task.NewEngine(app.taskStore, app.broker, app.runner, app.artifacts,
		task.EngineConfig{
			WorkerCount:  cfg.Task.WorkerCount,
			StuckTaskAge: time.Duration(cfg.Task.StuckTaskAgeMinutes) * time.Minute,
		}, logger)
	if err := app.engine.Start(); err != nil {
		return nil, fmt.Errorf("failed to start job engine: %w", err)
	}

	app.userService, err = service.NewUserService(
		app.userStore,
		app.jwtService,
		auth.NewBcryptVerifier(),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user service: %w", err)
	}

	app.taskService, err = service.NewTaskService(
		app.taskStore,
		app.artifacts,
		app.broker,
		app.engine,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	logger.Info("application initialized")
	return app, nil
}

// Run starts the HTTP server and blocks until shutdown.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()
	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops the job engine first so running jobs get to record their
// interruption, then closes the queue and the database.
func (app *application) cleanup() {
	if app.engine != nil {
		app.engine.Stop()
	}
	if app.broker != nil {
		app.broker.Close()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", slog.String("error", err.Error()))
		}
	}
	app.logger.Info("application shutdown completed")
}
