package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/auditrelay/internal/config"
	"github.com/prudhvinik1/auditrelay/internal/database"
	"github.com/prudhvinik1/auditrelay/internal/dispatch"
	"github.com/prudhvinik1/auditrelay/internal/downstream"
	"github.com/prudhvinik1/auditrelay/internal/models"
	"github.com/prudhvinik1/auditrelay/internal/repositories"
	"github.com/prudhvinik1/auditrelay/internal/services"
	"github.com/redis/go-redis/v9"
)

// App holds the wired components shared by the server and relayctl.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client
	Queue dispatch.Queue

	Events      *repositories.PostgresEventRepository
	SyncJobs    *repositories.PostgresSyncJobRepository
	RelayConfig *repositories.PostgresRelayConfigRepository
	Sources     *repositories.PostgresSourceRepository

	Downstream *downstream.Client
	Processor  *services.Processor
	Reconciler *services.Reconciler
	Relay      *services.Relay
	Auth       *services.AuthService
	Dispatcher *dispatch.Dispatcher
}

// New connects storage, applies the schema and checks the relay_config row. Any error
// here is a configuration error and fatal for the caller.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.Worker.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	a.Pool = pool

	if err := database.Migrate(ctx, pool); err != nil {
		a.Close()
		return nil, err
	}

	a.Events = repositories.NewPostgresEventRepository(pool)
	a.SyncJobs = repositories.NewPostgresSyncJobRepository(pool)
	a.RelayConfig = repositories.NewPostgresRelayConfigRepository(pool)
	a.Sources = repositories.NewPostgresSourceRepository(pool)

	if err := a.RelayConfig.Validate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		client, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		a.Redis = client
		a.Queue = dispatch.NewRedisQueue(client, cfg.Worker.QueueKey, logger)
	} else {
		logger.Warn("REDIS_URL not set, queued events do not survive a restart")
		a.Queue = dispatch.NewMemoryQueue()
	}

	dc := cfg.Downstream
	httpClient := &http.Client{Timeout: dc.Timeout}
	tokens := downstream.NewTokenProvider(dc.AuthEndpoint, downstream.Credentials{
		ClientID:     dc.ClientID,
		ClientSecret: dc.ClientSecret,
		Username:     dc.Username,
		Password:     dc.Password,
	}, httpClient, logger)

	a.Downstream = downstream.NewClient(downstream.ClientOptions{
		CoreBaseURL:  dc.CoreAPIURL,
		AdminBaseURL: dc.AdminAPIURL,
		TenantID:     dc.TenantID,
		Tokens:       tokens,
		HTTPClient:   httpClient,
		MaxRetries:   dc.MaxRetries,
		ServiceUser:  models.SyncJobUserID,
		Logger:       logger,
	})

	policy := services.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	a.Processor = services.NewProcessor(a.Events, a.Downstream, services.ProcessorConfig{
		Policy:           policy,
		StaleAfter:       cfg.Worker.StaleAfter,
		PropagateDeletes: dc.PropagateDeletes,
	}, logger)

	a.Reconciler = services.NewReconciler(a.SyncJobs, a.RelayConfig, a.Sources, a.Events, a.Processor,
		services.ReconcilerConfig{
			Policy:        policy,
			StaleAfter:    cfg.Worker.StaleAfter,
			Workers:       cfg.Worker.Count,
			JobStaleAfter: cfg.Worker.JobStaleAfter,
		}, logger)

	a.Dispatcher = dispatch.NewDispatcher(a.Queue)
	a.Relay = services.NewRelay(a.Events, a.RelayConfig, a.Dispatcher, logger)
	a.Auth = services.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)

	return a, nil
}

// HandleTask is the worker pool's handler.
func (a *App) HandleTask(ctx context.Context, task dispatch.Task) error {
	_, err := a.Processor.ProcessByID(ctx, task.EventID)
	return err
}

// Workers builds the dispatcher worker pool.
func (a *App) Workers() *dispatch.Pool {
	return dispatch.NewPool(a.Queue, a.HandleTask, a.Config.Worker.Count, a.Logger)
}

// RecoverQueue puts tasks a previous process left in flight back on the queue.
func (a *App) RecoverQueue(ctx context.Context) error {
	rq, ok := a.Queue.(*dispatch.RedisQueue)
	if !ok {
		return nil
	}
	moved, err := rq.Recover(ctx)
	if err != nil {
		return err
	}
	if moved > 0 {
		a.Logger.Info("recovered in-flight tasks", "count", moved)
	}
	return nil
}

func (a *App) Close() {
	if mq, ok := a.Queue.(*dispatch.MemoryQueue); ok {
		mq.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
