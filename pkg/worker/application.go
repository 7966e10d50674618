package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/config"
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/tasks"
)

// Application is the long-running worker that consumes fit-rank tasks from
// the queue. Each task executes the full per-rank pipeline with the comm
// placement taken from the task payload.
type Application struct {
	config *config.Config
	logger *logrus.Logger

	server       *asynq.Server
	healthServer *http.Server
	pprofServer  *http.Server
}

// NewApplication creates a new worker application.
func NewApplication(cfg *config.Config, logger *logrus.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
	}
}

// Start initializes and starts the worker application.
func (a *Application) Start() error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if a.config.Comm.Address == "" {
		return comm.ErrAddressRequired
	}

	a.logger.Info("Starting fit worker...")

	observability.StartMetricsServer(a.config.MetricsAddr)
	a.logger.WithField("addr", a.config.MetricsAddr).Info("Started metrics server")

	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}
	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     a.config.Comm.Address,
		Password: a.config.Comm.Password,
		DB:       a.config.Comm.DB,
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		// One rank at a time: a rank blocks in collectives for the
		// whole run, and interleaving two runs' ranks in one process
		// would let them starve each other.
		Concurrency: 1,
		Queues:      map[string]int{tasks.QueueFit: 1},
	})

	handler := tasks.NewHandler(a.logger, a.runRank)
	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	go func() {
		if runErr := srv.Run(mux); runErr != nil {
			a.logger.WithError(runErr).Fatal("Failed to run worker server")
		}
	}()
	a.server = srv

	a.logger.Info("Worker started successfully")
	return nil
}

// runRank executes one queued fit rank: the shared config file is re-read
// and the comm placement overridden from the payload.
func (a *Application) runRank(ctx context.Context, payload *tasks.FitPayload) error {
	cfg, err := config.Load(payload.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load run config: %w", err)
	}
	cfg.Comm.RunID = payload.RunID
	cfg.Comm.Rank = payload.Rank
	cfg.Comm.Size = payload.Size
	if cfg.Comm.Address == "" {
		cfg.Comm.Address = a.config.Comm.Address
		cfg.Comm.Password = a.config.Comm.Password
		cfg.Comm.DB = a.config.Comm.DB
	}
	if err := cfg.Comm.Validate(); err != nil {
		return err
	}

	return Run(ctx, cfg, a.logger)
}

// Stop gracefully shuts down the worker application.
func (a *Application) Stop() error {
	a.logger.Info("Shutting down worker...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown health check server")
		}
	}
	if a.pprofServer != nil {
		if err := a.pprofServer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to shutdown pprof server")
		}
	}
	if a.server != nil {
		a.server.Shutdown()
	}

	return nil
}

func (a *Application) startHealthCheck() {
	a.logger.WithField("addr", a.config.HealthCheckAddr).Info("Starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if a.server != nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("READY"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
		}
	})

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Health check server failed")
		}
	}()
}

func (a *Application) startPProf() {
	a.logger.WithField("addr", a.config.PProfAddr).Info("Starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Pprof server failed")
		}
	}()
}
