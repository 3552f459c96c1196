package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/groupchat/internal/api"
	"github.com/lalith-99/groupchat/internal/assignment"
	"github.com/lalith-99/groupchat/internal/auth"
	"github.com/lalith-99/groupchat/internal/automation"
	"github.com/lalith-99/groupchat/internal/config"
	"github.com/lalith-99/groupchat/internal/db"
	"github.com/lalith-99/groupchat/internal/docstore"
	"github.com/lalith-99/groupchat/internal/docstore/postgres"
	"github.com/lalith-99/groupchat/internal/docstore/redisstore"
	"github.com/lalith-99/groupchat/internal/observ"
	"github.com/lalith-99/groupchat/internal/repository/document"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run() (int, error) {
	// ---------------------------------------------------------------
	// 1. Load config
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and metrics
	// ---------------------------------------------------------------
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	metrics := observ.NewProcessMetrics()

	// ---------------------------------------------------------------
	// 3. Open the document store
	//
	// Group and experiment documents, their transactions and their
	// change feeds all live behind docstore.Store. Redis is the default;
	// Postgres works the same through row versions and LISTEN/NOTIFY.
	// ---------------------------------------------------------------
	store, health, closeStore, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		return 0, err
	}

	// ---------------------------------------------------------------
	// 4. Services and handlers
	// ---------------------------------------------------------------
	experiments := document.NewExperimentStore(store, logger)
	groups := document.NewGroupStore(store, logger)
	assigner := assignment.NewService(store, metrics, logger)
	dispatcher := automation.NewDispatcher(store, metrics, nil)
	schedOpts := []automation.SchedulerOption{
		automation.WithRetryDelay(cfg.AutomationRetryDelay),
		automation.WithSchedulerMetrics(metrics),
	}

	if !cfg.AdminEnabled() {
		logger.Warn("admin login disabled: set JWT_SECRET and ADMIN_PASSWORD_HASH")
	}
	authn := auth.NewAuthenticator(cfg.AdminUser, cfg.AdminPasswordHash, cfg.JWTSecret, cfg.AdminSessionTTL)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.RouterConfig{
		Participant: api.NewParticipantHandler(assigner, experiments, groups, metrics, logger),
		Admin:       api.NewAdminHandler(authn, experiments, groups, logger),
		Stream:      api.NewStreamHandler(experiments, groups, dispatcher, logger, schedOpts...),
		JWTSecret:   cfg.JWTSecret,
		Metrics:     metrics,
		Health:      health,
		Logger:      logger,
	})

	// ---------------------------------------------------------------
	// 5. Server-side automation
	//
	// Browsers run schedulers over WebSocket for what they show. The
	// experiments listed in AUTOMATION_EXPERIMENTS also get one here, so
	// scripted messages go out with nobody watching. Duplicated work
	// across replicas is harmless: dispatch is exactly-once per group.
	// ---------------------------------------------------------------
	automationCtx, stopAutomation := context.WithCancel(context.Background())
	runners, automationCtx := errgroup.WithContext(automationCtx)
	for _, expID := range cfg.AutomationExperiments {
		scope := automation.Scope{ExperimentID: expID}
		runners.Go(func() error {
			return automation.Supervise(automationCtx, func() *automation.Scheduler {
				return automation.NewScheduler(scope, experiments, groups, dispatcher, logger, schedOpts...)
			}, cfg.AutomationRetryDelay, logger)
		})
		logger.Info("automation enabled", zap.String("experiment_id", expID))
	}

	// ---------------------------------------------------------------
	// 6. HTTP server
	// ---------------------------------------------------------------
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting groupchat",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.StoreDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// ---------------------------------------------------------------
	// 7. Graceful shutdown
	//
	// Order matters: stop taking requests, then stop the schedulers, then
	// close the store they use.
	// ---------------------------------------------------------------
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"groupchat": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				var errs []error
				if err := srv.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("http: %w", err))
				}
				stopAutomation()
				if err := runners.Wait(); err != nil {
					errs = append(errs, fmt.Errorf("automation: %w", err))
				}
				if err := closeStore(); err != nil {
					errs = append(errs, fmt.Errorf("store: %w", err))
				}
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info("groupchat exited", zap.Int("exit_code", exitCode))
	return exitCode, nil
}

// openStore connects the configured backend and returns the store, a
// health check and a close function.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, api.HealthFunc, func() error, error) {
	policy := docstore.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.TxMaxAttempts

	switch cfg.StoreDriver {
	case config.StorePostgres:
		database, err := db.New(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns: int32(cfg.DBMaxConns),
			MinConns: int32(cfg.DBMinConns),
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store := postgres.New(database.Pool(), logger,
			postgres.WithIndex(document.Groups, document.FieldExperimentID),
			postgres.WithRetryPolicy(policy),
		)
		if err := store.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		closeFn := func() error {
			err := store.Close()
			database.Close()
			return err
		}
		return store, database.Health, closeFn, nil

	default:
		client, err := redisstore.Connect(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		store := redisstore.New(client, logger,
			redisstore.WithIndex(document.Groups, document.FieldExperimentID),
			redisstore.WithRetryPolicy(policy),
			redisstore.WithPrefix(cfg.RedisKeyPrefix),
		)
		health := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return store, health, store.Close, nil
	}
}
