package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/shr-bridge/internal/config"
	"github.com/ehr/shr-bridge/internal/emr"
	"github.com/ehr/shr-bridge/internal/exchange"
	"github.com/ehr/shr-bridge/internal/feed"
	"github.com/ehr/shr-bridge/internal/idmap"
	"github.com/ehr/shr-bridge/internal/merge"
	"github.com/ehr/shr-bridge/internal/platform/db"
	"github.com/ehr/shr-bridge/internal/platform/middleware"
	"github.com/ehr/shr-bridge/internal/platform/telemetry"
	"github.com/ehr/shr-bridge/internal/sync/pull"
	"github.com/ehr/shr-bridge/internal/sync/push"
	"github.com/ehr/shr-bridge/internal/transcoder"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shr-bridge",
		Short: "SHR identity correlation and synchronization bridge",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(pushCmd())
	rootCmd.AddCommand(pullCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync workers and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func pushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Outbound synchronization",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Drain one batch of pending local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			app, err := buildApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer app.pool.Close()
			return app.pushWorker.RunOnce(cmd.Context())
		},
	})
	return cmd
}

func pullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Inbound synchronization",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Read and apply one page of the encounter feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			app, err := buildApp(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer app.pool.Close()
			return app.pullWorker.RunOnce(cmd.Context())
		},
	})
	return cmd
}

// app holds the wired components shared by serve and the one-shot
// subcommands.
type app struct {
	cfg        *config.Config
	pool       *pgxpool.Pool
	metrics    *telemetry.Provider
	mappings   idmap.Store
	failed     feed.FailedEventRepo
	pushWorker *push.Worker
	pullWorker *pull.Worker
}

func buildApp(ctx context.Context, logger zerolog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	syncUser, err := uuid.Parse(cfg.SyncUserID)
	if err != nil {
		return nil, fmt.Errorf("SYNC_USER_ID is not a uuid: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewProvider("shr-bridge")
	mappings := idmap.NewStorePG(pool)
	records := emr.NewStorePG(pool)
	cursors := feed.NewCursorRepoPG(pool)
	failed := feed.NewFailedEventRepoPG(pool)
	changes := feed.NewChangeLogPG(pool)
	runTx := db.NewTxRunner(pool)

	identity := exchange.NewIdentityProvider(exchange.IdentityConfig{
		BaseURL:  cfg.IdentityBaseURL,
		Email:    cfg.IdentityEmail,
		Password: cfg.IdentityKey,
		ClientID: cfg.ClientID,
	}, cfg.RequestTimeout, logger)
	client := exchange.NewClient(exchange.ClientConfig{
		SHRBaseURL: cfg.SHRBaseURL,
		MPIBaseURL: cfg.MPIBaseURL,
		Email:      cfg.IdentityEmail,
		ClientID:   cfg.ClientID,
		Timeout:    cfg.RequestTimeout,
	}, identity, logger)

	applier := emr.NewService(records, changes, syncUser, logger)
	reconciler := merge.NewReconciler(records, mappings, runTx, metrics, cfg.MPIBaseURL, logger)
	codec := transcoder.JSON{}

	pushWorker := push.NewWorker(changes, records, mappings, client, codec, metrics, push.Config{
		SHRBaseURL: cfg.SHRBaseURL,
		SyncUser:   syncUser,
		BatchSize:  cfg.PushBatchSize,
	}, logger)
	pullWorker := pull.NewWorker(cursors, failed, mappings, client, applier, reconciler, codec,
		runTx, metrics, pull.Config{
			FeedURI:    cfg.EncounterFeedURI(),
			SHRBaseURL: cfg.SHRBaseURL,
			MPIBaseURL: cfg.MPIBaseURL,
		}, logger)

	return &app{
		cfg:        cfg,
		pool:       pool,
		metrics:    metrics,
		mappings:   mappings,
		failed:     failed,
		pushWorker: pushWorker,
		pullWorker: pullWorker,
	}, nil
}

func runServer() error {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer app.pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", db.HealthHandler(app.pool))
	e.GET("/metrics", app.metrics.PrometheusHandler())

	admin := e.Group("/admin")
	idmap.NewHandler(app.mappings).RegisterRoutes(admin)
	feed.NewHandler(app.failed).RegisterRoutes(admin)

	go runLoop(ctx, logger, "push", app.cfg.PushInterval, app.pushWorker.RunOnce)
	go runLoop(ctx, logger, "pull", app.cfg.PullInterval, app.pullWorker.RunOnce)

	go func() {
		addr := ":" + app.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting admin server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

// runLoop drives one worker on a fixed interval until the context ends. A
// failed run is logged and retried on the next tick.
func runLoop(ctx context.Context, logger zerolog.Logger, name string, interval time.Duration,
	run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Str("worker", name).Msg("sync run failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
