package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chartaudit/chartaudit/internal/config"
	"github.com/chartaudit/chartaudit/internal/domain/comparison"
	"github.com/chartaudit/chartaudit/internal/domain/crosswalk"
	"github.com/chartaudit/chartaudit/internal/domain/encounter"
	"github.com/chartaudit/chartaudit/internal/domain/report"
	"github.com/chartaudit/chartaudit/internal/pipeline"
	"github.com/chartaudit/chartaudit/internal/platform/aireview"
	"github.com/chartaudit/chartaudit/internal/platform/db"
	"github.com/chartaudit/chartaudit/internal/platform/middleware"
	"github.com/chartaudit/chartaudit/internal/platform/nlp"
	"github.com/chartaudit/chartaudit/internal/platform/phi"
	"github.com/chartaudit/chartaudit/internal/platform/webhook"
	"github.com/chartaudit/chartaudit/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chartaudit-server",
		Short: "Encounter report generation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(crosswalkCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			embedded, _ := cmd.Flags().GetBool("embedded-worker")
			feeSchedule, _ := cmd.Flags().GetString("fee-schedule")
			return runServer(embedded, feeSchedule)
		},
	}
	cmd.Flags().Bool("embedded-worker", true, "Run the report pipeline worker in-process")
	cmd.Flags().String("fee-schedule", "", "Path to a fee schedule CSV (code,value_units)")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a standalone report pipeline worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			feeSchedule, _ := cmd.Flags().GetString("fee-schedule")
			return runWorker(feeSchedule)
		},
	}
	cmd.Flags().String("fee-schedule", "", "Path to a fee schedule CSV (code,value_units)")
	return cmd
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
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
				MaxConns: cfg.DBMaxConns,
				MinConns: cfg.DBMinConns,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
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
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
				MaxConns: cfg.DBMaxConns,
				MinConns: cfg.DBMinConns,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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

func crosswalkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crosswalk",
		Short: "Manage the code crosswalk reference table",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a crosswalk batch from CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			source, _ := cmd.Flags().GetString("source")
			version, _ := cmd.Flags().GetString("version")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
				MaxConns: cfg.DBMaxConns,
				MinConns: cfg.DBMinConns,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			importer := crosswalk.NewImporter(crosswalk.NewRepo(pool))
			count, err := importer.Import(ctx, f, source, version)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			fmt.Printf("Imported %d crosswalk entries (%s %s).\n", count, source, version)
			return nil
		},
	}
	importCmd.Flags().String("file", "", "Path to the crosswalk CSV")
	importCmd.Flags().String("source", "gem", "Reference table source name")
	importCmd.Flags().String("version", "", "Reference table version")
	cmd.AddCommand(importCmd)

	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// mappingEncryptor builds the PHI mapping encryptor from config. Development
// falls back to an ephemeral key so a plain checkout runs; anything encrypted
// under it is unreadable after restart.
func mappingEncryptor(cfg *config.Config, logger zerolog.Logger) (*phi.MappingEncryptor, error) {
	if cfg.PHIEncryptionKey != "" {
		key, err := cfg.EncryptionKey()
		if err != nil {
			return nil, err
		}
		return phi.NewMappingEncryptor(key)
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}

	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, err
	}
	logger.Warn().Msg("PHI_ENCRYPTION_KEY not set; using an ephemeral key")
	return phi.NewMappingEncryptor(key)
}

func loadPricer(path string, logger zerolog.Logger) (*pipeline.StaticPricer, error) {
	if path == "" {
		logger.Warn().Msg("no fee schedule loaded; revenue deltas will price unknown codes at zero")
		return pipeline.NewStaticPricer(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fee schedule: %w", err)
	}
	defer f.Close()

	units, err := pipeline.LoadFeeSchedule(f)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("codes", len(units)).Msg("fee schedule loaded")
	return pipeline.NewStaticPricer(units), nil
}

func runServer(embeddedWorker bool, feeSchedulePath string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	encryptor, err := mappingEncryptor(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("phi encryption setup failed")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	queue := pipeline.NewQueue(redisOpt)
	defer queue.Close()

	// Repositories and services
	reportRepo := report.NewRepo(pool)
	reports := report.NewService(reportRepo, cfg.MaxReportAttempts, logger)
	encounters := encounter.NewService(encounter.NewRepo(pool), reports, encryptor, queue, logger)
	crosswalkRepo := crosswalk.NewRepo(pool)
	resolver := crosswalk.NewResolver(crosswalkRepo)

	// Notification subsystem: websocket push plus signed webhooks, both fed
	// by the same report transitions.
	hub := websocket.NewHub(logger)
	webhookStore := webhook.NewPGStore(pool)
	webhookMgr := webhook.NewManager(webhookStore, cfg.WebhookMaxAttempts, logger)
	webhookNotifier := webhook.NewNotifier(webhookMgr)
	reports.AddNotifier(hub)
	reports.AddNotifier(webhookNotifier)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	dispatcher := webhook.NewDispatcher(webhookStore, logger)
	go dispatcher.Run(runCtx)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	apiV1 := e.Group("/api/v1")

	encounter.NewHandler(encounters).RegisterRoutes(apiV1)
	report.NewHandler(reports, queue).RegisterRoutes(apiV1)
	crosswalk.NewHandler(crosswalkRepo, resolver).RegisterRoutes(apiV1)
	webhook.NewHandler(webhookMgr).RegisterRoutes(apiV1.Group("/webhooks"))
	websocket.NewHandler(hub).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// In-process worker: progress and terminal events reach connected
	// websocket clients directly. Scale-out deployments run `worker`
	// processes instead and rely on status polling plus webhooks.
	var asynqSrv *asynq.Server
	if embeddedWorker {
		pricer, err := loadPricer(feeSchedulePath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("fee schedule load failed")
		}

		runner := pipeline.NewRunner(pipeline.RunnerConfig{
			Encounters: encounters,
			Reports:    reports,
			Resolver:   resolver,
			Engine:     comparison.NewEngine(),
			NLP:        nlp.NewClient(cfg.NLPBaseURL, cfg.CallTimeout(), logger),
			AI:         aireview.NewClient(cfg.AIBaseURL, cfg.CallTimeout(), logger),
			Deident:    phi.NewDeidentifier(cfg.PHIConfidenceFloor),
			Pricer:     pricer,
			Retryer:    queue,
			Sinks:      []report.ProgressSink{hub, webhookNotifier},
			Logger:     logger,
		})

		asynqSrv = asynq.NewServer(redisOpt, pipeline.ServerConfig(cfg.PipelineConcurrency))
		if err := asynqSrv.Start(pipeline.Handler(runner)); err != nil {
			logger.Fatal().Err(err).Msg("worker start failed")
		}
		logger.Info().Int("concurrency", cfg.PipelineConcurrency).Msg("embedded worker started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	if asynqSrv != nil {
		asynqSrv.Shutdown()
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker(feeSchedulePath string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	encryptor, err := mappingEncryptor(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("phi encryption setup failed")
	}

	pricer, err := loadPricer(feeSchedulePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("fee schedule load failed")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	queue := pipeline.NewQueue(redisOpt)
	defer queue.Close()

	reports := report.NewService(report.NewRepo(pool), cfg.MaxReportAttempts, logger)
	encounters := encounter.NewService(encounter.NewRepo(pool), reports, encryptor, queue, logger)
	resolver := crosswalk.NewResolver(crosswalk.NewRepo(pool))
	if err := resolver.Warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("crosswalk warm failed; will lazy-load")
	}

	webhookStore := webhook.NewPGStore(pool)
	webhookMgr := webhook.NewManager(webhookStore, cfg.WebhookMaxAttempts, logger)
	webhookNotifier := webhook.NewNotifier(webhookMgr)
	reports.AddNotifier(webhookNotifier)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	dispatcher := webhook.NewDispatcher(webhookStore, logger)
	go dispatcher.Run(runCtx)

	hostname, _ := os.Hostname()
	runner := pipeline.NewRunner(pipeline.RunnerConfig{
		Encounters: encounters,
		Reports:    reports,
		Resolver:   resolver,
		Engine:     comparison.NewEngine(),
		NLP:        nlp.NewClient(cfg.NLPBaseURL, cfg.CallTimeout(), logger),
		AI:         aireview.NewClient(cfg.AIBaseURL, cfg.CallTimeout(), logger),
		Deident:    phi.NewDeidentifier(cfg.PHIConfidenceFloor),
		Pricer:     pricer,
		Retryer:    queue,
		Sinks:      []report.ProgressSink{webhookNotifier},
		WorkerID:   hostname,
		Logger:     logger,
	})

	srv := asynq.NewServer(redisOpt, pipeline.ServerConfig(cfg.PipelineConcurrency))
	if err := srv.Start(pipeline.Handler(runner)); err != nil {
		logger.Fatal().Err(err).Msg("worker start failed")
	}
	logger.Info().
		Str("worker_id", hostname).
		Int("concurrency", cfg.PipelineConcurrency).
		Msg("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down worker")
	srv.Shutdown()
	stop()
	logger.Info().Msg("worker stopped")
	return nil
}
