package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tmc/casebooking/internal/config"
	"github.com/tmc/casebooking/internal/domain/casebooking"
	"github.com/tmc/casebooking/internal/domain/catalog"
	"github.com/tmc/casebooking/internal/domain/settings"
	"github.com/tmc/casebooking/internal/platform/auditlog"
	"github.com/tmc/casebooking/internal/platform/auth"
	"github.com/tmc/casebooking/internal/platform/blobstore"
	"github.com/tmc/casebooking/internal/platform/db"
	"github.com/tmc/casebooking/internal/platform/metrics"
	"github.com/tmc/casebooking/internal/platform/middleware"
	"github.com/tmc/casebooking/internal/platform/notification"
	"github.com/tmc/casebooking/internal/platform/validate"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "casebooking-server",
		Short: "Surgical case booking API server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(refnumCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrationsDir(dir, cfg)).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrationsDir(dir, cfg)).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.MigrationsDir
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
	}
}

func refnumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refnum",
		Short: "Case reference numbers",
	}
	nextCmd := &cobra.Command{
		Use:   "next",
		Short: "Allocate the next case reference number for a country",
		RunE: func(cmd *cobra.Command, args []string) error {
			country, _ := cmd.Flags().GetString("country")
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				svc := newCaseService(pool)
				ref, err := svc.NextReference(ctx, country)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ref)
				return nil
			})
		},
	}
	nextCmd.Flags().String("country", "", "Country code, e.g. SG")
	_ = nextCmd.MarkFlagRequired("country")
	cmd.AddCommand(nextCmd)
	return cmd
}

// withPool loads config and opens a pool for one-shot commands.
func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func newCaseService(pool *pgxpool.Pool, opts ...casebooking.Option) *casebooking.Service {
	return casebooking.NewService(
		db.NewTransactor(pool),
		casebooking.NewCaseRepoPG(pool),
		casebooking.NewHistoryRepoPG(pool),
		casebooking.NewCounterRepoPG(pool),
		casebooking.NewQuantityRepoPG(pool),
		opts...,
	)
}

// newSender builds the email sender selected by NOTIFY_DRIVER. The returned
// closer releases the transport.
func newSender(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (notification.EmailSender, func() error, error) {
	noop := func() error { return nil }
	switch cfg.NotifyDriver {
	case "kafka":
		w := notification.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		return notification.NewKafkaSender(w), w.Close, nil
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, noop, fmt.Errorf("load aws config: %w", err)
		}
		return notification.NewSQSSender(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL), noop, nil
	case "log", "":
		return notification.NewLogSender(logger), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown notify driver %q", cfg.NotifyDriver)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New()
	m.RegisterPool(pool)

	// Collaborators
	blobs, err := blobstore.Open(ctx, cfg.BlobDriver, blobstore.S3Config{
		Bucket:    cfg.BlobS3Bucket,
		Region:    cfg.BlobS3Region,
		Endpoint:  cfg.BlobS3Endpoint,
		PathStyle: cfg.BlobS3PathStyle,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open attachment store")
	}

	sender, closeSender, err := newSender(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build email sender")
	}
	defer closeSender() //nolint:errcheck

	audit := auditlog.New(pool)

	settingsSvc := settings.NewService(settings.NewSettingRepoPG(pool), settings.NewRuleRepoPG(pool))
	dispatcher := notification.NewDispatcher(settingsSvc, notification.NewTemplateEngine(), sender,
		notification.WithLogger(logger),
		notification.WithMetrics(m),
		notification.WithFrom(cfg.NotifyFrom),
	)

	catalogSvc := catalog.NewService(
		catalog.NewDoctorRepoPG(pool),
		catalog.NewProcedureTypeRepoPG(pool),
		catalog.NewInventoryRepoPG(pool),
		catalog.NewDoctorProcedureItemRepoPG(pool),
		logger,
	)

	caseSvc := newCaseService(pool,
		casebooking.WithNotifier(dispatcher),
		casebooking.WithAuditWriter(audit),
		casebooking.WithUsageRecalculator(catalogSvc),
		casebooking.WithBlobStore(blobs),
		casebooking.WithMetrics(m),
		casebooking.WithLogger(logger),
		casebooking.WithDuplicateWindow(cfg.StatusDuplicateWindow),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	v := validate.New()
	if err := casebooking.RegisterValidators(v); err != nil {
		logger.Fatal().Err(err).Msg("failed to register validators")
	}
	e.Validator = v

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(m.Middleware())
	e.Use(middleware.BodyLimit("1M", "20M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger, audit))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1")
	casebooking.NewHandler(caseSvc).RegisterRoutes(apiV1)
	catalog.NewHandler(catalogSvc).RegisterRoutes(apiV1)
	settings.NewHandler(settingsSvc).RegisterRoutes(apiV1)
	auditlog.NewHandler(audit).RegisterRoutes(apiV1)

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
