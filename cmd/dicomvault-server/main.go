package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dicomvault/dicomvault/internal/config"
	"github.com/dicomvault/dicomvault/internal/dicom"
	"github.com/dicomvault/dicomvault/internal/domain/dicomops"
	"github.com/dicomvault/dicomvault/internal/domain/study"
	"github.com/dicomvault/dicomvault/internal/domain/upload"
	"github.com/dicomvault/dicomvault/internal/platform/audit"
	"github.com/dicomvault/dicomvault/internal/platform/auth"
	"github.com/dicomvault/dicomvault/internal/platform/blobstore"
	"github.com/dicomvault/dicomvault/internal/platform/db"
	"github.com/dicomvault/dicomvault/internal/platform/middleware"
	"github.com/dicomvault/dicomvault/internal/platform/phi"
	"github.com/dicomvault/dicomvault/internal/platform/telemetry"
	"github.com/dicomvault/dicomvault/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicomvault-server",
		Short: "DICOM de-identification vault",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(anonymizeCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the vault API server",
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
			to, _ := cmd.Flags().GetInt("to")

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

			var count int
			if to > 0 {
				count, err = migrator.UpTo(ctx, to)
			} else {
				count, err = migrator.Up(ctx)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	// migrate status
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

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Validate a DICOM file and print its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if !dicom.IsValid(data) {
				return fmt.Errorf("%s: not a DICOM part-10 file", args[0])
			}
			ds, err := dicom.Parse(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			meta := dicom.Extract(ds)
			out, err := json.MarshalIndent(meta, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func anonymizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anonymize IN OUT",
		Short: "De-identify a DICOM file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			out, report, err := dicom.Anonymize(data)
			if err != nil {
				return fmt.Errorf("anonymize %s: %w", args[0], err)
			}
			if err := os.WriteFile(args[1], out, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (%d values replaced).\n", args[1], report.Count())
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a PHI encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := make([]byte, 32)
			if _, err := crypto_rand.Read(key); err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
}

// resolvePHIKey decodes the configured hex key, or generates an ephemeral
// random key when none is set. An ephemeral key means encrypted PHI columns
// cannot be read back after a restart, so config validation rejects the
// empty setting in production.
func resolvePHIKey(hexKey string) ([]byte, bool, error) {
	if hexKey == "" {
		key := make([]byte, 32)
		if _, err := crypto_rand.Read(key); err != nil {
			return nil, false, err
		}
		return key, true, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, false, fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, false, fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes, got %d", len(key))
	}
	return key, false, nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
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

	// Schema drift is reported, not auto-applied; `migrate up` owns that.
	migrator := db.NewMigrator(pool, cfg.MigrationsDir)
	if statuses, err := migrator.Status(ctx); err != nil {
		logger.Warn().Err(err).Msg("could not determine migration status")
	} else {
		pending := 0
		for _, s := range statuses {
			if !s.Applied {
				pending++
			}
		}
		if pending > 0 {
			logger.Warn().Int("pending", pending).Msg("database schema is behind; run `dicomvault-server migrate up`")
		}
	}

	// Telemetry
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "dicomvault",
		ServiceVersion: version,
		Environment:    cfg.Env,
	})
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.ChunkBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Break-Glass"},
	}))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())

	// Auth middleware
	if cfg.ResolvedAuthMode() == "dev" {
		logger.Warn().Msg("dev auth mode enabled; unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.DevJWTSecret != "" && !cfg.IsProduction() {
			jwtCfg.SigningKey = []byte(cfg.DevJWTSecret)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Break-glass flagging, then the PHI audit trail
	e.Use(middleware.BreakGlass(logger))
	auditRecorder := audit.NewPGRecorder(pool)
	e.Use(audit.Middleware(logger, auditRecorder))

	// Blob store
	var blobs blobstore.Store
	switch cfg.BlobStore {
	case "memory":
		logger.Warn().Msg("using in-memory blob store; objects will not survive a restart")
		blobs = blobstore.NewMemStore()
	default:
		blobs = blobstore.NewPGStore(pool)
	}

	// PHI protection
	phiKey, ephemeral, err := resolvePHIKey(cfg.PHIEncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("PHI encryption key error")
	}
	if ephemeral {
		logger.Warn().Msg("PHI_ENCRYPTION_KEY not set; using an ephemeral key, encrypted PHI will be unreadable after restart")
	}
	encryptor, err := phi.NewEncryptor(phiKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise PHI encryptor")
	}
	pseudonymizer := phi.NewPGPseudonymizer(pool)

	// WebSocket hub, outside /api/v1 so the request timeout does not apply
	hub := websocket.NewHub()
	wsHandler := websocket.NewWebSocketHandler(hub)
	wsHandler.RegisterRoutes(e.Group(""))

	// Domain services
	studyRepo := study.NewStudyRepoPG(pool)
	instanceRepo := study.NewInstanceRepoPG(pool)
	studySvc := study.NewService(pool, studyRepo, instanceRepo, blobs, pseudonymizer, encryptor)
	studySvc.SetPublisher(hub)
	studySvc.SetMetrics(tp.Pipeline())

	sessionRepo := upload.NewSessionRepoPG(pool)
	uploadSvc := upload.NewService(sessionRepo, blobs, studySvc, upload.Limits{
		MaxUploadBytes:   cfg.MaxUploadBytes,
		DefaultChunkSize: cfg.DefaultChunkSize,
		SessionTTL:       cfg.UploadSessionTTL,
	})
	uploadSvc.SetPublisher(hub)
	uploadSvc.SetMetrics(tp.Pipeline())

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	uploadSvc.StartSweeper(sweepCtx, time.Hour, logger)

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Handlers
	uploadHandler := upload.NewHandler(uploadSvc)
	uploadHandler.RegisterRoutes(apiV1)

	studyHandler := study.NewHandler(studySvc)
	studyHandler.RegisterRoutes(apiV1)

	dicomHandler := dicomops.NewHandler(cfg.MaxUploadBytes)
	dicomHandler.SetTelemetry(tp)
	dicomHandler.RegisterRoutes(apiV1)

	auditHandler := audit.NewHandler(auditRecorder)
	auditHandler.RegisterRoutes(apiV1)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Metrics snapshots
	e.GET("/metrics", tp.MetricsHandler())
	e.GET("/metrics/prometheus", tp.PrometheusHandler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		var startErr error
		if cfg.TLSEnabled {
			startErr = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			startErr = e.Start(addr)
		}
		if startErr != nil && startErr != http.ErrServerClosed {
			logger.Fatal().Err(startErr).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
