package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/apptflow/internal/config"
	"github.com/ehr/apptflow/internal/domain/appointment"
	"github.com/ehr/apptflow/internal/platform/auth"
	"github.com/ehr/apptflow/internal/platform/db"
	"github.com/ehr/apptflow/internal/platform/events"
	"github.com/ehr/apptflow/internal/platform/logging"
	"github.com/ehr/apptflow/internal/platform/metrics"
	"github.com/ehr/apptflow/internal/platform/middleware"
	"github.com/ehr/apptflow/internal/platform/webhook"
	"github.com/ehr/apptflow/internal/platform/websocket"
	"github.com/ehr/apptflow/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "apptflow-server",
		Short:        "Appointment negotiation API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
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
		Short: "Manage the database schema",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationFiles(dir)))
}

// migrationFiles prefers an on-disk directory so operators can ship
// hotfix migrations without a rebuild.
func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "apptflow",
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:       cfg.LogLevel,
		Development: cfg.IsDev(),
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogFileMaxSizeMB,
		MaxBackups:  cfg.LogFileMaxBackups,
		MaxAgeDays:  cfg.LogFileMaxAgeDays,
		Compress:    true,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().
			Str("user_header", auth.DevUserIDHeader).
			Str("role_header", auth.DevRoleHeader).
			Msg("development auth is active: callers are trusted from request headers; do not expose this server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()

	for _, run := range a.runners {
		go func(run func(context.Context) error) {
			if err := run(ctx); err != nil {
				logger.Error().Err(err).Msg("background worker stopped")
			}
		}(run)
	}

	addr := ":" + cfg.Port
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// app is the wired server: HTTP surface, engine, realtime hub and the
// background loops and resources that live as long as the process.
type app struct {
	echo    *echo.Echo
	svc     *appointment.Service
	hub     *websocket.Hub
	metrics *metrics.Metrics
	runners []func(context.Context) error
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.close)

	// The hub authorizes subscriptions through the service, which in turn
	// publishes into the hub.
	var svc *appointment.Service
	a.hub = websocket.NewHub(websocket.AuthorizerFunc(func(ctx context.Context, id auth.Identity, topic string) error {
		return appointment.NewSubscriptionAuthorizer(svc).CanSubscribe(ctx, id, topic)
	}), logger.With().Str("component", "websocket").Logger())

	publisher, err := a.buildPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	svc = appointment.NewService(st.appts, st.msgs,
		appointment.WithGuard(appointment.Guard{OpenTerminalThreads: cfg.MessagingTerminalOpen}),
		appointment.WithPublisher(publisher),
		appointment.WithMetrics(a.metrics),
		appointment.WithLogger(logger.With().Str("component", "appointment").Logger()),
	)
	a.svc = svc

	a.echo = a.buildEcho(cfg, logger, st)
	ok = true
	return a, nil
}

type store struct {
	kind  string
	appts appointment.AppointmentRepository
	msgs  appointment.MessageRepository
	pool  *pgxpool.Pool
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store: data is lost on restart")
		return &store{
			kind:  config.StoreMemory,
			appts: appointment.NewAppointmentRepoMemory(),
			msgs:  appointment.NewMessageRepoMemory(),
			close: func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")
	return &store{
		kind:  config.StorePostgres,
		appts: appointment.NewAppointmentRepoPG(pool),
		msgs:  appointment.NewMessageRepoPG(pool),
		pool:  pool,
		close: pool.Close,
	}, nil
}

// buildPublisher assembles the event sinks. With Redis configured, local
// websocket delivery goes through the relay so every instance's clients see
// every event exactly once; without it the hub is published to directly.
func (a *app) buildPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	var sinks events.Fanout

	if cfg.NATSURL != "" {
		conn, err := events.ConnectNATS(cfg.NATSURL, "apptflow")
		if err != nil {
			return nil, err
		}
		p := events.NewNATSPublisher(conn, cfg.NATSSubjectPrefix)
		a.closers = append(a.closers, func() { _ = p.Close() })
		sinks = append(sinks, p)
		logger.Info().Str("url", cfg.NATSURL).Msg("publishing events to NATS")
	}

	if len(cfg.KafkaBrokers) > 0 {
		p := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, func() { _ = p.Close() })
		sinks = append(sinks, p)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing events to Kafka")
	}

	if len(cfg.WebhookURLs) > 0 {
		d, err := webhook.NewDispatcher(
			webhook.Endpoints(cfg.WebhookURLs, cfg.WebhookSecret, cfg.WebhookEvents),
			webhook.WithLogger(logger.With().Str("component", "webhook").Logger()),
		)
		if err != nil {
			return nil, err
		}
		a.runners = append(a.runners, d.Run)
		sinks = append(sinks, d)
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("delivering events to webhooks")
	}

	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		relay := events.NewRedisRelay(client, cfg.RedisChannel, a.hub, logger.With().Str("component", "redis_relay").Logger())
		a.runners = append(a.runners, relay.Run)
		sinks = append(sinks, relay)
		logger.Info().Str("channel", cfg.RedisChannel).Msg("relaying events through Redis")
	} else {
		sinks = append(sinks, a.hub)
	}

	return sinks, nil
}

func (a *app) buildEcho(cfg *config.Config, logger zerolog.Logger, st *store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserIDHeader, auth.DevRoleHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if st.pool != nil {
		pool := st.pool
		e.GET("/health/db", db.HealthHandler(st.kind, pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	} else {
		e.GET("/health/db", db.HealthHandler(st.kind, nil, nil))
	}
	if a.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
	}

	rateLimit := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}
	api := e.Group("/api/v1", authMiddleware(cfg), middleware.RateLimit(rateLimit), middleware.Audit(logger))

	appointment.NewHandler(a.svc).RegisterRoutes(api)
	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(api)

	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}
