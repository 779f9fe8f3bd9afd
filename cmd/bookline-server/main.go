package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bookline/bookline/internal/config"
	"github.com/bookline/bookline/internal/domain/catalog"
	"github.com/bookline/bookline/internal/domain/scheduling"
	"github.com/bookline/bookline/internal/platform/analytics"
	"github.com/bookline/bookline/internal/platform/auth"
	"github.com/bookline/bookline/internal/platform/db"
	"github.com/bookline/bookline/internal/platform/middleware"
	"github.com/bookline/bookline/internal/platform/reporting"
	"github.com/bookline/bookline/internal/platform/telemetry"
)

// version is stamped by the release build via -ldflags.
var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "bookline-server",
		Short: "Appointment scheduling API server",
	}
	root.AddCommand(newServeCmd(), newMigrateCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
}

// openSchema loads config and connects for a migration subcommand.
// The caller owns the returned pool.
func openSchema(ctx context.Context, dir string) (*db.Schema, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.Connect(ctx, db.PoolConfig{
		URL:      cfg.DBURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, nil, err
	}
	return db.NewSchema(pool, dir), pool, nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	// One --dir flag shared by every subcommand.
	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "./migrations", "migrations directory")

	var to int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply migrations not yet run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sch, pool, err := openSchema(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := sch.UpTo(ctx, to)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			if n == 0 {
				fmt.Println("schema is up to date")
				return nil
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}
	up.Flags().IntVar(&to, "to", 0, "stop after this version (0 applies everything)")

	status := &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether each is applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sch, pool, err := openSchema(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			rows, err := sch.Status(ctx)
			if err != nil {
				return fmt.Errorf("read migration status: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
			for _, row := range rows {
				state, applied := "pending", "-"
				if row.RanAt != nil {
					state = "applied"
					applied = row.RanAt.Format(time.DateTime)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", row.Version, row.Name, state, applied)
			}
			return w.Flush()
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the newest migration (unsupported)",
		RunE: func(*cobra.Command, []string) error {
			fmt.Println("rollbacks are not supported; restore from a backup or ship a forward migration")
			return nil
		},
	}

	cmd.AddCommand(up, status, down)
	return cmd
}

// newLogger returns a console logger in development and JSON lines
// elsewhere. It reads the raw environment because the logger must exist
// before config loads.
func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// resolveRateLimit builds the API rate limit from the loaded settings,
// falling back to defaults when the configured rate is unusable.
func resolveRateLimit(rps float64, burst int) middleware.Rate {
	if rps <= 0 {
		return middleware.DefaultRate()
	}
	r := middleware.Rate{PerSecond: rps, Burst: burst}
	if r.Burst <= 0 {
		r.Burst = middleware.DefaultRate().Burst
	}
	return r
}

// newCacheBackend selects the response cache backend: Redis when REDIS_URL is
// set and reachable, in-memory otherwise. The in-memory backend evicts expired
// entries on a background sweep tied to ctx.
func newCacheBackend(ctx context.Context, redisURL string, logger zerolog.Logger) middleware.CacheBackend {
	if redisURL != "" {
		backend, err := middleware.NewRedisCache(redisURL, logger)
		if err == nil {
			logger.Info().Msg("response cache backed by redis")
			return backend
		}
		logger.Warn().Err(err).Msg("redis unavailable, using in-memory response cache")
	}
	backend := middleware.NewMemoryCache()
	backend.StartSweep(ctx, time.Minute)
	return backend
}

// txRunner adapts db.RunInTx to the scheduling.TxRunner interface so the
// booking service can demand a transaction without importing pgx.
type txRunner struct {
	pool *pgxpool.Pool
}

func (r *txRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, r.pool, fn)
}

func liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func run() error {
	log := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	// The signal context drives every background worker; a SIGINT or
	// SIGTERM cancels them all before the listener drains.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, db.PoolConfig{
		URL:      cfg.DBURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database is unreachable")
	}
	defer pool.Close()
	log.Info().Msg("database pool ready")

	tel := telemetry.NewProvider(telemetry.Config{
		Version: version,
		Env:     cfg.Env,
	})
	defer tel.Shutdown(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Order matters here: recovery outermost, then request identity and
	// logging, then the protective limits.
	e.Use(middleware.Recovery(log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(log))
	e.Use(middleware.SecureHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.Timeout(30 * time.Second))
	e.Use(middleware.ScreenWithLogger(log))
	e.Use(emw.CORSWithConfig(emw.CORSConfig{
		AllowOrigins: cfg.CORSAllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(tel.TracingMiddleware())
	e.Use(tel.MetricsMiddleware())

	if cfg.EffectiveAuthMode() == config.AuthModeDev {
		log.Warn().Msg("development auth mode: requests without a token run as the dev admin")
		e.Use(auth.DevIdentity(auth.SkipPublic))
	} else {
		e.Use(auth.JWT(auth.JWTOptions{
			Issuer:   cfg.OIDCIssuer,
			Audience: cfg.OIDCAudience,
			JWKSURL:  cfg.JWKSURL,
			Skipper:  auth.SkipPublic,
		}))
	}

	// Audit and usage tracking sit inside auth so entries carry the
	// caller identity.
	e.Use(middleware.Audit(log))
	tracker := analytics.NewTracker(0)
	e.Use(analytics.Middleware(tracker))

	v1 := e.Group("/api/v1")
	v1.Use(middleware.RateLimit(resolveRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)))

	// ETags and conditional requests apply to every API read. Response
	// caching is limited to the catalog: appointment and availability reads
	// change with every booking, so serving them stale would mislead clients.
	v1.Use(middleware.CacheHeaders(middleware.DefaultCachePolicy()))
	v1.Use(middleware.ConditionalRequests())

	respCache := newCacheBackend(ctx, cfg.RedisURL, log)
	catalogGroup := v1.Group("", middleware.ResponseCache(respCache, 30*time.Second))

	providerRepo := catalog.NewPostgresProviderRepo(pool)
	serviceRepo := catalog.NewPostgresServiceRepo(pool)
	catalogSvc := catalog.NewCatalog(providerRepo, serviceRepo, log)
	catalog.NewHandler(catalogSvc).Mount(catalogGroup)

	// The catalog doubles as the provider/service directory used to
	// validate bookings.
	windowRepo := scheduling.NewPostgresAvailabilityRepo(pool)
	apptRepo := scheduling.NewPostgresAppointmentRepo(pool)
	schedSvc := scheduling.NewService(windowRepo, apptRepo, catalogSvc, &txRunner{pool: pool}, log)
	scheduling.NewHandler(schedSvc).Mount(v1)

	reporting.NewHandler(pool).Mount(v1)

	admin := v1.Group("/admin", auth.RequireAnyRole("admin"))
	analyticsHandler := analytics.NewHandler(tracker)
	analyticsHandler.Mount(admin)
	// Single-URL snapshot alongside the drill-down analytics routes.
	admin.GET("/usage", analyticsHandler.ServiceOverview)

	e.GET("/metrics", tel.PrometheusHandler())
	e.GET("/health", liveness)
	e.GET("/health/db", db.Health(pool))

	// Pool and appointment gauges served on /metrics refresh in the
	// background until shutdown.
	go refreshHealthGauges(ctx, pool, tel.HealthGauges(), 30*time.Second)

	go func() {
		addr := ":" + cfg.HTTPPort
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("http server listening")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server exited")
		}
	}()

	<-ctx.Done()
	// A second signal now kills the process the hard way.
	stop()

	log.Info().Msg("stopping on signal")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(drainCtx); err != nil {
		log.Fatal().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// refreshHealthGauges keeps the DB pool and appointment-count gauges current.
// Runs until ctx is cancelled.
func refreshHealthGauges(ctx context.Context, pool *pgxpool.Pool, gauges *telemetry.HealthGauges, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			gauges.SetPoolActive(int64(stat.AcquiredConns()))
			gauges.SetPoolIdle(int64(stat.IdleConns()))

			queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			var total int64
			if err := pool.QueryRow(queryCtx, `SELECT COUNT(*) FROM appointment`).Scan(&total); err == nil {
				gauges.SetAppointmentsTotal(total)
			}
			cancel()
		}
	}
}
