package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courtbook/internal/booking"
	"courtbook/internal/clubapi"
	"courtbook/internal/config"
	"courtbook/internal/events"
	"courtbook/internal/gateway"
	"courtbook/internal/metrics"
	"courtbook/internal/overlay"
	"courtbook/internal/reconciler"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

func main() {
	cfgPath := os.Getenv("COURTBOOK_CONFIG_PATH")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		bootstrap.Fatal().Err(err).Msg("failed to load config")
	}

	var output io.Writer = os.Stdout
	if cfg.ConsoleLogs() {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(cfg.LogLevel())
	logger := zerolog.New(output).With().Timestamp().Str("service", "courtbook-gateway").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	store, db, err := openOverlayStore(cfg, rdb)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Overlay.Driver).Msg("open overlay store")
	}
	sqliteStore, _ := store.(*overlay.SQLiteStore)
	if sqliteStore != nil {
		defer sqliteStore.Close()
	}

	client := clubapi.NewClient(cfg.Backend.BaseURL, cfg.BackendTimeout())
	if rdb != nil && cfg.ClubCacheTTL() > 0 {
		client.UseRedisCache(rdb, cfg.ClubCacheTTL())
	}
	if cfg.Backend.RateLimitRPS > 0 {
		client.UseRateLimit(cfg.Backend.RateLimitRPS, cfg.Backend.RateLimitBurst)
	}

	auditLogger := logger.With().Str("component", "audit").Logger()
	bus := events.NewBus(&logger)
	for _, eventType := range []string{events.ReservationCreated, events.ReservationCancelled, events.SelectionRejected} {
		bus.Subscribe(eventType, events.AuditLog(&auditLogger))
	}

	rec := reconciler.New(client, overlay.NewCache(store, &logger), &logger)
	rec.UseEvents(bus)
	modals := booking.NewSessionStore(cfg.ModalTimeout())
	flow := booking.NewFlow(rec, &logger)
	srv := gateway.NewServer(rec, flow, modals, &logger, cfg.Gateway.AllowedOrigins)

	if err := config.Watch(ctx, cfgPath, 30*time.Second, func(updated *config.Config) {
		zerolog.SetGlobalLevel(updated.LogLevel())
		logger.Info().Str("level", updated.LogLevel().String()).Msg("config reloaded")
	}); err != nil {
		logger.Error().Err(err).Msg("config watch failed")
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, client, db, rdb, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	go startCleanupLoop(ctx, cfg.CleanupInterval(), modals, store, &logger)

	if sqliteStore != nil && cfg.BackupEnabled() {
		go startBackupLoop(ctx, sqliteStore, cfg, &logger)
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctxShutdown)
	}()

	logger.Info().
		Int("port", cfg.Gateway.Port).
		Str("backend", cfg.Backend.BaseURL).
		Str("overlay", cfg.Overlay.Driver).
		Msg("gateway started")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("gateway server error")
	}
	logger.Info().Msg("gateway stopped")
}

// openOverlayStore builds the store named by overlay.driver. db is non-nil
// when the store has a database worth probing for readiness.
func openOverlayStore(cfg *config.Config, rdb *redis.Client) (overlay.Store, pinger, error) {
	ttl := cfg.OverlaySessionTTL()
	switch cfg.Overlay.Driver {
	case config.DriverRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis driver without redis client")
		}
		return overlay.NewRedisStore(rdb, ttl), nil, nil
	case config.DriverSQLite:
		store, err := overlay.OpenSQLiteStore(cfg.Overlay.SQLitePath, ttl)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return overlay.NewMemoryStore(ttl), nil, nil
	}
}

func startCleanupLoop(ctx context.Context, interval time.Duration, modals *booking.SessionStore, store overlay.Store, logger *zerolog.Logger) {
	cleaner, _ := store.(overlay.Cleaner)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := modals.Cleanup(); n > 0 {
				logger.Debug().Int("removed", n).Msg("expired booking modals removed")
			}
			if cleaner == nil {
				continue
			}
			n, err := cleaner.Cleanup(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("overlay cleanup failed")
			} else if n > 0 {
				logger.Debug().Int64("removed", n).Msg("expired overlay scopes removed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func startBackupLoop(ctx context.Context, store *overlay.SQLiteStore, cfg *config.Config, logger *zerolog.Logger) {
	// First backup after a short delay so startup is not slowed down.
	select {
	case <-time.After(time.Minute):
		runBackupTask(ctx, store, cfg, logger)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(cfg.BackupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runBackupTask(ctx, store, cfg, logger)
		case <-ctx.Done():
			return
		}
	}
}

func runBackupTask(ctx context.Context, store *overlay.SQLiteStore, cfg *config.Config, logger *zerolog.Logger) {
	dest, err := store.Backup(ctx, cfg.Overlay.BackupPath)
	if err != nil {
		logger.Error().Err(err).Msg("overlay backup failed")
	} else {
		logger.Info().Str("path", dest).Msg("overlay backup completed")
	}

	deleted, err := overlay.CleanupBackups(cfg.Overlay.BackupPath, cfg.BackupRetention(), time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("overlay backup cleanup failed")
	} else if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("cleaned up old overlay backups")
	}
}

func startHealthServer(ctx context.Context, port int, client *clubapi.Client, db pinger, rdb *redis.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if db != nil {
			if err := db.PingContext(ctxPing); err != nil {
				http.Error(w, "overlay db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if err := client.HealthCheck(ctxPing); err != nil {
			http.Error(w, "backend not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
