package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/backlogman/notifier/internal/broker"
	"github.com/backlogman/notifier/internal/config"
	"github.com/backlogman/notifier/internal/database"
	"github.com/backlogman/notifier/internal/listener"
	"github.com/backlogman/notifier/internal/logging"
	"github.com/backlogman/notifier/internal/notify"
	"github.com/backlogman/notifier/internal/registry"
	"github.com/backlogman/notifier/internal/router"
	sentryscrub "github.com/backlogman/notifier/internal/sentry"
	"github.com/backlogman/notifier/internal/services"
	"github.com/backlogman/notifier/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	brokerPingWait  = 5 * time.Second
)

func main() {
	envErr := godotenv.Load()

	// Initialize structured logging (reads LOGGING_LEVEL env var)
	logging.Initialize()
	if envErr != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg := config.Load()

	fs := pflag.NewFlagSet("backlogman-notifier", pflag.ContinueOnError)
	port := fs.StringP("port", "p", cfg.Port, "listen port")
	serviceToken := fs.String("service-token", "", "print a notify service token for the named service and exit")
	tokenTTL := fs.Duration("token-ttl", 365*24*time.Hour, "lifetime of a token printed by --service-token")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("failed to parse command line arguments", slog.String("error", err.Error()))
		os.Exit(2)
	}
	cfg.Port = *port

	if *serviceToken != "" {
		token, err := services.NewAuthService(cfg.NotifySecret).GenerateServiceToken(*serviceToken, *tokenTTL)
		if err != nil {
			slog.Error("failed to sign service token", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("relay stopped", slog.Any("error", logging.WrapError(err, "run")))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentryscrub.Options(cfg.SentryDSN, cfg.SentryEnvironment)); err != nil {
			slog.Warn("sentry disabled", slog.String("error", err.Error()))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared session/user store
	sqlDB, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	bridge, err := newSessionBridge(cfg, sqlDB)
	if err != nil {
		return err
	}

	bus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	// The registry outlives ctx so sockets can unregister during shutdown.
	regCtx, stopRegistry := context.WithCancel(context.Background())
	defer stopRegistry()
	reg := registry.New(registry.DefaultQueueSize)
	go reg.Run(regCtx)

	l := listener.New(listener.Config{
		Subscriber:  bus,
		Channel:     cfg.NotificationChannel,
		Broadcaster: reg,
		MinBackoff:  cfg.BrokerReconnectMin,
		MaxBackoff:  cfg.BrokerReconnectMax,
	})
	if err := l.Start(ctx); err != nil {
		return err
	}

	publisher := notify.New(bus, cfg.NotificationChannel)
	handler, stopRouter := router.New(cfg, router.Deps{
		Registry:  reg,
		Bridge:    bridge,
		Publisher: publisher,
	})
	defer stopRouter()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			slog.String("addr", server.Addr),
			slog.String("channel", cfg.NotificationChannel),
			slog.String("session_engine", cfg.SessionEngine))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		slog.Info("server shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", slog.String("error", err.Error()))
	}
	// Shutdown does not track upgraded connections.
	if err := reg.Shutdown(shutdownCtx); err != nil {
		slog.Warn("client connections still open", slog.String("error", err.Error()))
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		slog.Warn("queued notifications not published", slog.String("error", err.Error()))
	}

	<-l.Done()
	stopRegistry()
	<-reg.Done()
	return nil
}

// newSessionBridge picks the session engine the main application runs with.
// Basic credentials are always checked against the user table.
func newSessionBridge(cfg *config.Config, db *sql.DB) (*services.SessionBridge, error) {
	users := store.NewUsers(db)

	var sessions services.SessionResolver
	switch cfg.SessionEngine {
	case config.SessionEngineDB:
		sessions = store.NewSessions(db, users)
	case config.SessionEngineSignedCookies:
		sessions = services.NewSignedCookieSessions(services.NewAuthService(cfg.SessionSecret))
	default:
		return nil, fmt.Errorf("unknown SESSION_ENGINE %q", cfg.SessionEngine)
	}
	return services.NewSessionBridge(sessions, users, cfg.SessionCookieName), nil
}

// newBus connects to redis when configured. Without REDIS_URL the relay
// uses the in-process bus, which only carries events published through
// this process's notify endpoint.
func newBus(ctx context.Context, cfg *config.Config) (broker.Bus, error) {
	if !cfg.UsesRedis() {
		slog.Warn("REDIS_URL not set, using in-process broker")
		return broker.NewMemory(), nil
	}

	r, err := broker.NewRedis(cfg.RedisURL, cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, brokerPingWait)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		r.Close()
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.RedisURL, err)
	}
	slog.Info("connected to broker", slog.Int("db", cfg.RedisDB))
	return r, nil
}
