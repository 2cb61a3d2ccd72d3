package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"pairprog/internal/api"
	"pairprog/internal/autocomplete"
	"pairprog/internal/bus"
	"pairprog/internal/config"
	"pairprog/internal/database"
	"pairprog/internal/rooms"
	"pairprog/internal/routers"
	"pairprog/internal/session"
	"pairprog/internal/utils"
)

const shutdownTimeout = 30 * time.Second

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	exitFunc       = defaultExit
	exit           = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log.Printf("pairprog: %v", err)
	exit(1)
}

func run(ctx context.Context) error {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	db, err := database.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(db) }()

	engine, err := autocomplete.NewEngine()
	if err != nil {
		return err
	}

	registry := session.NewRegistry(cfg.MaxRoomMembers)
	relay := session.NewRelay(registry, logger)
	handlers := api.NewHandlers(logger, cfg, rooms.NewRoomRepository(db), relay, engine)
	handlers.AddReadinessCheck("database", pingDatabase(db))

	if cfg.RedisAddr != "" {
		relayBus, err := bus.NewRedisBus(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return err
		}
		defer func() { _ = relayBus.Close() }()

		relay.SetPublisher(relayBus)
		handlers.AddReadinessCheck("redis", relayBus.Ping)

		subCtx, cancelSub := context.WithCancel(ctx)
		defer cancelSub()
		go func() {
			if err := relayBus.Subscribe(subCtx, nil, relay.DeliverRemote); err != nil {
				logger.Error("relay bus subscription ended", zap.Error(err))
			}
		}()
		logger.Info("cross-instance relay enabled",
			zap.String("redis", cfg.RedisAddr),
			zap.String("instance", relayBus.InstanceID()))
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)
	r.Mount("/", routers.New(handlers, cfg.CORSAllowedOrigins))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pairprog relay listening", zap.String("addr", srv.Addr), zap.String("db", cfg.DBDriver))
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("pairprog relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	shutdownErr := srv.Shutdown(shutdownCtx)
	registry.CloseAll()
	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}

	logger.Info("pairprog relay exited")
	return nil
}

func pingDatabase(db *gorm.DB) api.ReadinessCheck {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
