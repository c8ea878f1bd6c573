package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xelth-com/eckdisplay/internal/buildinfo"
	"github.com/xelth-com/eckdisplay/internal/codes"
	"github.com/xelth-com/eckdisplay/internal/config"
	"github.com/xelth-com/eckdisplay/internal/database"
	"github.com/xelth-com/eckdisplay/internal/directory"
	"github.com/xelth-com/eckdisplay/internal/dispatch"
	"github.com/xelth-com/eckdisplay/internal/handlers"
	"github.com/xelth-com/eckdisplay/internal/lockout"
	"github.com/xelth-com/eckdisplay/internal/logging"
	"github.com/xelth-com/eckdisplay/internal/pairing"
	"github.com/xelth-com/eckdisplay/internal/plans"
	"github.com/xelth-com/eckdisplay/internal/registry"
	"github.com/xelth-com/eckdisplay/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.LogConfig{}, buildinfo.Version()).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log, buildinfo.Version())

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	log.Info("synchronizing database schema")
	if err := database.Migrate(db.DB); err != nil {
		log.Error("migration failed", "error", err)
		db.Close()
		os.Exit(1)
	}

	dir := directory.NewStore(db.DB)
	planStore := plans.NewStore(db.DB)
	conns := registry.New()

	hub := websocket.NewHub(conns, log)
	dispatcher := dispatch.New(dir, planStore, conns, hub, log)

	opts := []pairing.Option{pairing.WithRegistrationTTL(cfg.Pairing.RegistrationCodeTTL)}
	if cfg.Redis.Addr != "" {
		rdb := lockout.NewClient(cfg.Redis.Addr, cfg.Redis.Password)
		defer rdb.Close()
		guard := lockout.New(rdb, cfg.Redis.MaxFailures, time.Duration(cfg.Redis.LockoutSeconds)*time.Second)

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := guard.Ping(pingCtx); err != nil {
			log.Warn("redis unreachable, claim lockout degraded", "addr", cfg.Redis.Addr, "error", err)
		} else {
			log.Info("claim lockout enabled", "addr", cfg.Redis.Addr, "max_failures", cfg.Redis.MaxFailures)
		}
		cancel()
		opts = append(opts, pairing.WithGuard(guard))
	} else {
		log.Info("claim lockout disabled, REDIS_ADDR not set")
	}

	gen := codes.NewGenerator(dir, codes.WithMaxAttempts(cfg.Pairing.CodeMaxAttempts))
	coordinator := pairing.New(dir, gen, dispatcher, log, opts...)
	hub.SetLifecycle(coordinator)

	if err := coordinator.PurgeOrphaned(context.Background()); err != nil {
		log.Warn("failed to purge orphaned pending devices", "error", err)
	}

	router := handlers.NewRouter(handlers.Deps{
		Coordinator:   coordinator,
		Dispatcher:    dispatcher,
		Plans:         planStore,
		Gateway:       hub,
		JWTSecret:     cfg.JWTSecret,
		PublicBaseURL: cfg.PublicBaseURL,
		Health:        db.Ping,
		Connections:   hub.Len,
		Log:           log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.NodeEnv, "public_url", cfg.PublicBaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	log.Info("shutting down gracefully", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown error", "error", err)
	}

	// Hijacked websocket connections are not covered by Shutdown
	hub.CloseAll()

	log.Info("closing database connection")
	if err := db.Close(); err != nil {
		log.Warn("database close error", "error", err)
	}

	log.Info("shutdown complete")
}
