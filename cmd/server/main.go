package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/liveness"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/ws"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var pres presence.Store
	if cfg.RedisAddr != "" {
		pres = presence.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory presence store")
		pres = presence.NewMemory()
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN)
		}
		pg, err := storage.NewPostgres(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory ride store")
		store = storage.NewMemory()
	}

	reg := registry.New()
	locRelay := relay.NewLocationRelay(pres, reg, cfg.RelayInterval, logging.Component(logger, "location_relay"))

	var settlement ride.Settlement
	var holds httpapi.Payments
	if os.Getenv("STRIPE_API_KEY") != "" {
		sc := payments.NewStripeClient()
		settlement = sc
		holds = sc
	}

	lifecycle := &ride.Controller{
		Store:      store,
		Presence:   pres,
		Registry:   reg,
		Relay:      locRelay,
		Settlement: settlement,
		Logger:     logging.Component(logger, "lifecycle"),
	}
	orchestrator := &dispatch.Orchestrator{
		Presence:  pres,
		Store:     store,
		Registry:  reg,
		Lifecycle: lifecycle,
		Rounds: []dispatch.Round{
			{RadiusKm: cfg.Round1RadiusKm, Window: cfg.RoundWindow},
			{RadiusKm: cfg.Round2RadiusKm, Window: cfg.RoundWindow},
		},
		Logger: logging.Component(logger, "dispatch"),
	}
	signaling := &relay.SignalingRelay{
		Store:    store,
		Registry: reg,
		Logger:   logging.Component(logger, "signaling"),
	}
	supervisor := liveness.NewSupervisor(pres, store, cfg.GracePeriod, logging.Component(logger, "liveness"))

	var publisher ws.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	wsHandler := &ws.Handler{
		Registry:     reg,
		Presence:     pres,
		Store:        store,
		Lifecycle:    lifecycle,
		Signaling:    signaling,
		Liveness:     supervisor,
		Ingest:       publisher,
		PingInterval: cfg.PingInterval,
		Logger:       logging.Component(logger, "ws"),
	}

	api := httpapi.NewServer(store, pres, orchestrator, lifecycle, wsHandler, holds, cfg.PickupCodeLen, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_init.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	start := time.Now()
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	log.Printf("migration applied: 001_init.sql (%s)", time.Since(start))
}
