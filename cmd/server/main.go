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

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var reg registry.Registry
	if cfg.RedisAddr != "" {
		reg = registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.DriverTTL)
	} else {
		reg = registry.NewIndex(cfg.DriverTTL)
	}

	var store storage.RideStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer ps.Close()
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	wsreg := dispatch.NewWSRegistry()
	publishers := dispatch.MultiPublisher{wsreg}
	if cfg.RedisAddr != "" {
		rp := dispatch.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword)
		defer rp.Close()
		publishers = append(publishers, rp)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := dispatch.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publishers = append(publishers, kp)
	}
	notifier := dispatch.NewNotifier(publishers, logger)

	rides := lifecycle.NewService(store, logger)
	engine := matcher.NewEngine(reg, rides, notifier, logger, matcher.Config{
		MaxDriversToNotify: cfg.MaxDriversToNotify,
		ResponseTimeout:    cfg.DriverResponseTimeout,
		FallbackLocation:   models.LocationKey{City: cfg.DefaultCity, Area: cfg.DefaultArea},
	})

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.DriverUpdateTopic)
		defer producer.Close()
	}

	api := httpapi.NewServer(httpapi.Deps{
		Registry:        reg,
		Rides:           rides,
		Store:           store,
		Engine:          engine,
		Fare:            fare.FlatRate{BaseFare: cfg.BaseFare, PerKmRate: cfg.PerKmRate},
		Notifier:        notifier,
		Kafka:           producer,
		WSReg:           wsreg,
		ResponseTimeout: cfg.DriverResponseTimeout,
		Logger:          logger,
	})

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
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// runMigrations applies migrations/001_create_rides.sql when requested.
func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	log.Printf("migration applied: 001_create_rides.sql")
}
