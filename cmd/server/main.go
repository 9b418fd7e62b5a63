package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"jetwatch/internal/atproto/followgraph"
	"jetwatch/internal/atproto/identity"
	"jetwatch/internal/atproto/jetstream"
	"jetwatch/internal/config"
	"jetwatch/internal/db/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("Failed to close database connection: %v", closeErr)
		}
	}()

	if err = db.Ping(); err != nil {
		log.Fatal("Failed to ping database:", err)
	}
	log.Println("Connected to database")

	if err = goose.SetDialect("postgres"); err != nil {
		log.Fatal("Failed to set goose dialect:", err)
	}
	if err = goose.Up(db, "internal/db/migrations"); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}
	log.Println("Migrations completed successfully")

	changesRepo := postgres.NewChangeRepository(db)
	monitoringRepo := postgres.NewMonitoringRepository(db)

	resolver := identity.NewResolver(identity.Config{
		PLCDirectoryURL: cfg.PLCDirectoryURL,
		CacheSize:       cfg.IdentityCacheSize,
		HTTPTimeout:     cfg.HTTPTimeout,
	})
	log.Println("Identity resolver initialized with PLC:", cfg.PLCDirectoryURL)

	followClient := followgraph.NewClient("https://public.api.bsky.app", cfg.HTTPTimeout)

	broadcaster := jetstream.NewBroadcaster()

	tempPool := jetstream.NewTempPool(cfg.UpstreamHosts, cfg.TempStreamMax, changesRepo, monitoringRepo, resolver, broadcaster)
	mainStream := jetstream.NewMainStream(cfg.UpstreamHosts, changesRepo, monitoringRepo, resolver, followClient, broadcaster)
	mainStream.SetTempPool(tempPool)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AdminDID != "" {
		if regErr := monitoringRepo.AddMonitoringUser(ctx, cfg.AdminDID); regErr != nil {
			log.Printf("Failed to register admin DID as monitoring user: %v", regErr)
		} else {
			log.Printf("Registered admin DID as monitoring user: %s", cfg.AdminDID)
		}
	}

	if startErr := mainStream.Start(ctx, nil); startErr != nil {
		log.Fatal("Failed to start main stream:", startErr)
	}
	log.Println("Main stream started")

	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Printf("Failed to write health check response: %v", err)
		}
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		snap := jetstream.BuildSnapshot(req.Context(), mainStream, tempPool, monitoringRepo, resolver)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Printf("Failed to encode status response: %v", err)
		}
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Printf("jetwatch listening on port %s", cfg.Port)
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal("HTTP server error:", serveErr)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	mainStream.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
}
