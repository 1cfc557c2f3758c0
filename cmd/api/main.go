package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/U1805/mew-sub004/internal/app"
	"github.com/U1805/mew-sub004/internal/authpw"
	"github.com/U1805/mew-sub004/internal/config"
	"github.com/U1805/mew-sub004/internal/gateway"
	"github.com/U1805/mew-sub004/internal/search"
	"github.com/U1805/mew-sub004/internal/session"
	"github.com/U1805/mew-sub004/internal/store"
	"github.com/U1805/mew-sub004/internal/upload"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	accounts := authpw.NewService(dataStore)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	var uploads *upload.Service
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploads, err = upload.New(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
	} else {
		log.Printf("no S3 endpoint configured, attachment uploads disabled")
	}

	service := app.New(cfg, dataStore, sessions, accounts, searchService, uploads)

	gatewayLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "gateway")
	hub := gateway.NewHub(gatewayLogger, service, service)
	hub.SetMessageService(service)
	service.SetHub(hub)
	ws := gateway.NewServer(hub, gatewayLogger, cfg.CORSOrigin, cfg.InfraSecret)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/infra", ws.HandleInfraWS)
	mux.HandleFunc("/ws", ws.HandleWS)
	mux.Handle("/", httpServer.Handler())

	// No WriteTimeout: the websocket endpoints hold connections open for the
	// session lifetime.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Mew API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
