package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bugbase/api/internal/app"
	"bugbase/api/internal/authpw"
	"bugbase/api/internal/config"
	"bugbase/api/internal/dupdetect"
	"bugbase/api/internal/email"
	"bugbase/api/internal/export"
	"bugbase/api/internal/feed"
	"bugbase/api/internal/notify"
	"bugbase/api/internal/session"
	"bugbase/api/internal/store"
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
	accounts := authpw.NewService(dataStore, cfg.AdminToken)

	var meiliClient *dupdetect.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = dupdetect.NewMeili(cfg.MeiliURL, cfg.MeiliKey)
		defer meiliClient.Close()
	}
	duplicates := dupdetect.NewService(meiliClient, dupdetect.NewScan(dataStore))

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	dispatcher := notify.NewDispatcher(dataStore, emailService)

	var sessions interface {
		SaveRefreshSession(context.Context, string, store.User, time.Time) error
		LookupRefreshSession(context.Context, string) (store.User, error)
		RevokeRefreshSession(context.Context, string) error
	} = dataStore
	var changeFeed *feed.Redis
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore

		changeFeed, err = feed.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis feed connection failed: %v", err)
		}
		defer changeFeed.Close()
	} else {
		log.Printf("Using PostgreSQL for refresh token storage")
	}

	var exporter *export.Service
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		objectStore, err := export.NewMinioStore(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		exporter = export.NewService(dataStore, objectStore)
	}

	var service *app.Service
	if changeFeed != nil {
		service = app.New(cfg, dataStore, sessions, accounts, dispatcher, duplicates, duplicates, changeFeed, exporter)
	} else {
		service = app.New(cfg, dataStore, sessions, accounts, dispatcher, duplicates, duplicates, nil, exporter)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// WriteTimeout stays off so the /api/issues/stream SSE
		// connections are not cut mid-stream.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Bugbase API listening on %s", cfg.Addr)
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
