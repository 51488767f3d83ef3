package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"channelhub.cn/internal/auth"
	"channelhub.cn/internal/config"
	"channelhub.cn/internal/feishu"
	"channelhub.cn/internal/httpapi"
	"channelhub.cn/internal/obs"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Postgres when a DSN is configured, the in-memory store otherwise;
	// /readyz pings the DB in the first case.
	var db *sql.DB
	var store auth.Store = auth.NewMemoryStore()
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = auth.NewPGStore(db)
	}

	svc, err := auth.NewService(store, cfg.TokenSecret)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	var provider httpapi.IdentityProvider
	if cfg.FeishuAppID != "" {
		provider = feishu.New(cfg.FeishuAppID, cfg.FeishuAppSecret,
			feishu.WithBaseURL(cfg.FeishuBaseURL))
	}

	api := httpapi.New(svc, httpapi.Options{
		Provider:   provider,
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
		Production: cfg.Production(),
	})

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.RateLimit(api.Handler(), cfg.RateBurst, cfg.RatePerSec),
						1<<20),
					cfg.CORSOrigins))))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting channelhub-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
