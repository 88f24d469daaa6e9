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

	_ "github.com/lib/pq"

	"github.com/safeharborhq/compliance-vault/internal/archive"
	"github.com/safeharborhq/compliance-vault/internal/config"
	"github.com/safeharborhq/compliance-vault/internal/export"
	"github.com/safeharborhq/compliance-vault/internal/httpserver"
	"github.com/safeharborhq/compliance-vault/internal/retention"
	"github.com/safeharborhq/compliance-vault/internal/stream"
	"github.com/safeharborhq/compliance-vault/internal/vault"
)

func main() {
	cfg := config.LoadFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store vault.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[startup] db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("[startup] db ping: %v", err)
		}
		store = vault.NewPGStore(db)
	} else {
		log.Printf("[startup] DATABASE_URL not set, using in-memory store (entries will not survive restarts)")
		store = vault.NewMemoryStore()
	}

	var archiver archive.Archiver
	if cfg.S3Bucket != "" {
		a, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("[startup] s3 archiver init: %v", err)
		}
		archiver = a
	}

	ledger := vault.NewLedger(store)
	verifier := vault.NewVerifier(store)
	rm := retention.NewManager(store, archiver, cfg.RetentionDays)
	exporter := export.NewExporter(store, archiver)

	go rm.Run(ctx, cfg.SweepInterval)

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := stream.NewKafkaProducer(stream.ProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("[startup] kafka producer init: %v", err)
		}
		streamer := stream.NewStreamer(store, producer, stream.Config{})
		go func() {
			if err := streamer.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("[startup] streamer stopped: %v", err)
			}
		}()
	}

	server := httpserver.New(cfg, store, ledger, verifier, rm, exporter)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("compliance vault listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
