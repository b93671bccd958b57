package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"inspection/api/internal/app"
	"inspection/api/internal/archival"
	"inspection/api/internal/artifact"
	"inspection/api/internal/config"
	"inspection/api/internal/ledger"
	"inspection/api/internal/logger"
	"inspection/api/internal/report"
	"inspection/api/internal/search"
	"inspection/api/internal/sequence"
	"inspection/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	ctx := context.Background()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal("Invalid inspection timezone", "timezone", cfg.Timezone, "error", err.Error())
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Database connection failed", "error", err.Error())
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal("Migrations failed", "error", err.Error())
	}

	dataStore := store.NewPostgresStore(db)

	var artifacts archival.ArtifactStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Info("Using MinIO for report storage", "endpoint", cfg.MinioEndpoint, "bucket", cfg.MinioBucket)
		artifacts, err = artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.ArtifactPublicURL,
		})
	} else {
		log.Info("Using local directory for report storage", "dir", cfg.ArtifactDir)
		artifacts, err = artifact.NewDirStore(cfg.ArtifactDir, cfg.ArtifactPublicURL)
	}
	if err != nil {
		log.Fatal("Artifact store unavailable", "error", err.Error())
	}

	ledgerClient, err := ledger.NewClient(log, ledger.Config{
		BaseURL: cfg.LedgerURL,
		APIKey:  cfg.LedgerAPIKey,
		Timeout: cfg.LedgerTimeout,
	})
	if err != nil {
		log.Fatal("Ledger client misconfigured", "error", err.Error())
	}
	var anchor ledger.Anchorer = ledgerClient
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("Using Redis for anchor receipt cache")
		redisClient, err := ledger.NewRedisClient(cfg.RedisURL)
		if err != nil {
			log.Fatal("Redis connection failed", "error", err.Error())
		}
		cached := ledger.NewCachedAnchor(ledgerClient, redisClient, cfg.AnchorCacheTTL, log)
		defer cached.Close()
		anchor = cached
	}

	renderer := report.NewRenderer(report.RendererConfig{ExecPath: cfg.ChromePath, Timeout: cfg.RenderTimeout})
	pipeline := archival.NewPipeline(renderer, artifacts, anchor, cfg.ReportBaseURL, log)

	fallback := search.NewPostgres(db)
	var meiliClient *search.Meili
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, fallback, log)
	go searchService.ReindexAll(ctx, fallback.LoadAll)

	service := app.New(cfg, dataStore, pipeline, sequence.NewAllocator(loc), searchService, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Approve renders and anchors synchronously.
		WriteTimeout: cfg.ApproveTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Inspection API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", "error", err.Error())
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", "error", err.Error())
	}
}
