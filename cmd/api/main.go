package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"inkwell/api/internal/app"
	"inkwell/api/internal/cache"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/config"
	"inkwell/api/internal/gitrepo"
	"inkwell/api/internal/logging"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/transport"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("inkwell api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	if err := os.MkdirAll(cfg.RevisionsDir, 0o755); err != nil {
		return fmt.Errorf("create revisions dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	var contentStore collab.ContentStore = dataStore
	var checks []app.Check
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := cache.NewRedisStore(cfg.RedisURL, dataStore, cfg.RedisCacheTTL, log.Named("cache"))
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		contentStore = redisStore
		checks = append(checks, app.Check{Name: "redis", Ping: redisStore.Ping})
		log.Info("content cache enabled", zap.Duration("ttl", cfg.RedisCacheTTL))
	}

	gitService := gitrepo.New(cfg.RevisionsDir)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.Named("meili"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log.Named("search"))
	go searchService.ReindexAllFromPG(ctx, pgfts)

	gateway := collab.NewGateway(contentStore, log.Named("collab"), collab.Options{
		Debounce:     cfg.FlushDebounce,
		HistoryLimit: cfg.HistoryLimit,
		SaveHooks:    []collab.SaveHook{gitService.Commit, searchService.IndexContent},
	})

	service := app.New(gateway, dataStore, gitService, searchService, log.Named("app"), checks...)
	ws := transport.NewHandler(gateway, cfg.JWTSecret, cfg.SendBuffer, log.Named("ws"))
	httpServer := app.NewHTTPServer(service, ws, cfg.CORSOrigin, log.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.Run(loopCtx)
	})
	g.Go(func() error {
		log.Info("inkwell api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown error", zap.Error(err))
		}
		// upgraded sockets outlive server.Shutdown
		ws.CloseAll()
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			log.Warn("collab shutdown did not drain", zap.Error(err))
		}
		stopLoop()
		return nil
	})
	return g.Wait()
}
