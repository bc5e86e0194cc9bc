package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/events"
	"caseflow/internal/feed"
	"caseflow/internal/notify"
	"caseflow/internal/realtime"
	"caseflow/internal/search"
	"caseflow/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "caseflow-api").Logger()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		log.Info().Strs("versions", applied).Msg("migrations applied")
	}

	dataStore := store.NewPostgresStore(db)

	changeFeed, err := feed.New(cfg.RedisURL, cfg.FeedChannel, log)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer changeFeed.Close()

	publisher, err := events.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connection failed")
	}
	defer publisher.Close()

	var primary search.Searcher
	var indexer search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, log)
		defer meili.Close()
		primary, indexer = meili, meili
	}
	searchService := search.NewService(primary, search.NewPG(db), indexer, log)

	notifier := notify.New(cfg.NotifyDismissAfter)
	defer notifier.Close()

	service := app.New(cfg, dataStore, changeFeed, publisher, searchService, notifier, log)
	if err := service.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap error, will retry on next restart")
	}

	view := realtime.NewView(dataStore)
	if err := view.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("initial view load failed")
	}
	unsubscribe, err := changeFeed.Subscribe(ctx, feed.Handlers{
		OnInsert: func(req store.Request) { view.ApplyInsert(req) },
		OnUpdate: func(req store.Request) { view.ApplyUpdate(req) },
		OnDelete: func(requestID string) { view.ApplyDelete(requestID) },
		OnReconnect: func() {
			if err := view.Reconcile(context.Background()); err != nil {
				log.Warn().Err(err).Msg("view reconcile after reconnect failed")
			}
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("feed subscription failed")
	}
	defer unsubscribe()

	httpServer := app.NewHTTPServer(service, view, cfg.TokenSecret, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("caseflow API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
