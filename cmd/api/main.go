package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"reelforge/internal/adapter/repo"
	"reelforge/internal/http/handlers"
	httpapi "reelforge/internal/http/httpapi"
	"reelforge/internal/infra"
	"reelforge/internal/infra/geoip"
	"reelforge/internal/infra/migrate"
	"reelforge/internal/metrics"
	"reelforge/internal/middleware"
	"reelforge/internal/queue"
	"reelforge/internal/storage"
	"reelforge/internal/submission"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if err := cfg.RequireJWT(); err != nil {
		logger.Fatal().Err(err).Msg("api: invalid configuration")
	}

	if cfg.AutoMigrate {
		if err := migrate.NewMigrator(cfg.DatabaseURL, logger).Up(); err != nil {
			logger.Fatal().Err(err).Msg("api: migrations failed")
		}
	}

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	jobs := repo.NewJobRepository(runner)
	users := repo.NewUserRepository(runner, cfg.WelcomeCredits)

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: storage init failed")
	}

	m := metrics.New()

	var signaler queue.Signaler
	if cfg.RedisURL != "" {
		wakeup, err := queue.Dial(ctx, cfg.RedisURL, cfg.WakeupQueue)
		if err != nil {
			// Workers still poll, so a missing wakeup channel only adds latency.
			logger.Warn().Err(err).Msg("api: redis wakeup unavailable")
		} else {
			defer wakeup.Close()
			signaler = wakeup
		}
	}

	submitter := submission.NewService(jobs, store, submission.Options{
		Signaler:      signaler,
		Metrics:       m,
		MaxPhotoBytes: cfg.MaxPhotoBytes,
		Logger:        logger,
	})

	var country middleware.CountryLookup
	resolver, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("api: geoip disabled")
	} else if resolver != nil {
		defer resolver.Close()
		country = resolver.Country
	}

	app := &handlers.App{
		Jobs:          jobs,
		Users:         users,
		Submitter:     submitter,
		PublicURL:     store.PublicURL,
		Ping:          dbpool.Ping,
		Logger:        logger,
		JWTSecret:     cfg.JWTSecret,
		TokenTTL:      cfg.TokenTTL,
		MaxPhotoBytes: cfg.MaxPhotoBytes,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		Observer:        m,
		MetricsHandler:  m.Handler(),
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		DefaultLocale:   cfg.DefaultLocale,
		Country:         country,
		StaticDir:       store.BasePath(),
	})

	server := infra.NewHTTPServer(cfg, ":"+cfg.Port, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
