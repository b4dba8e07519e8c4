package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"reelforge/internal/adapter/repo"
	"reelforge/internal/delivery"
	"reelforge/internal/infra"
	"reelforge/internal/infra/credentials"
	"reelforge/internal/metrics"
	"reelforge/internal/providers/kie"
	"reelforge/internal/providers/prompt"
	"reelforge/internal/queue"
	"reelforge/internal/rotator"
	"reelforge/internal/storage"
	"reelforge/internal/worker"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	creds := credentials.NewStore(runner)

	keyList := rotator.LoadKeys(cfg.KIE.APIKey, "KIE_API_KEY", os.Getenv)
	if stored, err := creds.GenerationKeys(ctx); err != nil {
		logger.Warn().Err(err).Msg("worker: stored generation keys unavailable")
	} else {
		keyList = rotator.MergeKeys(keyList, stored)
	}
	keys, err := rotator.New("kie_keys", keyList, rotator.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: no KIE api keys configured")
	}

	proxyList, proxyErrs := rotator.ParseProxyList(cfg.ProxyList)
	if stored, err := creds.Proxies(ctx); err != nil {
		logger.Warn().Err(err).Msg("worker: stored proxies unavailable")
	} else {
		parsed, errs := rotator.ParseProxyList(strings.Join(stored, "\n"))
		proxyList = rotator.MergeKeys(proxyList, parsed)
		proxyErrs = append(proxyErrs, errs...)
	}
	for _, perr := range proxyErrs {
		logger.Warn().Err(perr).Msg("worker: proxy skipped")
	}
	var proxies *rotator.Rotator
	if len(proxyList) > 0 {
		proxies, err = rotator.New("proxies", proxyList, rotator.WithLogger(logger), rotator.WithMask(rotator.MaskProxy))
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: proxy pool init failed")
		}
	}

	store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage init failed")
	}

	provider := kie.NewClient(kie.Options{
		BaseURL: cfg.KIE.BaseURL,
		Model:   cfg.KIE.Model,
		Logger:  &logger,
	})

	var prompts prompt.Builder = prompt.NewStaticBuilder()
	if strings.TrimSpace(cfg.OpenAI.APIKey) != "" {
		builder, err := prompt.NewOpenAIBuilder(prompt.OpenAIOptions{
			APIKey:  cfg.OpenAI.APIKey,
			Model:   cfg.OpenAI.Model,
			BaseURL: cfg.OpenAI.BaseURL,
			OnFallback: func(reason string, err error) {
				logger.Warn().Err(err).Str("reason", reason).Msg("worker: prompt builder fell back to static prompt")
			},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("worker: openai prompt builder disabled")
		} else {
			prompts = builder
		}
	}

	notifiers := delivery.Multi{delivery.NewLogNotifier(logger)}
	if cfg.AMQPURL != "" {
		amqpNotifier, closeAMQP, err := delivery.DialAMQP(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: amqp init failed")
		}
		defer func() { _ = closeAMQP() }()
		notifiers = append(notifiers, amqpNotifier)
	}
	if cfg.Telegram.BotToken != "" {
		notifiers = append(notifiers, delivery.NewTelegramNotifier(delivery.TelegramOptions{
			BotToken:       cfg.Telegram.BotToken,
			BaseURL:        cfg.Telegram.BaseURL,
			SupportContact: cfg.SupportContact,
			DefaultLocale:  cfg.DefaultLocale,
			Logger:         logger,
		}))
	}

	var waiter queue.Waiter
	if cfg.RedisURL != "" {
		wakeup, err := queue.Dial(ctx, cfg.RedisURL, cfg.WakeupQueue)
		if err != nil {
			logger.Warn().Err(err).Msg("worker: redis wakeup unavailable, polling only")
		} else {
			defer wakeup.Close()
			waiter = wakeup
		}
	}

	m := metrics.New()
	m.StartPusher(ctx, cfg.PushgatewayURL, "reelforge_worker", cfg.PushInterval, logger)

	admin := chi.NewRouter()
	admin.Method(http.MethodGet, "/metrics", m.Handler())
	admin.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	adminServer := infra.NewHTTPServer(cfg, ":"+cfg.Worker.AdminPort, admin)
	go func() {
		logger.Info().Str("addr", adminServer.Addr()).Msg("worker: admin endpoint listening")
		if err := adminServer.Start(); err != nil {
			logger.Error().Err(err).Msg("worker: admin server failed")
		}
	}()

	w, err := worker.New(worker.Config{
		Concurrency:        cfg.Worker.Concurrency,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		ClaimInterval:      cfg.Worker.ClaimInterval,
		CreateTimeout:      cfg.Worker.CreateTimeout,
		PollInterval:       cfg.Worker.PollInterval,
		PollRequestTimeout: cfg.Worker.PollRequestTimeout,
		PollTimeout:        cfg.Worker.PollTimeout,
		MaxPollFailures:    cfg.Worker.MaxPollFailures,
		DownloadTimeout:    cfg.Worker.DownloadTimeout,
		SweepInterval:      cfg.Worker.SweepInterval,
		StuckAfter:         cfg.Worker.StuckAfter,
		ProxyCooldown:      cfg.ProxyCooldown,
		RetryNotices:       cfg.Worker.RetryNotices,
		DefaultLocale:      cfg.DefaultLocale,
	}, worker.Deps{
		Jobs:     repo.NewJobRepository(runner),
		Provider: provider,
		Prompts:  prompts,
		Store:    store,
		Keys:     keys,
		Proxies:  proxies,
		Notifier: notifiers,
		Waiter:   waiter,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: init failed")
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: admin shutdown failed")
	}
}
