package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tokenrelay-gateway/internal/cache"
	"tokenrelay-gateway/internal/config"
	"tokenrelay-gateway/internal/fingerprint"
	"tokenrelay-gateway/internal/handlers"
	"tokenrelay-gateway/internal/httpserver"
	"tokenrelay-gateway/internal/llm"
	"tokenrelay-gateway/internal/metrics"
	"tokenrelay-gateway/internal/models"
	"tokenrelay-gateway/internal/pacing"
	"tokenrelay-gateway/internal/sse"
	"tokenrelay-gateway/pkg/logging/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return run(cmd.Context(), configPath)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	// ----- Config -----
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ----- Logger -----
	logger := logging.NewLogger(logging.Options{Env: cfg.Log.Env, Level: cfg.Log.Level})
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("region", cfg.Region),
		zap.String("port", cfg.Port),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.Bool("upstream_streaming", cfg.Upstream.Streaming),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
		zap.Duration("wait_bound", cfg.Subscriber.WaitBound),
		zap.String("stream_format", cfg.Stream.Format),
		zap.Bool("pacing", cfg.Pacing.Enabled),
		zap.String("store_backend", cfg.Store.Backend),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Store.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Store.RedisAddr,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.Store.RedisAddr),
		)
	}

	// ----- Models catalog store -----
	store := cache.NewStore(cache.StoreConfig{
		Backend: cfg.Store.Backend,
		Prefix:  cfg.Store.Prefix,
	}, redisClient)
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	store = cache.NewLoggingStore(store, cfg.Store.Backend)

	// ----- Upstream client -----
	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		ChatPath:       cfg.Upstream.ChatPath,
		CompletionPath: cfg.Upstream.CompletionPath,
		ModelsPath:     cfg.Upstream.ModelsPath,
		APIKey:         cfg.Upstream.APIKey,
		ConnectTimeout: cfg.Upstream.ConnectTimeout,
		MaxRetries:     cfg.Upstream.MaxRetries,
		BaseBackoff:    cfg.Upstream.BaseBackoff,
	}, logger)
	if err != nil {
		return err
	}
	defer llmClient.Close()

	// ----- Coalescing cache -----
	coalescing := cache.NewCoalescing(cache.CoalescingConfig{
		TTL:    cfg.Cache.TTL,
		Logger: logger,
	})
	defer coalescing.Close()

	reader := llm.NewStreamReader(llmClient, coalescing, llm.ReaderConfig{
		Streaming: cfg.Upstream.Streaming,
		Timeout:   cfg.Upstream.Timeout,
	}, logger)

	// ----- Handlers -----
	format, err := sse.ParseFormat(cfg.Stream.Format)
	if err != nil {
		return err
	}

	completions := handlers.NewCompletionsHandler(
		fingerprint.NewExtractor(fingerprint.Options{
			ChatPrefixLen:    cfg.Fingerprint.ChatPrefixLen,
			CompletionMarker: cfg.Fingerprint.CompletionMarker,
		}),
		coalescing,
		reader,
		newPacer(cfg.Pacing),
		handlers.CompletionsConfig{
			Format:      format,
			WaitBound:   cfg.Subscriber.WaitBound,
			Progressive: cfg.Upstream.Streaming,
		},
	)
	modelsHandler := handlers.NewModelsHandler(models.NewCatalog(store, llmClient, cfg.Store.TTL))

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, completions, modelsHandler, httpserver.Options{
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		ModelsTimeout: cfg.Server.ModelsTimeout,
	})

	// ----- HTTP server -----
	// No WriteTimeout: event streams last as long as the upstream answer.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.String("region", cfg.Region),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// ----- Graceful shutdown -----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		if err := completions.Drain(shutdownCtx); err != nil {
			logger.Warn("upstream readers still running at shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

func newPacer(cfg config.PacingConfig) pacing.Pacer {
	if !cfg.Enabled {
		return pacing.Immediate{}
	}
	h := pacing.NewHeuristic(nil)
	h.HeadFraction = cfg.HeadFraction
	h.HeadExtra = cfg.HeadExtra
	h.TargetRatio = cfg.TargetRatio
	h.Offset = cfg.Offset
	h.FloorWait = cfg.FloorWait
	h.Multiplier = cfg.Multiplier
	h.SmallThreshold = cfg.SmallThreshold
	h.SmallFloor = cfg.SmallFloor
	return h
}
