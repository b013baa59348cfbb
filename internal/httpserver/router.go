package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tokenrelay-gateway/internal/handlers"
	"tokenrelay-gateway/internal/metrics"
	"tokenrelay-gateway/internal/middleware"
)

type Options struct {
	MaxBodyBytes  int64
	ModelsTimeout time.Duration
}

func SetupRouter(
	r *chi.Mux,
	baseLogger *zap.Logger,
	completions *handlers.CompletionsHandler,
	modelsHandler *handlers.ModelsHandler,
	opts Options,
) {
	if opts.ModelsTimeout <= 0 {
		opts.ModelsTimeout = 15 * time.Second
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())                    // panic recovery
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes)) // body cap

	// Streaming routes run as long as the shared upstream answer does, so
	// they get no request timeout.
	r.Post("/v{version:[1-3]}/chat/completions", completions.ChatCompletion)
	r.Post("/v{version:[1-3]}/completions", completions.Completion)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.ModelsTimeout))
		r.Get("/models", modelsHandler.List)
		r.Post("/models", modelsHandler.Replace)
	})

	// health check
	r.Get("/health", handlers.Health)

	r.Handle("/metrics", metrics.Handler())
}
