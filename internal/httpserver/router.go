package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"ollama-relay/internal/handlers"
	"ollama-relay/internal/metrics"
	"ollama-relay/internal/middleware"
)

// Options tune the router. Zero values disable the matching limit.
type Options struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
	// ListTimeout bounds non-streaming routes. Generation is bounded by the
	// relay's own upstream deadlines instead.
	ListTimeout time.Duration
}

func SetupRouter(
	r *chi.Mux,
	baseLogger *zap.Logger,
	relayHandler *handlers.RelayHandler,
	speechHandler *handlers.SpeechHandler,
	opts Options,
) {
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer()) // panic recovery

	// streaming route: no request timeout
	r.With(middleware.MaxBodySize(opts.MaxBodyBytes)).
		Post("/generate", relayHandler.Generate)

	r.Group(func(r chi.Router) {
		if opts.ListTimeout > 0 {
			// A little slack so the upstream timeout is reported first.
			r.Use(middleware.Timeout(opts.ListTimeout + 5*time.Second))
		}
		r.Get("/api/tags", relayHandler.ListModels)
	})

	// speech_to_text caps its own body size
	r.Post("/api/speech_to_text", speechHandler.SpeechToText)

	r.Get("/", handlers.Root)
	r.Get("/health", handlers.Health)

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
