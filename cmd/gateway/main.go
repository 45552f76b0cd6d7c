package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"ollama-relay/internal/config"
	"ollama-relay/internal/handlers"
	"ollama-relay/internal/httpserver"
	"ollama-relay/internal/llm"
	"ollama-relay/internal/metrics"
	"ollama-relay/internal/telemetry"
	"ollama-relay/pkg/logging/logging"
)

const serviceName = "ollama-relay"

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.NewLogger(logging.Options{Env: cfg.Env, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer logger.Sync()
	logging.SetDefault(logger)

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Duration("generate_timeout", cfg.GenerateTimeout),
		zap.Duration("list_timeout", cfg.ListTimeout),
		zap.Bool("upstream_insecure_skip_verify", cfg.UpstreamInsecureSkipVerify),
		zap.Strings("allowed_origins", cfg.Origins()),
		zap.Bool("tracing_enabled", cfg.TracingEnabled),
	)

	// ----- Metrics -----
	metrics.Register()

	// ----- Tracing -----
	if cfg.TracingEnabled {
		shutdownTracer, err := telemetry.InitTracer(serviceName, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("tracer shutdown error", zap.Error(err))
			}
		}()
	}

	// ----- Upstream client -----
	llmClient, err := llm.NewClient(llm.Config{
		InsecureSkipVerify: cfg.UpstreamInsecureSkipVerify,
		GenerateTimeout:    cfg.GenerateTimeout,
		ListTimeout:        cfg.ListTimeout,
		ReadBufferSize:     cfg.ReadBufferSize,
		Tracing:            cfg.TracingEnabled,
	}, logger)
	if err != nil {
		return err
	}
	defer llmClient.Close()

	// ----- Handlers -----
	relayHandler := handlers.NewRelayHandler(llmClient)
	// No transcriber is wired in this binary; the endpoint answers 501.
	speechHandler := handlers.NewSpeechHandler(nil, cfg.MaxAudioBytes)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, relayHandler, speechHandler, httpserver.Options{
		AllowedOrigins: cfg.Origins(),
		MaxBodyBytes:   cfg.MaxBodyBytes,
		ListTimeout:    cfg.ListTimeout,
	})

	var handler http.Handler = r
	if cfg.TracingEnabled {
		handler = otelhttp.NewHandler(r, serviceName)
	}

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Generation streams for as long as the upstream keeps producing.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting gateway", zap.String("addr", srv.Addr))

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			serverErr <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case <-stop:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
