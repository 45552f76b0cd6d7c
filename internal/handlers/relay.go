package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ollama-relay/internal/llm"
	"ollama-relay/internal/metrics"
	"ollama-relay/pkg/logging/logging"
)

// RelayHandler serves /generate and /api/tags on top of an upstream client.
type RelayHandler struct {
	Client llm.Client
}

func NewRelayHandler(client llm.Client) *RelayHandler {
	return &RelayHandler{Client: client}
}

// Generate handles POST /generate: it relays the upstream JSON-lines stream
// to the caller as it arrives.
func (h *RelayHandler) Generate(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())
	start := time.Now()

	var req llm.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			logger.Warn("request body too large", zap.Int64("limit", maxErr.Limit))
			writeJSONStatus(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload_too_large", Detail: "request body is too large"})
			return
		}
		logger.Warn("invalid request", zap.Error(err))
		writeJSONStatus(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: "invalid JSON"})
		return
	}
	if err := req.Validate(); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeUpstreamError(w, logger, "generate", err)
		return
	}

	logger = logger.With(zap.String("model", req.Model))
	ctx := logging.WithLogger(r.Context(), logger)

	// Cancelling tears down the upstream connection on every exit path.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := h.Client.GenerateStream(ctx, &req)
	if err != nil {
		writeUpstreamError(w, logger, "generate", err)
		return
	}

	metrics.RelayStreamsActive.Inc()
	defer metrics.RelayStreamsActive.Dec()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	var relayed int
	for res := range stream {
		if res.Err != nil {
			// Headers are out; the only honest signal left is a broken transfer.
			_, body := classifyError(res.Err)
			metrics.RequestErrorsTotal.WithLabelValues("generate", body.Error).Inc()
			logger.Error("relay aborted mid-stream",
				zap.String("kind", body.Error),
				zap.Int("bytes", relayed),
				zap.Error(res.Err),
			)
			panic(http.ErrAbortHandler)
		}

		n, err := w.Write(res.Chunk)
		relayed += n
		metrics.RelayBytesTotal.Add(float64(n))
		if err != nil {
			logger.Info("caller disconnected mid-stream",
				zap.Int("bytes", relayed),
				zap.Error(err),
			)
			return
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			logger.Info("caller disconnected mid-stream",
				zap.Int("bytes", relayed),
				zap.Error(err),
			)
			return
		}
	}

	if err := r.Context().Err(); err != nil {
		logger.Info("caller disconnected mid-stream", zap.Int("bytes", relayed))
		return
	}

	logger.Info("relay completed",
		zap.Int("bytes", relayed),
		zap.Duration("total_latency", time.Since(start)),
	)
}

// modelsResponse is the body of GET /api/tags.
type modelsResponse struct {
	Models []string `json:"models"`
}

// ListModels handles GET /api/tags?base_url=<address>.
func (h *RelayHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	logger := logging.L(r.Context())

	baseURL := r.URL.Query().Get("base_url")
	if strings.TrimSpace(baseURL) == "" {
		err := fmt.Errorf("%w: base_url query parameter is required", llm.ErrInvalidRequest)
		logger.Warn("invalid request", zap.Error(err))
		writeUpstreamError(w, logger, "list_models", err)
		return
	}

	names, err := h.Client.ListModels(r.Context(), baseURL)
	if err != nil {
		writeUpstreamError(w, logger, "list_models", err)
		return
	}

	metrics.ModelsListedTotal.Add(float64(len(names)))
	logger.Info("models listed", zap.Int("models", len(names)))

	writeJSON(w, modelsResponse{Models: names})
}
