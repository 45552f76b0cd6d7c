package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxErrorBodySize caps how much of a failed upstream body we keep for logs.
const maxErrorBodySize = 4 * 1024

func (c *client) GenerateStream(parentCtx context.Context, req *GenerateRequest) (<-chan StreamResult, error) {
	if req == nil {
		return nil, fmt.Errorf("llmclient: %w: request is nil", ErrInvalidRequest)
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llmclient: %w", err)
	}

	endpoint, err := ResolveEndpoint(req.BaseURL, generatePath, SchemeDefaultHTTP)
	if err != nil {
		return nil, fmt.Errorf("llmclient: %w", err)
	}
	url := endpoint.String()

	bodyBytes, err := json.Marshal(providerGenerateRequest{
		Model:  req.Model,
		Prompt: req.ComposedPrompt(),
	})
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal generate request: %w: %w", ErrInternal, err)
	}

	logger := c.logger.With(
		zap.String("model", req.Model),
		zap.String("upstream_url", url),
	)
	logger.Info("llm stream request starting",
		zap.Int("prompt_bytes", len(req.Prompt)),
		zap.Int("file_content_bytes", len(req.FileContent)),
	)

	// The watchdog cancels the request when the upstream stalls for longer
	// than GenerateTimeout. It is paused while we wait on the caller.
	timeout := c.cfg.GenerateTimeout
	ctx, cancel := context.WithCancelCause(parentCtx)
	watchdog := time.AfterFunc(timeout, func() { cancel(ErrUpstreamTimeout) })

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		watchdog.Stop()
		cancel(nil)
		return nil, fmt.Errorf("llmclient: build HTTP stream request: %w: %w", ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		watchdog.Stop()
		err = classifyTransportError(ctx, "generate", err)
		cancel(nil)
		logger.Error("llm stream connect failed", zap.Error(err))
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
		watchdog.Stop()
		cancel(nil)

		logger.Error("llm stream upstream error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
		return nil, &StatusError{
			Op:         "generate",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 200),
		}
	}

	logger.Info("llm stream connected",
		zap.Int("status", resp.StatusCode),
		zap.Duration("connect_latency", time.Since(start)),
	)

	results := make(chan StreamResult)

	go func() {
		defer close(results)
		defer cancel(nil)
		defer watchdog.Stop()
		defer resp.Body.Close()

		buf := make([]byte, c.cfg.ReadBufferSize)
		chunkCount := 0
		byteCount := 0

		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				watchdog.Stop()

				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				chunkCount++
				byteCount += n

				logger.Debug("llm stream chunk",
					zap.Int("index", chunkCount),
					zap.Int("bytes", n),
				)

				// Unbuffered send: the next upstream read waits for the caller.
				select {
				case <-ctx.Done():
					logger.Info("llm stream cancelled while sending chunk",
						zap.Int("chunks", chunkCount),
						zap.Error(context.Cause(ctx)),
					)
					if parentCtx.Err() == nil {
						// Watchdog fired just before it was paused.
						sendErr(parentCtx, results, classifyTransportError(ctx, "generate", ctx.Err()))
					}
					return
				case results <- StreamResult{Chunk: chunk}:
				}

				watchdog.Reset(timeout)
			}

			if readErr == nil {
				continue
			}

			if errors.Is(readErr, io.EOF) {
				logger.Info("llm stream completed",
					zap.Int("chunks", chunkCount),
					zap.Int("bytes", byteCount),
					zap.Duration("duration", time.Since(start)),
				)
				return
			}

			streamErr := classifyTransportError(ctx, "generate", readErr)
			if parentCtx.Err() != nil {
				logger.Info("llm stream cancelled by caller",
					zap.Int("chunks", chunkCount),
					zap.Int("bytes", byteCount),
				)
				return
			}

			logger.Error("llm stream read failed",
				zap.Int("chunks", chunkCount),
				zap.Int("bytes", byteCount),
				zap.Error(streamErr),
			)

			sendErr(parentCtx, results, streamErr)
			return
		}
	}()

	return results, nil
}

// sendErr delivers a terminal error unless the caller is already gone.
func sendErr(ctx context.Context, results chan<- StreamResult, err error) {
	select {
	case <-ctx.Done():
	case results <- StreamResult{Err: err}:
	}
}
