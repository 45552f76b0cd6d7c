package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// maxTagsResponseSize bounds the upstream model listing we are willing to read.
const maxTagsResponseSize = 8 * 1024 * 1024

func (c *client) ListModels(parentCtx context.Context, baseURL string) ([]string, error) {
	start := time.Now()

	endpoint, err := ResolveEndpoint(baseURL, tagsPath, SchemeForceHTTP)
	if err != nil {
		return nil, fmt.Errorf("llmclient: %w", err)
	}
	url := endpoint.String()

	logger := c.logger.With(zap.String("upstream_url", url))
	logger.Debug("llm list models starting")

	ctx, cancel := context.WithTimeoutCause(parentCtx, c.cfg.ListTimeout, ErrUpstreamTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("llmclient: build HTTP tags request: %w: %w", ErrInternal, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		err = classifyTransportError(ctx, "list models", err)
		logger.Error("llm list models failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		logger.Error("llm list models upstream error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(body), 200)),
		)
		return nil, &StatusError{
			Op:         "list models",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 200),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTagsResponseSize+1))
	if err != nil {
		err = classifyTransportError(ctx, "list models", err)
		logger.Error("llm list models read failed", zap.Error(err))
		return nil, err
	}
	if len(body) > maxTagsResponseSize {
		return nil, fmt.Errorf("llmclient: %w: tags response exceeds %d bytes", ErrMalformedResponse, maxTagsResponseSize)
	}

	names, err := parseModelNames(body)
	if err != nil {
		logger.Error("llm list models malformed response",
			zap.Error(err),
			zap.String("body", truncate(string(body), 200)),
		)
		return nil, fmt.Errorf("llmclient: %w", err)
	}

	logger.Info("llm list models completed",
		zap.Int("models", len(names)),
		zap.Duration("duration", time.Since(start)),
	)

	return names, nil
}

// parseModelNames extracts models[].name in order. Everything else in the
// payload is ignored.
func parseModelNames(body []byte) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrMalformedResponse)
	}

	models := gjson.GetBytes(body, "models")
	if !models.IsArray() {
		return nil, fmt.Errorf("%w: missing \"models\" array", ErrMalformedResponse)
	}

	entries := models.Array()
	names := make([]string, 0, len(entries))
	for i, m := range entries {
		name := m.Get("name")
		if name.Type != gjson.String {
			return nil, fmt.Errorf("%w: models[%d] has no string \"name\"", ErrMalformedResponse, i)
		}
		names = append(names, name.String())
	}

	return names, nil
}
