package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"ollama-relay/internal/llm"
	"ollama-relay/internal/metrics"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error          string `json:"error"`
	Detail         string `json:"detail"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// classifyError maps an error onto the status code and short message the
// caller sees. Internal detail stays in the logs.
func classifyError(err error) (int, errorResponse) {
	var statusErr *llm.StatusError
	switch {
	case errors.As(err, &statusErr):
		code := statusErr.StatusCode
		if code < 400 || code > 599 {
			code = http.StatusBadGateway
		}
		return code, errorResponse{
			Error:          "upstream_http_error",
			Detail:         fmt.Sprintf("upstream %s returned status %d", statusErr.Op, statusErr.StatusCode),
			UpstreamStatus: statusErr.StatusCode,
		}
	case errors.Is(err, llm.ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: "invalid_request", Detail: err.Error()}
	case errors.Is(err, llm.ErrInvalidEndpoint):
		return http.StatusBadRequest, errorResponse{Error: "invalid_endpoint", Detail: "base address is not a valid upstream URL"}
	case errors.Is(err, llm.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, errorResponse{Error: "upstream_timeout", Detail: "upstream did not respond in time"}
	case errors.Is(err, llm.ErrUpstreamUnreachable):
		return http.StatusInternalServerError, errorResponse{Error: "upstream_unreachable", Detail: "could not reach upstream"}
	case errors.Is(err, llm.ErrMalformedResponse):
		return http.StatusInternalServerError, errorResponse{Error: "malformed_upstream_response", Detail: "upstream returned an unexpected payload"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal_error", Detail: "internal server error"}
	}
}

// writeUpstreamError logs err in full and answers with its mapped status.
func writeUpstreamError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Info("caller went away", zap.String("op", op))
		return
	}

	status, body := classifyError(err)
	metrics.RequestErrorsTotal.WithLabelValues(op, body.Error).Inc()

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("kind", body.Error),
		zap.Int("status", status),
		zap.Error(err),
	}
	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) && statusErr.Body != "" {
		fields = append(fields, zap.String("upstream_body", statusErr.Body))
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Warn("request failed", fields...)
	}

	writeJSONStatus(w, status, body)
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
