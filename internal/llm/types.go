package llm

import (
	"context"
	"fmt"
	"strings"
)

// fileContentSeparator sits between the prompt and attached file content.
const fileContentSeparator = "\n\nFile content:\n"

// GenerateRequest is the inbound /generate payload.
type GenerateRequest struct {
	BaseURL     string `json:"baseUrl"`
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	FileContent string `json:"fileContent,omitempty"`
}

func (r *GenerateRequest) Validate() error {
	if strings.TrimSpace(r.BaseURL) == "" {
		return fmt.Errorf("%w: baseUrl is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	return nil
}

// ComposedPrompt returns the prompt sent upstream: the caller's prompt,
// followed by the file content when there is any.
func (r *GenerateRequest) ComposedPrompt() string {
	if r.FileContent == "" {
		return r.Prompt
	}
	return r.Prompt + fileContentSeparator + r.FileContent
}

// StreamResult carries one relayed chunk or the error that ended the stream.
type StreamResult struct {
	Chunk []byte
	Err   error
}

type Client interface {
	// GenerateStream connects to the upstream generate endpoint and returns
	// once the upstream status is known. The channel yields raw upstream
	// bytes in arrival order and is closed when the stream ends.
	GenerateStream(ctx context.Context, req *GenerateRequest) (<-chan StreamResult, error)

	// ListModels returns upstream model names in upstream order.
	ListModels(ctx context.Context, baseURL string) ([]string, error)

	// Close releases transport resources.
	Close() error
}

// Request shape we send to the upstream generate endpoint.
type providerGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}
