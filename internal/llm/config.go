package llm

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Config struct {
	// InsecureSkipVerify disables TLS certificate verification toward the
	// upstream. Off unless explicitly enabled.
	InsecureSkipVerify bool

	GenerateTimeout time.Duration // upstream idle timeout while generating (default: 120s)
	ListTimeout     time.Duration // total timeout for model listing (default: 10s)
	ReadBufferSize  int           // max bytes per relayed chunk (default: 32 KiB)

	// Tracing wraps the outbound transport with OpenTelemetry spans.
	Tracing bool

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// Validate checks the fields once defaults have been applied.
func (c *Config) Validate() error {
	if c.GenerateTimeout <= 0 {
		return errors.New("GenerateTimeout must be positive")
	}
	if c.ListTimeout <= 0 {
		return errors.New("ListTimeout must be positive")
	}
	if c.ReadBufferSize <= 0 {
		return errors.New("ReadBufferSize must be positive")
	}
	return nil
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	if cfg.GenerateTimeout == 0 {
		cfg.GenerateTimeout = 120 * time.Second
	}
	if cfg.ListTimeout == 0 {
		cfg.ListTimeout = 10 * time.Second
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 32 * 1024
	}

	return cfg
}

type client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an upstream client. The base address is not part of the
// config: every request names its own upstream.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		var rt http.RoundTripper = defaultTransport(cfg)
		if cfg.Tracing {
			rt = otelhttp.NewTransport(rt)
		}
		httpClient = &http.Client{Transport: rt}
	}

	if cfg.InsecureSkipVerify {
		logger.Warn("upstream TLS certificate verification is disabled")
	}

	return &client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("llmclient"),
	}, nil
}

// defaultTransport builds a transport that never keeps a connection past the
// request that opened it. Deadlines are enforced through the request context.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		DisableKeepAlives: true,
		// Relay bytes verbatim; never negotiate gzip on the caller's behalf.
		DisableCompression: true,

		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicit opt-in
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases resources held by the client.
func (c *client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
