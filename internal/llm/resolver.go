package llm

import (
	"fmt"
	"net/url"
	"strings"
)

// SchemePolicy controls how ResolveEndpoint treats the scheme of a base address.
type SchemePolicy int

const (
	// SchemeDefaultHTTP keeps an explicit http/https scheme and falls back to
	// http when none was supplied. Used for generation.
	SchemeDefaultHTTP SchemePolicy = iota

	// SchemeForceHTTP always rewrites the scheme to http. Used for model
	// listing, where the tags endpoint is assumed to be a local plain-HTTP
	// service even when the caller supplied https.
	SchemeForceHTTP
)

const (
	generatePath = "api/generate"
	tagsPath     = "api/tags"
)

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// ResolveEndpoint turns a caller-supplied base address into the absolute URL
// of apiPath on that host. Exactly one "/" separates the base path and apiPath.
// Query and fragment of the base address are dropped.
func ResolveEndpoint(base, apiPath string, policy SchemePolicy) (*url.URL, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, fmt.Errorf("%w: empty base address", ErrInvalidEndpoint)
	}

	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidEndpoint, base, err)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, base)
	}

	switch policy {
	case SchemeForceHTTP:
		u.Scheme = "http"
	default:
		u.Scheme = strings.ToLower(u.Scheme)
		if u.Scheme == "" {
			u.Scheme = "http"
		}
		if !allowedSchemes[u.Scheme] {
			return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
		}
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(apiPath, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	return u, nil
}
