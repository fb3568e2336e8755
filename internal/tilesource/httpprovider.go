package tilesource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPProvider fetches tiles over HTTP(S) from a templated imagery endpoint,
// one provider per acquisition year. It implements TileProvider.
type HTTPProvider struct {
	client      *http.Client
	urlTemplate string
	year        int

	apiKey         string
	apiKeyParam    string // query or header name the key is sent under
	apiKeyInHeader bool
}

// ProviderOption configures an HTTPProvider at construction time.
type ProviderOption func(*HTTPProvider)

// WithQueryAPIKey sends the pre-shared API key as the named query
// parameter, per spec §6's "authentication is by a pre-shared API key
// supplied as a query ... parameter (configurable)".
func WithQueryAPIKey(param, key string) ProviderOption {
	return func(p *HTTPProvider) {
		p.apiKey = key
		p.apiKeyParam = param
		p.apiKeyInHeader = false
	}
}

// WithHeaderAPIKey sends the pre-shared API key as the named HTTP header,
// per spec §6's "...or header parameter (configurable)".
func WithHeaderAPIKey(header, key string) ProviderOption {
	return func(p *HTTPProvider) {
		p.apiKey = key
		p.apiKeyParam = header
		p.apiKeyInHeader = true
	}
}

// NewHTTPProvider builds a provider for the given year against urlTemplate,
// which must contain {year}, {z}, {x}, {y} placeholders.
func NewHTTPProvider(urlTemplate string, year int, opts ...ProviderOption) *HTTPProvider {
	p := &HTTPProvider{
		client:      &http.Client{Timeout: 15 * time.Second},
		urlTemplate: urlTemplate,
		year:        year,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies this provider+year combination for cache-key derivation.
func (p *HTTPProvider) Name() string {
	return fmt.Sprintf("http:%d", p.year)
}

// FetchTile downloads one raw tile image.
func (p *HTTPProvider) FetchTile(ctx context.Context, z, x, y int) ([]byte, error) {
	url := expandTileURL(p.urlTemplate, p.year, z, x, y)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tile request: %w", err)
	}
	p.applyAuth(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tile fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	// Any 4xx (404 not found, 401/403 auth failure, etc.) is permanent per
	// spec §7: retrying a rejected request or a missing tile cannot succeed.
	// Only 5xx and non-HTTP failures are transient and worth retrying.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &PermanentError{Err: fmt.Errorf("tile fetch rejected: %s (status %d)", url, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tile fetch returned status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile body: %w", err)
	}

	return body, nil
}

// applyAuth attaches the configured pre-shared API key to req, as a query
// parameter or header depending on how the provider was constructed.
func (p *HTTPProvider) applyAuth(req *http.Request) {
	if p.apiKey == "" {
		return
	}
	if p.apiKeyInHeader {
		req.Header.Set(p.apiKeyParam, p.apiKey)
		return
	}
	q := req.URL.Query()
	q.Set(p.apiKeyParam, p.apiKey)
	req.URL.RawQuery = q.Encode()
}

func expandTileURL(template string, year, z, x, y int) string {
	replacer := strings.NewReplacer(
		"{year}", strconv.Itoa(year),
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return replacer.Replace(template)
}
