// Package pricefeed fetches current collateral valuations from an HTTP price
// source.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativecommon "gemfi/native/common"
	"gemfi/native/lending"
)

// ErrNoPrice marks an asset the source does not quote. The engine falls back
// to the request-time valuation for it.
var ErrNoPrice = lending.ErrNoPrice

type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type quote struct {
	AssetID   string `json:"assetId"`
	Valuation string `json:"valuation"`
	Unit      string `json:"unit"`
}

type cached struct {
	value   *uint256.Int
	expires time.Time
}

// HTTP is a lending.PriceFeed reading GET {base}/prices/{assetID}. The
// response carries the per-unit valuation as a decimal string in the catalog
// denomination. Successful quotes are cached for CacheTTL.
type HTTP struct {
	base   *url.URL
	apiKey string
	ttl    time.Duration
	unit   nativecommon.Denomination
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

var _ lending.PriceFeed = (*HTTP)(nil)

func New(cfg Config, unit nativecommon.Denomination) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("pricefeed: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTP{
		base:   base,
		apiKey: strings.TrimSpace(cfg.APIKey),
		ttl:    cfg.CacheTTL,
		unit:   unit,
		client: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:    time.Now,
		cache:  make(map[string]cached),
	}, nil
}

func (h *HTTP) Valuation(ctx context.Context, assetID string) (*uint256.Int, error) {
	if value, ok := h.cached(assetID); ok {
		return value, nil
	}
	endpoint := h.base.JoinPath("prices", assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: fetch %s: %w", assetID, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, assetID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("pricefeed: %s returned %d: %s", assetID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var q quote
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&q); err != nil {
		return nil, fmt.Errorf("pricefeed: decode %s: %w", assetID, err)
	}
	if q.Unit != "" && !strings.EqualFold(q.Unit, h.unit.Symbol) {
		return nil, fmt.Errorf("pricefeed: %s quoted in %s, want %s", assetID, q.Unit, h.unit.Symbol)
	}
	value, err := h.unit.Parse(q.Valuation)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: %s: %w", assetID, err)
	}
	h.store(assetID, value)
	return new(uint256.Int).Set(value), nil
}

func (h *HTTP) cached(assetID string) (*uint256.Int, bool) {
	if h.ttl <= 0 {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.cache[assetID]
	if !ok || !h.now().Before(entry.expires) {
		return nil, false
	}
	return new(uint256.Int).Set(entry.value), true
}

func (h *HTTP) store(assetID string, value *uint256.Int) {
	if h.ttl <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache[assetID] = cached{value: new(uint256.Int).Set(value), expires: h.now().Add(h.ttl)}
}
