package models

import (
	"github.com/use-agent/reelfetch/engine"
	"github.com/use-agent/reelfetch/proxypool"
)

// FetchResponse is the response for POST /api/v1/fetch.
type FetchResponse struct {
	// Success indicates whether some engine returned usable content.
	Success bool `json:"success"`

	// RequestID echoes the X-Request-ID of the call.
	RequestID string `json:"request_id,omitempty"`

	// StatusCode is the HTTP status code of the fetched page.
	StatusCode int `json:"status_code"`

	// FinalURL is the URL after following all redirects.
	FinalURL string `json:"final_url"`

	Title string `json:"title,omitempty"`

	// HTML is the raw page, omitted when include_html is false.
	HTML string `json:"html,omitempty"`

	// Engine is the engine that produced the content.
	Engine string `json:"engine,omitempty"`

	// Proxy is the proxy that served the content, if any.
	Proxy string `json:"proxy,omitempty"`

	// Festival is set when parsing was requested.
	Festival *Festival `json:"festival,omitempty"`

	Timing TimingInfo `json:"timing"`

	// CacheStatus indicates whether the response was served from cache.
	// Values: "hit", "miss", or empty (caching not requested).
	CacheStatus string `json:"cache_status,omitempty"`

	// Error is populated only when Success is false.
	Error *ErrorDetail `json:"error,omitempty"`
}

// TimingInfo breaks down the time spent in each phase.
type TimingInfo struct {
	TotalMs int64 `json:"total_ms"`
	FetchMs int64 `json:"fetch_ms"`
	ParseMs int64 `json:"parse_ms,omitempty"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string          `json:"status"` // "healthy" or "degraded"
	Uptime  string          `json:"uptime"`
	Version string          `json:"version"`
	Engines []string        `json:"engines"`
	Pool    proxypool.Stats `json:"pool"`
}

// StatsResponse is the response for GET /api/v1/stats.
type StatsResponse struct {
	engine.Snapshot
	Order []string `json:"order"`
}

// ProxyListResponse is the response for GET /api/v1/proxies.
type ProxyListResponse struct {
	Proxies []proxypool.Proxy `json:"proxies"`
	Stats   proxypool.Stats   `json:"stats"`
}

// ProbeResponse is the response for POST /api/v1/proxies/probe.
type ProbeResponse struct {
	Results map[string]bool `json:"results"`
	Healthy int             `json:"healthy"`
	Failed  int             `json:"failed"`
}

// ErrorResponse wraps an error for endpoints without a dedicated payload.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// AddProxyResponse is the response for POST /api/v1/proxies.
type AddProxyResponse struct {
	// Added is false when the proxy was already registered.
	Added bool            `json:"added"`
	Proxy proxypool.Proxy `json:"proxy"`
}
