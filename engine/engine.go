package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind enumerates the fetch engine variants.
type Kind int

const (
	// KindHTTP is the fingerprinted plain HTTP engine.
	KindHTTP Kind = iota
	// KindSolver is the session engine that deals with bot-defense challenges.
	KindSolver
	// KindBrowser drives a real browser.
	KindBrowser
)

// Kinds lists every variant in construction order.
var Kinds = []Kind{KindHTTP, KindSolver, KindBrowser}

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindSolver:
		return "solver"
	case KindBrowser:
		return "browser"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configured engine name to its Kind. The names used by
// older deployments (requests, cloudscraper, playwright) are accepted too.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "http", "requests":
		return KindHTTP, nil
	case "solver", "cloudscraper":
		return KindSolver, nil
	case "browser", "playwright", "rod":
		return KindBrowser, nil
	default:
		return 0, fmt.Errorf("engine: unknown engine %q", name)
	}
}

// ParseKinds parses every name in order.
func ParseKinds(names []string) ([]Kind, error) {
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// Engine is the interface that all fetch engines must implement.
type Engine interface {
	// Kind returns the variant tag the dispatcher matches on.
	Kind() Kind

	// Name returns the engine identifier used in logs and stats.
	Name() string

	// Fetch retrieves the page content for the given request, retrying
	// internally according to the engine's retry policy.
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)

	// Stats returns a snapshot of the engine's counters.
	Stats() EngineStats

	// Close releases the engine's session or browser.
	Close() error
}

// FetchRequest contains everything an engine needs to fetch a page.
type FetchRequest struct {
	URL     string
	Headers map[string]string
	Cookies []http.Cookie
	Timeout time.Duration

	// Country restricts proxy selection; empty means any.
	Country string
}

// FetchResult is the output of a successful engine fetch.
type FetchResult struct {
	HTML       string
	Title      string
	StatusCode int
	FinalURL   string
	EngineName string
	Cookies    []*http.Cookie

	// Proxy is the key of the proxy that served the response, if any.
	Proxy string
}

var (
	// ErrChallenge marks a bot-defense interstitial instead of content.
	ErrChallenge = errors.New("engine: challenge page")

	// ErrBadStatus marks a non-success HTTP status.
	ErrBadStatus = errors.New("engine: bad status")

	// ErrContentTooShort marks content below the dispatcher's minimum length.
	ErrContentTooShort = errors.New("engine: content too short")

	// ErrAllEnginesFailed is matched by the dispatcher's terminal error.
	ErrAllEnginesFailed = errors.New("engine: all engines failed")

	// ErrClosed is returned by engines used after Close.
	ErrClosed = errors.New("engine: closed")
)

// StatusError reports a non-success response.
type StatusError struct {
	Code  int
	CFRay string
}

func (e *StatusError) Error() string {
	if e.CFRay != "" {
		return fmt.Sprintf("engine: status %d (cf-ray %s)", e.Code, e.CFRay)
	}
	return fmt.Sprintf("engine: status %d", e.Code)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrBadStatus
}
