package engine

import (
	"math/rand/v2"
	"net/http"
	"sync"

	tls "github.com/refraction-networking/utls"
)

// Identity is one coherent client persona: the user agent, the headers a
// browser of that family sends, and the matching TLS ClientHello.
type Identity struct {
	UserAgent string
	Headers   map[string]string
	Hello     tls.ClientHelloID
}

var identities = []Identity{
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Headers: map[string]string{
			"sec-ch-ua":          `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
			"sec-ch-ua-mobile":   "?0",
			"sec-ch-ua-platform": `"Windows"`,
		},
		Hello: tls.HelloChrome_Auto,
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Headers: map[string]string{
			"sec-ch-ua":          `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
			"sec-ch-ua-mobile":   "?0",
			"sec-ch-ua-platform": `"macOS"`,
		},
		Hello: tls.HelloChrome_Auto,
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		Headers: map[string]string{
			"sec-ch-ua":          `"Microsoft Edge";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
			"sec-ch-ua-mobile":   "?0",
			"sec-ch-ua-platform": `"Windows"`,
		},
		Hello: tls.HelloEdge_Auto,
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		Headers:   map[string]string{"DNT": "1"},
		Hello:     tls.HelloFirefox_Auto,
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
		Headers:   map[string]string{},
		Hello:     tls.HelloSafari_Auto,
	},
}

// Apply writes the persona's user agent and browser-family headers.
func (id Identity) Apply(h http.Header) {
	h.Set("User-Agent", id.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Accept-Encoding", "identity")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	for k, v := range id.Headers {
		h.Set(k, v)
	}
}

// IdentityRotator hands out personas and switches to a different one on
// every Rotate. It is safe for concurrent use.
type IdentityRotator struct {
	mu  sync.Mutex
	cur int
}

// NewIdentityRotator starts at a random persona.
func NewIdentityRotator() *IdentityRotator {
	return &IdentityRotator{cur: rand.IntN(len(identities))}
}

// Current returns the active persona.
func (r *IdentityRotator) Current() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return identities[r.cur]
}

// Rotate moves to a different random persona and returns it.
func (r *IdentityRotator) Rotate() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := rand.IntN(len(identities) - 1)
	if next >= r.cur {
		next++
	}
	r.cur = next
	return identities[r.cur]
}
