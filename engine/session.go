package engine

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
)

// session is the cookie jar and persona one engine presents to the site.
// Escalation on a challenge throws both away.
type session struct {
	mu       sync.Mutex
	jar      *cookiejar.Jar
	identity *IdentityRotator
	logger   *slog.Logger
}

func newSession(logger *slog.Logger) *session {
	jar, _ := cookiejar.New(nil)
	return &session{jar: jar, identity: NewIdentityRotator(), logger: logger}
}

func (s *session) RotateIdentity() {
	id := s.identity.Rotate()
	s.logger.Debug("rotated identity", "user_agent", id.UserAgent)
}

func (s *session) ClearState() {
	jar, _ := cookiejar.New(nil)
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
}

func (s *session) Escalate(err error) {
	if errors.Is(err, ErrChallenge) {
		s.logger.Info("challenge detected, re-initialising session")
		s.ClearState()
		s.RotateIdentity()
	}
}

func (s *session) cookieJar() *cookiejar.Jar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jar
}

// client returns an http.Client bound to the current jar.
func (s *session) client(t http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: t,
		Jar:       s.cookieJar(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
}

// setCookies seeds the jar with caller-supplied cookies for u.
func (s *session) setCookies(u *url.URL, cookies []http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	cs := make([]*http.Cookie, len(cookies))
	for i := range cookies {
		c := cookies[i]
		cs[i] = &c
	}
	s.cookieJar().SetCookies(u, cs)
}

// withCacheBuster appends a random _cb query parameter.
func withCacheBuster(u *url.URL) *url.URL {
	out := *u
	q := out.Query()
	q.Set("_cb", strconv.Itoa(1000000+rand.IntN(9000000)))
	out.RawQuery = q.Encode()
	return &out
}
