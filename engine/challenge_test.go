package engine

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsChallengePage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"interstitial markup", challengePage, true},
		{"just a moment text", "<html><body>Just a moment... Cloudflare</body></html>", true},
		{"security check", "<p>Cloudflare Security Check</p>", true},
		{"browser verification class", `<div class="cf-browser-verification">x</div>`, true},
		{"error code", `<span class="cf-error-code">1020</span>`, true},
		{"festival page", festivalPage, false},
		{"mention without marker", "<p>We use Cloudflare for our CDN.</p>", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsChallengePage(tt.body))
		})
	}
}

func TestIsChallengeResponse(t *testing.T) {
	ray := http.Header{}
	ray.Set("cf-ray", "8f1e2d3c4b5a6978-AMS")

	assert.True(t, IsChallengeResponse(http.StatusServiceUnavailable, ray))
	assert.True(t, IsChallengeResponse(http.StatusForbidden, ray))
	assert.False(t, IsChallengeResponse(http.StatusOK, ray))
	assert.False(t, IsChallengeResponse(http.StatusTooManyRequests, ray))
	assert.False(t, IsChallengeResponse(http.StatusServiceUnavailable, http.Header{}))
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Sundance Film Festival - FilmFreeway", extractTitle(festivalPage))
	assert.Equal(t, "", extractTitle("<html><body>no title</body></html>"))
	assert.Equal(t, "", extractTitle("<title></title>"))
}

func TestIsHTMLContentType(t *testing.T) {
	assert.True(t, isHTMLContentType(""))
	assert.True(t, isHTMLContentType("text/html; charset=utf-8"))
	assert.True(t, isHTMLContentType("application/xhtml+xml"))
	assert.False(t, isHTMLContentType("application/json"))
}
