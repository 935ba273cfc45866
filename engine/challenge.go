package engine

import (
	"net/http"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ChallengeSelectors match the interstitial markup of the bot-defense CDN.
var ChallengeSelectors = []string{
	"form#challenge-form",
	`form[action^="/?__cf_chl"]`,
	"#challenge-running",
	"#cf-challenge-running",
	".cf-browser-verification",
	".cf-error-code",
	"#cf-please-wait",
}

var challengeSelector = cascadia.MustCompile(strings.Join(ChallengeSelectors, ", "))

// IsChallengePage reports whether body is a challenge interstitial rather
// than the requested content.
func IsChallengePage(body string) bool {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "just a moment") && strings.Contains(lower, "cloudflare") {
		return true
	}
	if strings.Contains(lower, "cloudflare") && strings.Contains(lower, "security check") {
		return true
	}
	if strings.Contains(lower, "checking your browser before accessing") {
		return true
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return false
	}
	return challengeSelector.MatchFirst(doc) != nil
}

// IsChallengeResponse reports a blocked response: 403 or 503 served by the
// CDN edge, which always stamps a cf-ray header.
func IsChallengeResponse(status int, h http.Header) bool {
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable {
		return false
	}
	return h.Get("cf-ray") != ""
}

// extractTitle uses the Go HTML tokenizer to find the first <title> element.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}

// isHTMLContentType returns true if the content-type header looks like HTML.
// An absent header is accepted.
func isHTMLContentType(ct string) bool {
	if ct == "" {
		return true
	}
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}
