package parser

import (
	"log/slog"
	nurl "net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// minArticleText is the shortest TextContent accepted from readability.
const minArticleText = 50

// extractArticle runs the Mozilla Readability algorithm on rawHTML. ok is
// false when the URL is invalid, extraction fails, or the extracted text is
// too short to be the main content; the article is then empty.
func extractArticle(logger *slog.Logger, rawHTML, sourceURL string) (readability.Article, bool) {
	parsedURL, err := nurl.Parse(sourceURL)
	if err != nil {
		logger.Warn("readability: invalid source URL", "url", sourceURL, "error", err)
		return readability.Article{}, false
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		logger.Warn("readability: extraction failed", "url", sourceURL, "error", err)
		return readability.Article{}, false
	}

	if len(strings.TrimSpace(article.TextContent)) < minArticleText {
		logger.Debug("readability: extracted content too short", "url", sourceURL, "length", len(article.TextContent))
		return readability.Article{}, false
	}
	return article, true
}
