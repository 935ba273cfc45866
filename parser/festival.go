package parser

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/reelfetch/models"
)

// Selector lists are tried in order; the first match with usable text wins
// for single fields, every match counts for list fields.
var (
	nameSelectors = []string{
		"h1.festival-name",
		"h1.FestivalName",
		"div.Title",
		"div[class*='FestivalName']",
		"div[class*='festival-name']",
		"h1",
		"title",
	}
	infoSelectors = []string{
		"div.festival-description",
		"div.Description",
		"div[class*='Description']",
		"div[class*='festival-description']",
		"div.about",
		"div[class*='about']",
		"p.description",
		"p[class*='description']",
		"meta[name='description']",
	}
	deadlineSelectors = []string{
		"div.deadlines",
		"div.Deadlines",
		"div[class*='Deadline']",
		"div[class*='deadline']",
		"span[class*='deadline']",
		"span[class*='Deadline']",
		"div.dates",
		"div[class*='date']",
	}
	categorySelectors = []string{
		"div.categories",
		"div.Categories",
		"div[class*='Category']",
		"div[class*='category']",
		"span[class*='category']",
		"span[class*='Category']",
		"div.tags",
		"div[class*='tag']",
	}
	awardSelectors = []string{
		"div.awards",
		"div.Awards",
		"div[class*='Award']",
		"div[class*='award']",
		"span[class*='award']",
		"span[class*='Award']",
		"div.prizes",
		"div[class*='prize']",
	}
	dateSelectors = []string{
		"div.dates",
		"div.Dates",
		"div[class*='Date']",
		"div[class*='date']",
		"span[class*='date']",
		"span[class*='Date']",
	}
	contentSelectors = []string{
		".festival-description",
		"div[class*='Description']",
		"main",
		"#layout",
	}
)

var (
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{4}\b`),
		regexp.MustCompile(`(?i)\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{1,2},?\s+\d{4}\b`),
		regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`),
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	}
	awardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Best\s+\w+(?:\s+\w+){0,5}`),
		regexp.MustCompile(`(?i)Grand\s+Prize\s+for\s+\w+(?:\s+\w+){0,5}`),
		regexp.MustCompile(`(?i)Award\s+for\s+\w+(?:\s+\w+){0,5}`),
	}
	yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

	commonCategories = []string{
		"Short", "Feature", "Documentary", "Animation", "Experimental",
		"Music Video", "Student", "Comedy", "Drama", "Horror",
		"Sci-Fi", "Fantasy", "LGBTQ", "Women", "Fiction", "Screenplay",
	}
	categoryPatterns = compileWords(commonCategories)
)

func compileWords(words []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(words))
	for i, w := range words {
		out[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return out
}

// FestivalParser extracts festival records from festival and listing pages.
// It is safe for concurrent use.
type FestivalParser struct {
	md     *converter.Converter
	logger *slog.Logger
}

var _ Parser[*models.Festival] = (*FestivalParser)(nil)

// NewFestivalParser creates a FestivalParser.
func NewFestivalParser(logger *slog.Logger) *FestivalParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &FestivalParser{
		md:     newMarkdownConverter(),
		logger: logger.With("component", "parser"),
	}
}

// Parse extracts a Festival from html. Selector matches are preferred;
// when a list field has none, it falls back to pattern matching over the
// raw document.
func (p *FestivalParser) Parse(html, sourceURL string) (*models.Festival, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parser: parse html: %w", err)
	}
	article, hasArticle := extractArticle(p.logger, html, sourceURL)

	f := &models.Festival{SourceURL: sourceURL}
	f.Name = firstText(doc, nameSelectors, 3)
	if f.Name == "" && hasArticle {
		f.Name = strings.TrimSpace(article.Title)
	}
	f.Info = p.info(doc)
	if f.Info == "" && hasArticle {
		f.Info = strings.TrimSpace(article.Excerpt)
	}
	f.Description = p.description(doc, article.Content, sourceURL)

	f.Deadlines = deadlines(doc, html)
	f.Categories = categories(doc, html)
	f.Awards = awards(doc, html)
	f.ImportantDates = importantDates(doc, html, f.Deadlines)
	f.Links = curatedLinks(doc, sourceURL)

	if f.Name == "" && f.Info == "" && len(f.Links) == 0 {
		return nil, ErrNoRecord
	}
	return f, nil
}

func (p *FestivalParser) info(doc *goquery.Document) string {
	for _, sel := range infoSelectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		var text string
		if goquery.NodeName(s) == "meta" {
			text, _ = s.Attr("content")
		} else {
			text = s.Text()
		}
		if text = collapse(text); len(text) > 10 {
			return text
		}
	}
	return ""
}

// description renders the main content as markdown: the readability
// article when there is one, else the first content container.
func (p *FestivalParser) description(doc *goquery.Document, articleHTML, sourceURL string) string {
	src := articleHTML
	if src == "" {
		for _, sel := range contentSelectors {
			if h, err := doc.Find(sel).First().Html(); err == nil && strings.TrimSpace(h) != "" {
				src = h
				break
			}
		}
	}
	if src == "" {
		return ""
	}
	md, err := toMarkdown(p.md, src, domainOf(sourceURL))
	if err != nil {
		p.logger.Warn("markdown conversion failed", "url", sourceURL, "error", err)
		return ""
	}
	return md
}

func deadlines(doc *goquery.Document, html string) []string {
	var out []string
	eachText(doc, deadlineSelectors, func(text string) {
		if strings.Contains(strings.ToLower(text), "deadline") {
			out = appendUnique(out, text)
		}
	})
	if len(out) > 0 {
		return out
	}
	for _, re := range datePatterns {
		for _, m := range re.FindAllString(html, -1) {
			out = appendUnique(out, m)
		}
	}
	return out
}

func categories(doc *goquery.Document, html string) []string {
	var out []string
	eachText(doc, categorySelectors, func(text string) {
		if len(text) > 2 {
			out = appendUnique(out, text)
		}
	})
	if len(out) > 0 {
		return out
	}
	for i, re := range categoryPatterns {
		if re.MatchString(html) {
			out = append(out, commonCategories[i])
		}
	}
	return out
}

func awards(doc *goquery.Document, html string) []string {
	var out []string
	eachText(doc, awardSelectors, func(text string) {
		if len(text) > 5 && strings.Contains(strings.ToLower(text), "award") {
			out = appendUnique(out, text)
		}
	})
	if len(out) > 0 {
		return out
	}
	for _, re := range awardPatterns {
		for _, m := range re.FindAllString(html, -1) {
			out = appendUnique(out, m)
		}
	}
	return out
}

// importantDates collects dated elements that are not deadlines, falling
// back to the years mentioned on the page.
func importantDates(doc *goquery.Document, html string, deadlines []string) []string {
	var out []string
	eachText(doc, dateSelectors, func(text string) {
		for _, d := range deadlines {
			if strings.Contains(text, d) {
				return
			}
		}
		out = appendUnique(out, text)
	})
	if len(out) > 0 {
		return out
	}
	joined := strings.Join(deadlines, " ")
	for _, y := range yearPattern.FindAllString(html, -1) {
		if !strings.Contains(joined, y) {
			out = appendUnique(out, y)
		}
	}
	return out
}

// curatedLinks lists curated festival collections on a listing page.
func curatedLinks(doc *goquery.Document, sourceURL string) []models.FestivalLink {
	base, _ := url.Parse(sourceURL)
	var out []models.FestivalLink
	seen := make(map[string]bool)
	doc.Find("a[href^='/festivals/curated/']").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		title, _ := s.Attr("title")
		title = strings.TrimSpace(strings.TrimPrefix(title, "View "))
		if href == "" || title == "" {
			return
		}
		abs := href
		if base != nil {
			if ref, err := base.Parse(href); err == nil {
				abs = ref.String()
			}
		}
		if seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, models.FestivalLink{Name: title, URL: abs, Type: "curated"})
	})
	return out
}

func firstText(doc *goquery.Document, selectors []string, minLen int) string {
	for _, sel := range selectors {
		if text := collapse(doc.Find(sel).First().Text()); len(text) > minLen {
			return text
		}
	}
	return ""
}

func eachText(doc *goquery.Document, selectors []string, fn func(text string)) {
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := collapse(s.Text()); text != "" {
				fn(text)
			}
		})
	}
}

// collapse trims text and folds internal whitespace runs into one space.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func domainOf(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
