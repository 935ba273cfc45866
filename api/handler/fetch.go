package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/reelfetch/api/middleware"
	"github.com/use-agent/reelfetch/cache"
	"github.com/use-agent/reelfetch/engine"
	"github.com/use-agent/reelfetch/models"
	"github.com/use-agent/reelfetch/parser"
)

// Fetcher is the part of the dispatcher the handlers use.
type Fetcher interface {
	Fetch(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error)
	FetchWith(ctx context.Context, req *engine.FetchRequest, prefer engine.Kind) (*engine.FetchResult, error)
	Stats() engine.Snapshot
	Order() []engine.Kind
}

// Fetch returns a handler for POST /api/v1/fetch.
//
// Orchestration flow:
//  1. Bind and validate the request, apply defaults.
//  2. Serve from cache when max_age allows.
//  3. Run the engine fallback chain under the request timeout.
//  4. Parse the festival record when asked.
//  5. Store in cache and respond.
func Fetch(f Fetcher, p parser.Parser[*models.Festival], cc *cache.Cache, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		totalStart := time.Now()

		// ── 1. Parse request ────────────────────────────────────────
		var req models.FetchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeFetchError(c, models.NewFetchError(models.ErrCodeInvalidInput, err.Error(), err), models.TimingInfo{})
			return
		}
		req.Defaults()

		var (
			prefer     *engine.Kind
			engineName string
		)
		if req.Engine != "" {
			k, err := engine.ParseKind(req.Engine)
			if err != nil {
				writeFetchError(c, models.NewFetchError(models.ErrCodeInvalidInput, err.Error(), err), models.TimingInfo{})
				return
			}
			prefer = &k
			engineName = k.String()
		}

		// ── 2. Cache lookup ─────────────────────────────────────────
		cacheKey := cache.Key(req.URL, engineName, req.Country, req.Parse)
		if cc != nil && req.MaxAge > 0 {
			if cached, hit := cc.Get(cacheKey, req.MaxAge); hit {
				resp := *cached
				if !*req.IncludeHTML {
					resp.HTML = ""
				}
				resp.RequestID = c.GetString(middleware.RequestIDKey)
				resp.CacheStatus = "hit"
				resp.Timing = models.TimingInfo{TotalMs: time.Since(totalStart).Milliseconds()}
				c.JSON(http.StatusOK, resp)
				return
			}
		}

		// ── 3. Fetch ────────────────────────────────────────────────
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(req.Timeout)*time.Second)
		defer cancel()

		ereq := &engine.FetchRequest{
			URL:     req.URL,
			Headers: req.Headers,
			Country: req.Country,
		}
		for _, ck := range req.Cookies {
			ereq.Cookies = append(ereq.Cookies, http.Cookie{Name: ck.Name, Value: ck.Value, Domain: ck.Domain, Path: ck.Path})
		}

		fetchStart := time.Now()
		var (
			res *engine.FetchResult
			err error
		)
		if prefer != nil {
			res, err = f.FetchWith(ctx, ereq, *prefer)
		} else {
			res, err = f.Fetch(ctx, ereq)
		}
		fetchMs := time.Since(fetchStart).Milliseconds()
		if err != nil {
			logger.Warn("fetch failed", "url", req.URL, "error", err)
			writeFetchError(c, toFetchError(err), models.TimingInfo{
				TotalMs: time.Since(totalStart).Milliseconds(),
				FetchMs: fetchMs,
			})
			return
		}

		resp := &models.FetchResponse{
			Success:    true,
			RequestID:  c.GetString(middleware.RequestIDKey),
			StatusCode: res.StatusCode,
			FinalURL:   res.FinalURL,
			Title:      res.Title,
			Engine:     res.EngineName,
			Proxy:      res.Proxy,
			HTML:       res.HTML,
		}

		// ── 4. Parse ────────────────────────────────────────────────
		var parseMs int64
		if req.Parse && p != nil {
			parseStart := time.Now()
			festival, perr := p.Parse(res.HTML, res.FinalURL)
			parseMs = time.Since(parseStart).Milliseconds()
			switch {
			case errors.Is(perr, parser.ErrNoRecord):
				logger.Info("no festival record on page", "url", res.FinalURL)
			case perr != nil:
				writeFetchError(c, models.NewFetchError(models.ErrCodeParseFailed, "failed to parse page", perr), models.TimingInfo{
					TotalMs: time.Since(totalStart).Milliseconds(),
					FetchMs: fetchMs,
					ParseMs: parseMs,
				})
				return
			default:
				resp.Festival = festival
			}
		}

		resp.Timing = models.TimingInfo{
			TotalMs: time.Since(totalStart).Milliseconds(),
			FetchMs: fetchMs,
			ParseMs: parseMs,
		}

		// ── 5. Cache store ──────────────────────────────────────────
		// The cached copy keeps the HTML; include_html only shapes the reply.
		out := *resp
		if !*req.IncludeHTML {
			out.HTML = ""
		}
		if cc != nil && req.MaxAge > 0 {
			cc.Set(cacheKey, resp)
			out.CacheStatus = "miss"
		}
		c.JSON(http.StatusOK, out)
	}
}

func writeFetchError(c *gin.Context, fe *models.FetchError, timing models.TimingInfo) {
	c.JSON(mapErrorToStatus(fe), models.FetchResponse{
		Success:   false,
		RequestID: c.GetString(middleware.RequestIDKey),
		Error:     fe.ToDetail(),
		Timing:    timing,
	})
}
