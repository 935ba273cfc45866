package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/reelfetch/models"
	"github.com/use-agent/reelfetch/proxypool"
)

const redacted = "***"

// redact hides the proxy password in API output.
func redact(px proxypool.Proxy) proxypool.Proxy {
	if px.Password != "" {
		px.Password = redacted
	}
	return px
}

// ListProxies returns a handler for GET /api/v1/proxies.
func ListProxies(pool *proxypool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := pool.List()
		for i := range list {
			list[i] = redact(list[i])
		}
		c.JSON(http.StatusOK, models.ProxyListResponse{Proxies: list, Stats: pool.Stats()})
	}
}

// AddProxy returns a handler for POST /api/v1/proxies. A new proxy gets
// 201; an already registered one gets 200 with added=false.
func AddProxy(pool *proxypool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.AddProxyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}
		px, err := proxypool.Parse(req.Proxy)
		if err != nil {
			invalidInput(c, err)
			return
		}
		if req.Country != "" {
			px.Country = req.Country
		}

		added, err := pool.Add(px)
		if err != nil {
			respondError(c, err)
			return
		}
		status := http.StatusOK
		if added {
			status = http.StatusCreated
		}
		if stored, ok := pool.Get(px.Key()); ok {
			px = stored
		}
		c.JSON(status, models.AddProxyResponse{Added: added, Proxy: redact(px)})
	}
}

// RemoveProxy returns a handler for DELETE /api/v1/proxies/:key.
func RemoveProxy(pool *proxypool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := pool.Remove(c.Param("key")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// BanProxy returns a handler for POST /api/v1/proxies/:key/ban. The body
// is optional; without it the configured ban time applies.
func BanProxy(pool *proxypool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.BanRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				invalidInput(c, err)
				return
			}
		}
		key := c.Param("key")
		if err := pool.Ban(key, time.Duration(req.Seconds)*time.Second); err != nil {
			respondError(c, err)
			return
		}
		writeProxy(c, pool, key)
	}
}

// UnbanProxy returns a handler for POST /api/v1/proxies/:key/unban.
func UnbanProxy(pool *proxypool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("key")
		if err := pool.Unban(key); err != nil {
			respondError(c, err)
			return
		}
		writeProxy(c, pool, key)
	}
}

// ProbeProxies returns a handler for POST /api/v1/proxies/probe.
func ProbeProxies(pool *proxypool.Pool, defaultConcurrency int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ProbeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				invalidInput(c, err)
				return
			}
		}
		concurrency := req.Concurrency
		if concurrency == 0 {
			concurrency = defaultConcurrency
		}

		results := pool.ProbeAll(c.Request.Context(), concurrency, req.BanFailed)
		resp := models.ProbeResponse{Results: results}
		for _, ok := range results {
			if ok {
				resp.Healthy++
			} else {
				resp.Failed++
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func writeProxy(c *gin.Context, pool *proxypool.Pool, key string) {
	px, ok := pool.Get(key)
	if !ok {
		respondError(c, proxypool.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, redact(px))
}
