package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/reelfetch/models"
	"github.com/use-agent/reelfetch/proxypool"
)

// Health returns a handler for GET /api/v1/health.
//
// Status degrades when no engine is configured or when the pool has
// proxies but none of them can be handed out.
func Health(f Fetcher, pool *proxypool.Pool, startTime time.Time, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := f.Stats()
		engines := make([]string, 0, len(snap.Engines))
		for name := range snap.Engines {
			engines = append(engines, name)
		}
		sort.Strings(engines)

		var ps proxypool.Stats
		if pool != nil {
			ps = pool.Stats()
		}

		status := "healthy"
		if len(engines) == 0 || (ps.Total > 0 && ps.Available == 0) {
			status = "degraded"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: version,
			Engines: engines,
			Pool:    ps,
		})
	}
}

// Stats returns a handler for GET /api/v1/stats.
func Stats(f Fetcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		order := f.Order()
		names := make([]string, len(order))
		for i, k := range order {
			names[i] = k.String()
		}
		c.JSON(http.StatusOK, models.StatsResponse{Snapshot: f.Stats(), Order: names})
	}
}
