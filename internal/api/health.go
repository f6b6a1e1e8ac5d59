package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	health := s.registry.Health()
	available := 0
	for _, h := range health {
		available += h.Available
	}

	status := "ok"
	code := http.StatusOK
	if available == 0 {
		// Still serving, but every request will be rejected until a quota
		// window resets or config changes.
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"providers": health,
		"counters":  s.counters.Snapshot(),
	})
}

// handleUsage answers historical queries from the persistence backend. The
// optional "since" query parameter takes a Go duration (default 24h).
func (s *Server) handleUsage(c *gin.Context) {
	if s.backend == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": gin.H{"type": "not_configured", "message": "usage persistence is not configured"},
		})
		return
	}

	window := 24 * time.Hour
	if raw := c.Query("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"type": "invalid_request", "message": "since must be a positive duration"},
			})
			return
		}
		window = d
	}
	since := time.Now().UTC().Add(-window)

	ctx := c.Request.Context()
	global, err := s.backend.QueryGlobalStats(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"type": "internal_error", "message": "usage query failed"},
		})
		return
	}
	providers, err := s.backend.QueryProviderStats(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"type": "internal_error", "message": "usage query failed"},
		})
		return
	}
	daily, err := s.backend.QueryDailyStats(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"type": "internal_error", "message": "usage query failed"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"since":     since,
		"global":    global,
		"providers": providers,
		"daily":     daily,
	})
}
