package server

import (
	"net/http"

	"payvault/internal/api"
	"payvault/internal/notification"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health reports liveness plus the state of the engine's dependencies:
// the database connection and the notification queue depth.
func Health(db *sqlx.DB, notifier *notification.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := api.HealthResponse{Status: "ok", Database: "ok"}

		if err := db.PingContext(c.Request.Context()); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
		}

		if notifier != nil {
			resp.Queue = notifier.QueueLength(c.Request.Context())
		}

		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
