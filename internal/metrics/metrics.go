package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsIngested counts accepted telemetry events.
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_events_ingested_total",
		Help: "Number of telemetry events accepted and stored.",
	})

	// EventsRejected counts rejected submissions by reason.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_events_rejected_total",
		Help: "Number of telemetry submissions rejected.",
	}, []string{"reason"})

	// LoginAttempts counts login outcomes.
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_login_attempts_total",
		Help: "Number of login attempts by outcome.",
	}, []string{"result"})

	// ImportRows counts rows applied by database imports.
	ImportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_import_rows_total",
		Help: "Number of rows applied by database imports, by table.",
	}, []string{"table"})
)

// Handler exposes the Prometheus registry on a gin route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
