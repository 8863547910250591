package utils

import (
	"fmt"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
)

// CaptureSentryError reports an error or message to Sentry, enriching it with
// request metadata when a gin context is available. A nil err with a non-empty
// message is sent as a Sentry message event.
func CaptureSentryError(c *gin.Context, err error, message string, extras map[string]interface{}) {
	if err == nil && message == "" {
		return
	}

	hub := requestHub(c)
	if hub == nil {
		return
	}

	hub.WithScope(func(scope *sentry.Scope) {
		annotateScope(scope, c, message, extras)
		if err != nil {
			scope.SetTag("sentry.capture_type", "exception")
			hub.CaptureException(err)
			return
		}
		scope.SetTag("sentry.capture_type", "message")
		hub.CaptureMessage(message)
	})
}

// CaptureSentryPanic converts a recovered panic into a Sentry event.
func CaptureSentryPanic(location string, recovered interface{}) {
	if recovered == nil {
		return
	}
	err := fmt.Errorf("panic recovered in %s: %v", location, recovered)
	CaptureSentryError(nil, err, location, map[string]interface{}{
		"panic_value": recovered,
	})
}

// requestHub prefers the per-request hub bound by sentrygin so events land on
// the request's transaction; it falls back to the process-wide hub.
func requestHub(c *gin.Context) *sentry.Hub {
	if c != nil {
		if hub := sentrygin.GetHubFromContext(c); hub != nil {
			return hub
		}
	}
	return sentry.CurrentHub()
}

func annotateScope(scope *sentry.Scope, c *gin.Context, message string, extras map[string]interface{}) {
	scope.SetTag("service", "telemetry-backend")
	if c != nil {
		scope.SetTag("http.method", c.Request.Method)
		scope.SetTag("http.path", c.FullPath())
		scope.SetExtra("request_url", c.Request.URL.String())
		scope.SetExtra("client_ip", c.ClientIP())
	}
	if message != "" {
		scope.SetExtra("context", message)
	}
	for k, v := range extras {
		scope.SetExtra(k, v)
	}
}
