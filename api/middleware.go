package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Domenick1991/paysession/internal/metrics"
	"github.com/gin-gonic/gin"
)

// CORS sets the permissive headers every payment endpoint answers with.
func CORS(methods ...string) gin.HandlerFunc {
	allowed := allowedMethods(methods)
	return func(c *gin.Context) {
		setCORSHeaders(c.Writer.Header(), allowed)
		c.Next()
	}
}

// routeCORS answers unmatched verbs with the CORS headers of the route that
// owns the path, so a 405 advertises the methods the endpoint does accept.
func routeCORS(engine *gin.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var methods []string
		for _, route := range engine.Routes() {
			if route.Path == c.Request.URL.Path && route.Method != http.MethodOptions {
				methods = append(methods, route.Method)
			}
		}
		setCORSHeaders(c.Writer.Header(), allowedMethods(methods))
		c.Next()
	}
}

func allowedMethods(methods []string) string {
	all := make([]string, 0, len(methods)+1)
	all = append(all, methods...)
	return strings.Join(append(all, http.MethodOptions), ", ")
}

func setCORSHeaders(h http.Header, allowed string) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Allow-Methods", allowed)
}

func preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

// Recovery turns a panic into the 500 JSON contract.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.ErrorContext(c.Request.Context(), "panic while handling request",
			"path", c.Request.URL.Path, "panic", recovered)
		internalError(c, fmt.Sprint(recovered))
	})
}

// RequestLogger logs one line per request and records request metrics.
func RequestLogger(logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()

		m.Request(route, c.Request.Method, strconv.Itoa(status), elapsed.Seconds())

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}
