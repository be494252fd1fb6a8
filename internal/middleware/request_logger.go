// Package middleware provides fiber middleware shared by the HTTP surface.
package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sensitiveQueryParams are query parameters that should be redacted from logs
var sensitiveQueryParams = []string{"token", "api_key", "apikey", "key", "secret", "password"}

// RequestLoggerConfig holds configuration for request logging
type RequestLoggerConfig struct {
	// SkipPaths are paths that should not be logged (e.g., health checks)
	SkipPaths []string
	// Logger is the zerolog logger to use (defaults to global log)
	Logger *zerolog.Logger
	// SlowRequestThreshold logs slow requests with WARN level (0 = disabled)
	SlowRequestThreshold time.Duration
}

// DefaultRequestLoggerConfig returns default configuration
func DefaultRequestLoggerConfig() RequestLoggerConfig {
	return RequestLoggerConfig{
		SkipPaths: []string{
			"/health",
			"/metrics",
		},
		SlowRequestThreshold: 1 * time.Second,
	}
}

// redactQueryString redacts sensitive query parameters from a query string
func redactQueryString(queryString string) string {
	if queryString == "" {
		return ""
	}

	values, err := url.ParseQuery(queryString)
	if err != nil {
		// If we can't parse it, redact the whole thing to be safe
		return "[redacted]"
	}

	for _, param := range sensitiveQueryParams {
		for key := range values {
			if strings.EqualFold(key, param) {
				values.Set(key, "[redacted]")
			}
		}
	}

	return values.Encode()
}

// RequestLogger returns a middleware that logs requests with structured logging
func RequestLogger(config ...RequestLoggerConfig) fiber.Handler {
	cfg := DefaultRequestLoggerConfig()
	if len(config) > 0 {
		cfg = config[0]
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()
		for _, skipPath := range cfg.SkipPaths {
			if path == skipPath {
				return c.Next()
			}
		}

		start := time.Now()

		requestID := c.Locals("requestid")
		if requestID == nil {
			requestID = c.Get("X-Request-ID", "")
		}

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		var logEvent *zerolog.Event
		switch {
		case err != nil:
			logEvent = logger.Error().Err(err)
		case status >= 500:
			logEvent = logger.Error()
		case status >= 400:
			logEvent = logger.Warn()
		case cfg.SlowRequestThreshold > 0 && duration > cfg.SlowRequestThreshold:
			logEvent = logger.Warn().Bool("slow_request", true)
		default:
			logEvent = logger.Info()
		}

		logEvent = logEvent.
			Str("request_id", toString(requestID)).
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Int("status", status).
			Int64("duration_ms", duration.Milliseconds()).
			Str("user_agent", c.Get("User-Agent"))

		if queryString := string(c.Request().URI().QueryString()); queryString != "" {
			logEvent = logEvent.Str("query", redactQueryString(queryString))
		}

		logEvent.Msg("HTTP request")

		return err
	}
}

// toString safely converts interface{} to string
func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
