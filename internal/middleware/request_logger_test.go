package middleware

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(buf *bytes.Buffer, cfg ...RequestLoggerConfig) *fiber.App {
	logger := zerolog.New(buf)
	full := DefaultRequestLoggerConfig()
	if len(cfg) > 0 {
		full = cfg[0]
	}
	full.Logger = &logger

	app := fiber.New()
	app.Use(RequestLogger(full))
	app.Get("/ok", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusInternalServerError)
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestRequestLogger_LogsRequests(t *testing.T) {
	var buf bytes.Buffer
	app := newTestApp(&buf)

	resp, err := app.Test(httptest.NewRequest("GET", "/ok", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	out := buf.String()
	assert.Contains(t, out, `"method":"GET"`)
	assert.Contains(t, out, `"path":"/ok"`)
	assert.Contains(t, out, `"status":200`)
	assert.Contains(t, out, `"level":"info"`)
}

func TestRequestLogger_ServerErrorsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	app := newTestApp(&buf)

	resp, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestRequestLogger_SkipsConfiguredPaths(t *testing.T) {
	var buf bytes.Buffer
	app := newTestApp(&buf)

	_, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)

	assert.Empty(t, buf.String())
}

func TestRequestLogger_RedactsSensitiveQueryParams(t *testing.T) {
	var buf bytes.Buffer
	app := newTestApp(&buf)

	_, err := app.Test(httptest.NewRequest("GET", "/ok?token=supersecret&room=lobby", nil))
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "supersecret")
	assert.Contains(t, out, "room=lobby")
}

func TestRedactQueryString(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		contains string
		excludes string
	}{
		{"empty", "", "", ""},
		{"plain param kept", "room=lobby", "room=lobby", ""},
		{"token redacted", "token=abc123", "%5Bredacted%5D", "abc123"},
		{"case insensitive", "TOKEN=abc123", "%5Bredacted%5D", "abc123"},
		{"unparseable redacted wholesale", "a=%zz", "[redacted]", "%zz"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := redactQueryString(tc.input)
			if tc.contains != "" {
				assert.Contains(t, got, tc.contains)
			}
			if tc.excludes != "" {
				assert.NotContains(t, got, tc.excludes)
			}
		})
	}
}
