package middleware

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionlens/api/internal/auth"
	"github.com/sessionlens/api/internal/logging"
)

func whoami(c *fiber.Ctx) error {
	return c.SendString(GetUserID(c) + "|" + GetUserEmail(c))
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestAuthenticateSetsIdentity(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware("s3cret").Authenticate(), whoami)

	token, err := auth.IssueToken("clinician-7", "c7@example.com", "s3cret", time.Hour)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "clinician-7|c7@example.com", body(t, resp))
}

func TestAuthenticateWithoutSecretRejects(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware("").Authenticate(), whoami)

	req, _ := http.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoami)

	req, _ := http.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-Id", "u-1")
	req.Header.Set("X-User-Email", "u1@example.com")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "u-1|u1@example.com", body(t, resp))

	req, _ = http.NewRequest(http.MethodGet, "/me", nil)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimitWithoutRedisPassesThrough(t *testing.T) {
	app := fiber.New()
	app.Get("/x", GatewayAuthMiddleware(), NewRateLimiter(nil, logging.Discard()).UploadLimit(1), whoami)

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-User-Id", "u-1")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestRateLimitBlocksAfterMax(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	user := "u-" + uuid.NewString()
	app := fiber.New()
	app.Post("/analyze", GatewayAuthMiddleware(), NewRateLimiter(client, logging.Discard()).AnalyzeLimit(2), whoami)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, "/analyze", nil)
		req.Header.Set("X-User-Id", user)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
