package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/dwellogo/dealdesk/internal/server/handler"
	"github.com/dwellogo/dealdesk/internal/server/middleware"
)

type emptyService struct{ handler.NegotiationService }

func (emptyService) List(_ context.Context, actor domain.Actor, _ domain.NegotiationFilter) ([]domain.Negotiation, int64, error) {
	if actor.ID == "" {
		return nil, 0, domain.ErrUnauthorized
	}
	return nil, 0, nil
}

// openCatalog registers anything an agent sends.
type openCatalog struct{}

func (openCatalog) Lookup(_ context.Context, id string) (domain.Property, error) {
	return domain.Property{ID: id, OwnerID: "owner-1"}, nil
}

func (openCatalog) Register(_ context.Context, actor domain.Actor, p domain.Property) (domain.Property, error) {
	if actor.Role != domain.AccountAgent {
		return domain.Property{}, domain.ErrForbidden
	}
	return p, nil
}

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	n    int
	seen map[string]int
	err  error
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.seen[key]++
	return l.seen[key] <= l.n, nil
}

func newTestHandler(cfg Config, limiter domain.RateLimiter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	checkers := map[string]handler.Checker{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	return NewHandler(cfg, Handlers{
		Health:       handler.NewHealthHandler("server", checkers, logger),
		Negotiations: handler.NewNegotiationHandler(emptyService{}, logger),
		Properties:   handler.NewPropertyHandler(openCatalog{}, logger),
	}, nil, limiter, logger)
}

func serve(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_AuthAndIdentity(t *testing.T) {
	h := newTestHandler(Config{APIKey: "secret"}, nil)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/negotiations", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/api/negotiations",
		map[string]string{"X-API-Key": "wrong"}).Code)

	// Gateway key alone is not an identity.
	rec := serve(h, http.MethodGet, "/api/negotiations", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/negotiations", map[string]string{
		"Authorization":         "Bearer secret",
		middleware.HeaderUserID: "buyer-1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	h := newTestHandler(Config{APIKey: "secret", CORSOrigins: []string{"https://app.example"}}, nil)

	rec := serve(h, http.MethodOptions, "/api/negotiations/n1/status", map[string]string{"Origin": "https://app.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), middleware.HeaderUserID)

	rec = serve(h, http.MethodOptions, "/api/negotiations", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimitPerUser(t *testing.T) {
	limiter := &countingLimiter{n: 2, seen: map[string]int{}}
	h := newTestHandler(Config{RateLimitPerMinute: 2}, limiter)
	alice := map[string]string{middleware.HeaderUserID: "alice"}

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/negotiations", alice).Code)
	}
	rec := serve(h, http.MethodGet, "/api/negotiations", alice)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	bob := map[string]string{middleware.HeaderUserID: "bob"}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/negotiations", bob).Code)
	assert.Equal(t, 3, limiter.seen["ratelimit:api:user:alice"])
}

func TestServer_RateLimiterFailsOpen(t *testing.T) {
	h := newTestHandler(Config{RateLimitPerMinute: 1}, &countingLimiter{err: errors.New("redis down")})
	rec := serve(h, http.MethodGet, "/api/negotiations", map[string]string{middleware.HeaderUserID: "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Status(t *testing.T) {
	h := newTestHandler(Config{}, nil)
	rec := serve(h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)
	assert.Contains(t, rec.Body.String(), `"redis":"error: connection refused"`)
}

func TestServer_PropertySyncBehindGatewayKey(t *testing.T) {
	h := newTestHandler(Config{APIKey: "secret"}, nil)
	agent := map[string]string{
		"X-API-Key":               "secret",
		middleware.HeaderUserID:   "agent-1",
		middleware.HeaderUserRole: "agent",
	}

	req := httptest.NewRequest(http.MethodPut, "/api/properties/p1", strings.NewReader(`{"title":"Loft","owner_id":"owner-1"}`))
	for k, v := range agent {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Loft"`)

	delete(agent, "X-API-Key")
	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodPut, "/api/properties/p1", agent).Code)

	buyer := map[string]string{"X-API-Key": "secret", middleware.HeaderUserID: "buyer-1"}
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/api/properties/p1", buyer).Code)
}
