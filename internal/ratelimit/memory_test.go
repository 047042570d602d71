package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/auth"
	"github.com/ashita-ai/mamori/internal/ctxutil"
	"github.com/ashita-ai/mamori/internal/model"
)

func newLimiter(t *testing.T, rps float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rps, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := newLimiter(t, 0.001, 3)
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefill(t *testing.T) {
	m := newLimiter(t, 1000, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k")
	require.False(t, ok)

	time.Sleep(5 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := newLimiter(t, 0.001, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := newLimiter(t, 0.001, 50)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvict(t *testing.T) {
	m := newLimiter(t, 10, 1)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "old")
	_, _ = m.Allow(ctx, "new")
	m.mu.Lock()
	m.entries["old"].lastAccess = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	m.evictBefore(time.Now().Add(-staleThreshold))
	assert.Equal(t, 1, m.Len())
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestMiddleware(t *testing.T) {
	m := newLimiter(t, 0.001, 1)
	h := Middleware(m, CallerKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(remote string, p *auth.Principal) int {
		r := httptest.NewRequest(http.MethodGet, "/api/v2/tasks", nil)
		r.RemoteAddr = remote
		if p != nil {
			r = r.WithContext(ctxutil.WithPrincipal(r.Context(), p))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5000", nil))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:5001", nil), "same ip, other port")
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:5000", nil))

	keyID := uuid.New()
	user := &auth.Principal{Method: auth.MethodAPIKey, APIKeyID: &keyID, Roles: []model.Role{model.RoleValidationUser}}
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5000", user), "keyed separately from ip")
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.3:5000", user))

	admin := &auth.Principal{Method: auth.MethodAdminKey}
	for range 3 {
		assert.Equal(t, http.StatusNoContent, do("10.0.0.1:5000", admin))
	}
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
}
