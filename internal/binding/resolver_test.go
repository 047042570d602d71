package binding_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/binding"
	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu          sync.Mutex
	rules       map[uuid.UUID][]model.Rule
	ruleReads   atomic.Int32
	metricReads atomic.Int32
	err         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rules: make(map[uuid.UUID][]model.Rule)}
}

func (s *fakeStore) setRules(task uuid.UUID, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]model.Rule, n)
	for i := range rules {
		rules[i] = model.Rule{ID: uuid.New()}
	}
	s.rules[task] = rules
}

func (s *fakeStore) EnabledRulesForTask(_ context.Context, taskID uuid.UUID) ([]model.Rule, error) {
	s.ruleReads.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules[taskID], nil
}

func (s *fakeStore) EnabledMetricsForTask(context.Context, uuid.UUID) ([]model.Metric, error) {
	s.metricReads.Add(1)
	return []model.Metric{{ID: uuid.New()}}, nil
}

func TestResolver_CachesUntilInvalidated(t *testing.T) {
	store := newFakeStore()
	r := binding.NewResolver(store, time.Minute, testLogger())
	defer r.Close()
	task := uuid.New()
	store.setRules(task, 2)

	for range 3 {
		got, err := r.Rules(t.Context(), task)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	}
	assert.EqualValues(t, 1, store.ruleReads.Load())

	store.setRules(task, 3)
	got, _ := r.Rules(t.Context(), task)
	assert.Len(t, got, 2, "stale read within TTL")

	r.Invalidate(task)
	got, err := r.Rules(t.Context(), task)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.EqualValues(t, 2, store.ruleReads.Load())

	_, err = r.Metrics(t.Context(), task)
	require.NoError(t, err)
	_, err = r.Metrics(t.Context(), task)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.metricReads.Load())
}

func TestResolver_DisabledCacheReadsThrough(t *testing.T) {
	store := newFakeStore()
	r := binding.NewResolver(store, 0, testLogger())
	defer r.Close()
	assert.False(t, r.Cached())

	task := uuid.New()
	for range 3 {
		_, err := r.Rules(t.Context(), task)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, store.ruleReads.Load())
	r.Invalidate(task)
	r.InvalidateAll()
}

func TestResolver_ErrorsAreNotCached(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection reset")
	r := binding.NewResolver(store, time.Minute, testLogger())
	defer r.Close()

	task := uuid.New()
	_, err := r.Rules(t.Context(), task)
	require.Error(t, err)

	store.err = nil
	_, err = r.Rules(t.Context(), task)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.ruleReads.Load())
}

func TestResolver_Apply(t *testing.T) {
	store := newFakeStore()
	r := binding.NewResolver(store, time.Minute, testLogger())
	defer r.Close()
	a, b := uuid.New(), uuid.New()

	warm := func() {
		_, _ = r.Rules(t.Context(), a)
		_, _ = r.Rules(t.Context(), b)
	}
	warm()
	assert.EqualValues(t, 2, store.ruleReads.Load())

	r.Apply(a.String())
	warm()
	assert.EqualValues(t, 3, store.ruleReads.Load())

	r.Apply(storage.AllTasks)
	warm()
	assert.EqualValues(t, 5, store.ruleReads.Load())

	r.Apply("not-a-uuid")
	warm()
	assert.EqualValues(t, 5, store.ruleReads.Load())
}

// chanNotifier delivers payloads sent on ch.
type chanNotifier struct {
	ch       chan string
	listened atomic.Bool
}

func (n *chanNotifier) Listen(context.Context, string) error {
	n.listened.Store(true)
	return nil
}

func (n *chanNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case p := <-n.ch:
		return storage.ChannelBindings, p, nil
	}
}

func TestResolver_Listen(t *testing.T) {
	store := newFakeStore()
	r := binding.NewResolver(store, time.Minute, testLogger())
	defer r.Close()
	task := uuid.New()
	_, _ = r.Rules(t.Context(), task)

	ctx, cancel := context.WithCancel(t.Context())
	n := &chanNotifier{ch: make(chan string)}
	done := make(chan struct{})
	go func() {
		r.Listen(ctx, n)
		close(done)
	}()

	n.ch <- task.String()
	require.Eventually(t, func() bool {
		_, _ = r.Rules(t.Context(), task)
		return store.ruleReads.Load() >= 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
	assert.True(t, n.listened.Load())
}
