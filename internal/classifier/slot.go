package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"
)

const (
	lockRetryDelay = 250 * time.Millisecond
	warmTimeout    = 15 * time.Minute
)

// Loader produces a ready model. It runs with the slot's file lock held, so it
// may download artifacts without racing other processes.
type Loader func(ctx context.Context) (Model, error)

// loaded is a published model. Classify calls hold inUse for reading, so
// retire waits for them before releasing the model.
type loaded struct {
	model  Model
	inUse  sync.RWMutex
	closed bool
}

func (l *loaded) Tokenize(text string) []int64 { return l.model.Tokenize(text) }

func (l *loaded) Classify(ctx context.Context, window []int64) ([]Label, error) {
	l.inUse.RLock()
	defer l.inUse.RUnlock()
	if l.closed {
		return nil, ErrModelNotAvailable
	}
	return l.model.Classify(ctx, window)
}

// Close is a no-op; the slot owns the model's lifetime.
func (l *loaded) Close() error { return nil }

// retire waits for in-flight Classify calls, then closes the model. Later
// calls through stale references fail with ErrModelNotAvailable.
func (l *loaded) retire() error {
	l.inUse.Lock()
	defer l.inUse.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.model.Close()
}

// Slot holds one lazily loaded model. Reads after publication are lock-free;
// loads are serialized in-process by a mutex and across processes by a file
// lock at <tmp>/<name>.lock.
type Slot struct {
	name     string
	lockPath string
	load     Loader
	logger   *slog.Logger

	current atomic.Pointer[loaded]
	mu      sync.Mutex
	group   singleflight.Group
	warming atomic.Bool
}

// NewSlot creates an empty slot for the named model.
func NewSlot(name string, load Loader, logger *slog.Logger) *Slot {
	safe := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(name)
	return &Slot{
		name:     name,
		lockPath: filepath.Join(os.TempDir(), safe+".lock"),
		load:     load,
		logger:   logger,
	}
}

// Name returns the model name.
func (s *Slot) Name() string { return s.name }

// LockPath returns the advisory lock file guarding loads.
func (s *Slot) LockPath() string { return s.lockPath }

// Ready reports whether a model is published.
func (s *Slot) Ready() bool { return s.current.Load() != nil }

// Get returns the published model without blocking. The returned Model stays
// safe to use after a Reset; it then reports ErrModelNotAvailable. When the slot is empty it
// starts a background load and returns ErrModelNotAvailable.
func (s *Slot) Get() (Model, error) {
	if l := s.current.Load(); l != nil {
		return l, nil
	}
	s.Warm()
	return nil, ErrModelNotAvailable
}

// Warm starts a background load unless the slot is loaded or already warming.
func (s *Slot) Warm() {
	if s.Ready() || !s.warming.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.warming.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		defer cancel()
		if _, err := s.Load(ctx); err != nil {
			s.logger.Warn("classifier: background load failed", "model", s.name, "error", err)
		}
	}()
}

// Load returns the model, loading it first if needed. Concurrent callers share
// one load.
func (s *Slot) Load(ctx context.Context) (Model, error) {
	if l := s.current.Load(); l != nil {
		return l, nil
	}
	v, err, _ := s.group.Do(s.name, func() (any, error) {
		return s.loadLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(Model), nil
}

func (s *Slot) loadLocked(ctx context.Context) (m Model, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.current.Load(); l != nil {
		return l, nil
	}

	fl := flock.New(s.lockPath)
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("classifier: lock %s: %w", s.lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("classifier: lock %s: not acquired", s.lockPath)
	}
	defer func() {
		if uerr := fl.Unlock(); uerr != nil {
			s.logger.Warn("classifier: unlock failed", "path", s.lockPath, "error", uerr)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			s.current.Store(nil)
			m, err = nil, fmt.Errorf("classifier: load %s: panic: %v", s.name, r)
		}
	}()

	start := time.Now()
	m, err = s.load(ctx)
	if err != nil {
		s.current.Store(nil)
		return nil, fmt.Errorf("classifier: load %s: %w", s.name, err)
	}
	l := &loaded{model: m}
	s.current.Store(l)
	s.logger.Info("classifier: model loaded", "model", s.name, "duration_ms", time.Since(start).Milliseconds())
	return l, nil
}

// Reset clears the slot so the next access reloads. Scorers call it when a
// published model fails at inference time. The old model is closed once
// every in-flight Classify on it has returned.
func (s *Slot) Reset() {
	s.mu.Lock()
	l := s.current.Swap(nil)
	s.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.retire(); err != nil {
		s.logger.Warn("classifier: close model", "model", s.name, "error", err)
	}
}

// Close releases the published model, if any, after in-flight calls finish.
func (s *Slot) Close() error {
	s.mu.Lock()
	l := s.current.Swap(nil)
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.retire()
}
