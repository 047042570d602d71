package tokens

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

const maxRemoteTableBytes = 32 << 20

// RefresherConfig configures cost table maintenance.
type RefresherConfig struct {
	Schedule     string // cron spec, e.g. "@every 8h"
	URL          string // remote JSON price list; empty disables refresh
	OverrideFile string // local YAML override; empty disables watching
	Client       *http.Client
}

// Refresher keeps a Table current: it pulls the remote price list on a cron
// schedule and reloads the override file whenever it changes. Refreshes run in
// the background and never block lookups.
type Refresher struct {
	table  *Table
	cfg    RefresherConfig
	logger *slog.Logger

	cron    *cron.Cron
	watcher *fsnotify.Watcher
	group   singleflight.Group

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewRefresher creates a refresher for table.
func NewRefresher(table *Table, cfg RefresherConfig, logger *slog.Logger) *Refresher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		table:  table,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
		done:   make(chan struct{}),
	}
}

// Start loads the override file, schedules remote refreshes, and begins
// watching the override file. An initial remote refresh runs in the background.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("tokens: refresher already running")
	}

	if r.cfg.OverrideFile != "" {
		if err := r.ReloadOverride(); err != nil {
			return err
		}
		if err := r.watch(); err != nil {
			return err
		}
	}

	if r.cfg.URL != "" {
		if _, err := cron.ParseStandard(r.cfg.Schedule); err != nil {
			return fmt.Errorf("tokens: invalid refresh schedule %q: %w", r.cfg.Schedule, err)
		}
		if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.refreshLogged(ctx) }); err != nil {
			return fmt.Errorf("tokens: schedule refresh: %w", err)
		}
		r.cron.Start()
		go r.refreshLogged(ctx)
	}

	r.running = true
	r.logger.Info("tokens: cost refresher started",
		"schedule", r.cfg.Schedule, "remote", r.cfg.URL != "", "override", r.cfg.OverrideFile)
	return nil
}

// Stop halts the schedule and the file watcher, waiting for a running refresh.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	<-r.cron.Stop().Done()
	if r.watcher != nil {
		_ = r.watcher.Close()
		<-r.done
	}
	r.running = false
}

// Refresh fetches the remote price list and replaces the base table.
// Concurrent calls share one fetch.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Refresher) refreshLogged(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("tokens: cost table refresh failed", "error", err)
	}
}

func (r *Refresher) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("tokens: refresh: %w", err)
	}
	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("tokens: refresh: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tokens: refresh: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteTableBytes))
	if err != nil {
		return fmt.Errorf("tokens: refresh: read body: %w", err)
	}
	models, err := ParseRemote(body)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("tokens: refresh: remote table has no chat models")
	}
	r.table.SetBase(models)
	r.logger.Info("tokens: cost table refreshed", "models", len(models))
	return nil
}

// ReloadOverride re-reads the override file. A missing file clears overrides.
func (r *Refresher) ReloadOverride() error {
	data, err := os.ReadFile(r.cfg.OverrideFile)
	if err != nil {
		if os.IsNotExist(err) {
			r.table.SetOverride(nil)
			return nil
		}
		return fmt.Errorf("tokens: read override %s: %w", r.cfg.OverrideFile, err)
	}
	models, err := ParseYAML(data)
	if err != nil {
		return err
	}
	r.table.SetOverride(models)
	return nil
}

// watch observes the override file's directory so editors that replace the
// file by rename are picked up.
func (r *Refresher) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tokens: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.cfg.OverrideFile)); err != nil {
		_ = w.Close()
		return fmt.Errorf("tokens: watch %s: %w", r.cfg.OverrideFile, err)
	}
	r.watcher = w

	target := filepath.Clean(r.cfg.OverrideFile)
	go func() {
		defer close(r.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&fsnotify.Chmod == ev.Op {
					continue
				}
				if err := r.ReloadOverride(); err != nil {
					r.logger.Warn("tokens: override reload failed", "file", target, "error", err)
					continue
				}
				r.logger.Info("tokens: override reloaded", "file", target, "op", ev.Op.String())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("tokens: watcher error", "error", err)
			}
		}
	}()
	return nil
}
