package chainconfig

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/resinat/tunnelcore/internal/dialer"
	"github.com/resinat/tunnelcore/internal/endpoint"
	"github.com/resinat/tunnelcore/internal/netutil"
)

const defaultDebounce = 200 * time.Millisecond

// Loader owns the on-disk manifest file, watches it for changes, and
// optionally keeps it synced against a remote URL on a cron schedule.
// Grounded on internal/subscription.Subscription's fetch-parse-hot-swap
// loop, split here into the file/watch half (this type) and the remote
// half (RemoteSync) since the manifest now has two independent refresh
// triggers instead of one polling loop.
type Loader struct {
	path     string
	current  atomic.Pointer[Manifest]
	onReload func(*Manifest)
}

// NewLoader reads path once and constructs a Loader around it. path must
// exist; use an empty Manifest file to start with an all-direct policy.
func NewLoader(path string) (*Loader, error) {
	m, err := LoadManifestFile(path)
	if err != nil {
		return nil, err
	}
	l := &Loader{path: path}
	l.current.Store(m)
	return l, nil
}

// Current returns the most recently loaded manifest. Never nil after
// NewLoader succeeds.
func (l *Loader) Current() *Manifest {
	return l.current.Load()
}

// Resolve resolves target against the current manifest (see
// Manifest.Resolve).
func (l *Loader) Resolve(target endpoint.Endpoint) ([]dialer.ChainHop, bool) {
	return l.Current().Resolve(target)
}

// OnReload registers a callback invoked with the new manifest every time
// it is swapped in, from either the file watcher or a remote sync. Only
// one callback is kept; call before Watch/RemoteSync.Start.
func (l *Loader) OnReload(fn func(*Manifest)) {
	l.onReload = fn
}

func (l *Loader) reloadFromDisk() error {
	m, err := LoadManifestFile(l.path)
	if err != nil {
		return err
	}
	l.current.Store(m)
	if l.onReload != nil {
		l.onReload(m)
	}
	return nil
}

// Watch blocks, reloading the manifest from disk whenever it changes, debounced to
// absorb editors that write a file in several steps (truncate then write,
// or write-to-temp-then-rename). Returns when ctx is cancelled. Mirrors
// mercator-hq-jupiter's FileWatcher.Watch event loop: an fsnotify.Watcher
// on the containing directory, a debounce timer per burst of events,
// skipping Chmod-only events.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("chainconfig: new watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("chainconfig: watch %s: %w", dir, err)
	}

	var timer *time.Timer
	reload := func() {
		if err := l.reloadFromDisk(); err != nil {
			log.Printf("chainconfig: reload %s failed: %v", l.path, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("chainconfig: watcher events channel closed")
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(defaultDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("chainconfig: watcher errors channel closed")
			}
			log.Printf("chainconfig: watcher error: %v", err)
		}
	}
}

// RemoteSync periodically re-fetches a remote manifest and writes it over
// the local file path, which in turn trips Watch's fsnotify-driven reload
// (the two refresh paths converge on the same file rather than swapping
// the in-memory manifest directly, so the on-disk copy stays the
// source of truth a restart can read). Grounded on the teacher's
// GeoIPUpdateSchedule cron spec (internal/state or probe's cron wiring) and
// internal/netutil.Downloader for the fetch itself.
type RemoteSync struct {
	loader     *Loader
	downloader netutil.Downloader
	url        string
	cronExpr   string

	cr *cron.Cron
}

// NewRemoteSync constructs a remote sync that will fetch url on cronExpr
// (standard 5-field cron syntax) and persist it to the Loader's path.
func NewRemoteSync(l *Loader, downloader netutil.Downloader, url, cronExpr string) *RemoteSync {
	return &RemoteSync{loader: l, downloader: downloader, url: url, cronExpr: cronExpr}
}

// Start schedules the fetch and returns immediately; call Stop to end it.
// An immediate fetch runs first so the manifest is fresh at startup rather
// than waiting for the first cron tick.
func (r *RemoteSync) Start(ctx context.Context) error {
	if err := r.fetchOnce(ctx); err != nil {
		log.Printf("chainconfig: initial remote sync failed: %v", err)
	}

	r.cr = cron.New()
	_, err := r.cr.AddFunc(r.cronExpr, func() {
		if err := r.fetchOnce(ctx); err != nil {
			log.Printf("chainconfig: remote sync failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("chainconfig: schedule %q: %w", r.cronExpr, err)
	}
	r.cr.Start()
	return nil
}

// Stop ends the cron schedule. Safe to call even if Start failed.
func (r *RemoteSync) Stop() {
	if r.cr != nil {
		r.cr.Stop()
	}
}

func (r *RemoteSync) fetchOnce(ctx context.Context) error {
	body, err := r.downloader.Download(ctx, r.url)
	if err != nil {
		return fmt.Errorf("download %s: %w", r.url, err)
	}
	if _, err := ParseManifest(body); err != nil {
		return fmt.Errorf("validate remote manifest: %w", err)
	}
	if err := os.WriteFile(r.loader.path, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", r.loader.path, err)
	}
	return nil
}
