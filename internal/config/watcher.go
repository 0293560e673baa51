package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 2 * time.Second

// fileStamp identifies one version of the config file.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher reloads the config file when its content changes and hands the
// previous and new configuration to a callback. Invalid versions are logged
// and skipped; the last valid configuration stays current.
//
// Call [Watcher.Run] to poll, and [Watcher.Reload] to force a check (the
// server wires it to SIGHUP).
type Watcher struct {
	path     string
	interval time.Duration
	loader   Loader
	log      *slog.Logger
	onChange func(old, new *Config)

	reload chan struct{}

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	lastErr error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLoader sets the loader used for every (re)load, e.g. to inject the
// environment lookup in tests.
func WithLoader(l Loader) WatcherOption {
	return func(w *Watcher) { w.loader = l }
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once and returns a watcher for it. The initial load
// must succeed. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	w.log = w.log.With("component", "config-watcher", "path", path)

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.stamp = stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns the error of the latest failed reload, or nil when the latest
// reload attempt succeeded.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Reload asks Run to re-read the file now, bypassing the size and mtime
// shortcut. It never blocks; requests made while one is pending coalesce.
func (w *Watcher) Reload() {
	select {
	case w.reload <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(false)
		case <-w.reload:
			w.check(true)
		}
	}
}

// check reloads the file if it changed. Unless forced, a file whose size and
// mtime are unchanged is not read at all.
func (w *Watcher) check(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.fail(fmt.Errorf("stat: %w", err))
			return
		}
		w.mu.Lock()
		same := info.Size() == w.stamp.size && info.ModTime().Equal(w.stamp.mtime)
		w.mu.Unlock()
		if same {
			return
		}
	}

	cfg, stamp, err := w.read()
	if err != nil {
		w.fail(err)
		return
	}

	w.mu.Lock()
	w.lastErr = nil
	if stamp.sum == w.stamp.sum {
		// Touched or rewritten with identical content.
		w.stamp = stamp
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.stamp = stamp
	w.mu.Unlock()

	w.log.Info("configuration reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.log.Warn("configuration reload failed, keeping previous version", "err", err)
}

// read loads and validates the file and stamps the bytes it parsed.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := w.loader.LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{
		size:  info.Size(),
		mtime: info.ModTime(),
		sum:   sha256.Sum256(data),
	}, nil
}
