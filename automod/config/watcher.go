package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// Re-reads the policy config file when it changes on disk, and hands the parsed result to OnChange.
//
// The containing directory is watched as well, so editors which replace the file (write to temp, then rename) are handled.
type Watcher struct {
	Logger   *slog.Logger
	Debounce time.Duration
	OnChange func(f *File) error

	path     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewWatcher(path string, logger *slog.Logger, onChange func(f *File) error) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Logger:   logger.With("component", "config-watcher", "file", abs),
		Debounce: DefaultDebounce,
		OnChange: onChange,
		path:     abs,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
	w.Logger.Info("watching policy config for changes")
}

func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.schedule()
			} else if ev.Has(fsnotify.Remove) {
				w.Logger.Warn("policy config file removed; keeping current policies")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Logger.Error("file watcher error", "err", err)
		case <-w.stopCh:
			return
		}
	}
}

// editors tend to produce several events per save; collapse them into one reload
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.Debounce, func() {
		if err := w.reload(); err != nil {
			w.Logger.Error("policy config reload failed; keeping current policies", "err", err)
		}
	})
}

func (w *Watcher) reload() error {
	f, err := Load(w.path)
	if err != nil {
		return err
	}
	if w.OnChange != nil {
		if err := w.OnChange(f); err != nil {
			return err
		}
	}
	w.Logger.Info("policy config reloaded", "overrides", len(f.Policies))
	return nil
}
