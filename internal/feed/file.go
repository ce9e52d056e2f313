package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

const (
	LeadsFile    = "leads.json"
	ProfilesFile = "profiles.json"
)

// FileSource reads the feed from leads.json and profiles.json in Dir and
// watches the directory for rewrites. A missing file reads as empty.
type FileSource struct {
	Dir      string
	Debounce time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	changes chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewFileSource(dir string, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{
		Dir:      dir,
		Debounce: 200 * time.Millisecond,
		Clock:    clock.WallClock,
		Logger:   logger,
		changes:  make(chan struct{}, 1),
	}
}

func (f *FileSource) Changes() <-chan struct{} { return f.changes }

func (f *FileSource) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := readJSON(filepath.Join(f.Dir, LeadsFile), &snap.Leads); err != nil {
		return Snapshot{}, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if err := readJSON(filepath.Join(f.Dir, ProfilesFile), &snap.Profiles); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Start begins watching Dir. It is non-blocking; Close stops the watcher.
func (f *FileSource) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(f.Dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", f.Dir, err)
	}
	f.watcher = w
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run(ctx)
	f.Logger.Info("watching feed directory", zap.String("dir", f.Dir))
	return nil
}

func (f *FileSource) Close() error {
	f.mu.Lock()
	w := f.watcher
	if w == nil {
		f.mu.Unlock()
		return nil
	}
	f.watcher = nil
	f.mu.Unlock()

	close(f.stopCh)
	<-f.doneCh
	return w.Close()
}

func (f *FileSource) run(ctx context.Context) {
	defer close(f.doneCh)
	events, errs := f.watcher.Events, f.watcher.Errors

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			f.Logger.Debug("feed file changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			// Editors and exporters write in bursts; collapse them.
			pending = f.Clock.After(f.Debounce)
		case err, ok := <-errs:
			if !ok {
				return
			}
			f.Logger.Warn("feed watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			notify(f.changes)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	name := filepath.Base(ev.Name)
	if name != LeadsFile && name != ProfilesFile {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
