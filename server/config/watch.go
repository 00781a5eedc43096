package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events that a single save usually produces
const DefaultWatchDebounce = 100 * time.Millisecond

// ParamsWatcher calls OnChange whenever the parameters document is written or replaced.
// We watch the directory rather than the file, so that atomic rename-into-place is seen too.
type ParamsWatcher struct {
	Log      logs.Log
	Path     string
	OnChange func()

	debounce time.Duration
	watcher  *fsnotify.Watcher
	closed   chan struct{}
	wg       sync.WaitGroup
}

func NewParamsWatcher(log logs.Log, path string, debounce time.Duration, onChange func()) (*ParamsWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("Failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("Failed to watch %v: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	w := &ParamsWatcher{
		Log:      log,
		Path:     path,
		OnChange: onChange,
		debounce: debounce,
		watcher:  watcher,
		closed:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

func (w *ParamsWatcher) watchLoop() {
	defer w.wg.Done()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	name := filepath.Base(w.Path)

	for {
		select {
		case <-w.closed:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.fire)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Log.Warnf("Parameters watcher error: %v", err)
		}
	}
}

func (w *ParamsWatcher) fire() {
	select {
	case <-w.closed:
		return
	default:
	}
	w.Log.Infof("Parameters file %v changed", w.Path)
	w.OnChange()
}

func (w *ParamsWatcher) Close() error {
	close(w.closed)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
