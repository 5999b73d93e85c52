package shaders

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/helios/engine/core"
)

// Watcher flags shader binaries changed on disk. Detection only: the engine
// logs the change and marks a pending rebuild; recompilation stays with the
// external toolchain.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu      sync.Mutex
	modules map[string]*Module
	changed map[string]bool
}

func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("shaders: failed to create watcher: %w", err)
	}
	w := &Watcher{
		watcher: fsw,
		done:    make(chan struct{}),
		modules: make(map[string]*Module),
		changed: make(map[string]bool),
	}
	go w.run()
	return w, nil
}

// Watch registers a module for change detection.
func (w *Watcher) Watch(m *Module) error {
	w.mu.Lock()
	w.modules[m.Path] = m
	w.mu.Unlock()

	// fsnotify watches directories more reliably than single files across
	// editors that write via rename.
	if err := w.watcher.Add(filepath.Dir(m.Path)); err != nil {
		return fmt.Errorf("shaders: failed to watch '%s': %w", m.Path, err)
	}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path := filepath.Clean(event.Name)
			w.mu.Lock()
			if m, tracked := w.modules[path]; tracked {
				w.changed[path] = true
				core.LogWarn("shader module '%s' changed on disk, pipeline rebuild pending", m.Name)
			}
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			core.LogError("shader watcher error: %s", err.Error())
		}
	}
}

// TakeChanged returns modules flagged since the last call and clears the
// flags. Called once per frame from the driving goroutine.
func (w *Watcher) TakeChanged() []*Module {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.changed) == 0 {
		return nil
	}
	out := make([]*Module, 0, len(w.changed))
	for path := range w.changed {
		if m, ok := w.modules[path]; ok {
			out = append(out, m)
		}
		delete(w.changed, path)
	}
	return out
}

func (w *Watcher) Shutdown() error {
	close(w.done)
	return w.watcher.Close()
}
