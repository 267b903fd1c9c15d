package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// scriptWatcher reloads the running engine whenever the script file it
// was started from is written or recreated.
type scriptWatcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// newScriptWatcher watches scriptPath's directory and invokes onChange
// whenever that specific file is written or created. fsnotify watches
// directories rather than individual files so that editors which
// replace a file via rename-into-place are still picked up.
func newScriptWatcher(scriptPath string, onChange func()) (*scriptWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(scriptPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &scriptWatcher{fsWatcher: fw, done: make(chan struct{})}
	go w.processEvents(filepath.Base(scriptPath), onChange)
	return w, nil
}

func (w *scriptWatcher) processEvents(target string, onChange func()) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			onChange()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("script watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the fsnotify watcher.
// Safe to call multiple times.
func (w *scriptWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
