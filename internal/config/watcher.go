package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// File names inside the config directory.
const (
	ConfigFile     = "config.yaml"
	InterlocksFile = "interlocks.yaml"
)

// Debounce is how long the watcher waits after the last event on a file
// before firing its callback. Editors emit several events per save.
const Debounce = 100 * time.Millisecond

// WatchTargets holds callbacks that fire when specific config files change.
// The running server sets these at startup.
type WatchTargets struct {
	// OnConfigChange fires when config.yaml is written or created.
	// The server reloads it and applies the new log level.
	OnConfigChange func()

	// OnInterlocksChange fires when interlocks.yaml is written or created,
	// so a hand-edited file takes effect without a restart.
	OnInterlocksChange func()
}

// Watcher monitors the gridledger config directory with fsnotify. Bursts
// of events on config.yaml or interlocks.yaml are collapsed into one
// callback, and a save that leaves the content unchanged fires nothing.
//
// Call Close() to stop the background goroutine.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory and
// starts processing events in a background goroutine.
func NewWatcher(dir string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	// Watch the directory, not the files: editors replace files on save.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		dir:       dir,
		done:      make(chan struct{}),
	}

	callbacks := map[string]func(){
		ConfigFile:     targets.OnConfigChange,
		InterlocksFile: targets.OnInterlocksChange,
	}
	digests := make(map[string][sha256.Size]byte)
	for name := range callbacks {
		if sum, err := w.digest(name); err == nil {
			digests[name] = sum
		}
	}

	go w.processEvents(callbacks, digests)

	slog.Info("file watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(callbacks map[string]func(), digests map[string][sha256.Size]byte) {
	pending := make(map[string]bool)
	timer := time.NewTimer(Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if callbacks[name] == nil {
				continue
			}
			pending[name] = true
			timer.Reset(Debounce)

		case <-timer.C:
			// Config first so a new log level applies to the interlock reload.
			for _, name := range []string{ConfigFile, InterlocksFile} {
				if !pending[name] {
					continue
				}
				delete(pending, name)

				sum, err := w.digest(name)
				if err != nil {
					slog.Warn("changed file not readable, skipping reload", "file", name, "error", err)
					continue
				}
				if prev, seen := digests[name]; seen && prev == sum {
					slog.Debug("file saved without changes", "file", name)
					continue
				}
				digests[name] = sum

				slog.Info("config file changed, triggering reload", "file", name)
				callbacks[name]()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) digest(name string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
