package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(*Config)

	done chan struct{}
	once sync.Once
}

// Watch calls onLoad with the freshly loaded configuration every time the
// file at path is written, created or renamed into place. Files that fail
// to load or validate are logged and skipped. The parent directory is
// watched so editors that replace the file are seen.
func Watch(path string, onLoad func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	path = filepath.Clean(path)
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		onLoad:  onLoad,
		done:    make(chan struct{}),
	}
	go w.loop()

	log.WithField("path", path).Debug("watching config file")
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.WithField("path", w.path).WithError(err).Warn("ignoring invalid config change")
		return
	}
	log.WithField("path", w.path).Info("config reloaded")
	w.onLoad(cfg)
}

// Close stops watching and waits for the watch loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
