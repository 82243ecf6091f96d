package config

import (
	"github.com/fsnotify/fsnotify"

	"github.com/pipeworks/stagewright/internal/logx"
)

// Watcher notifies a callback when the pipeline config file on disk
// changes, passing the freshly loaded Root (or the load error). It does
// not apply anything to a running loop itself; the callback decides what
// a changed file means.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	done    chan struct{}
}

// WatchFile starts watching path and invokes onChange (with the loaded
// Root, or the load error) every time the file is written. Call Close to
// stop watching.
func WatchFile(path string, onChange func(*Root, error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, path: path, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				root, err := Load(path)
				onChange(root, err)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logx.Error("config watch error", logx.F("path", path), logx.F("error", err))
			}
		}
	}()

	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
