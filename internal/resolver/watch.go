package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher evicts memoised cache entries whose directories are removed or
// renamed away from the cache base by another process.
type Watcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching the cache base until ctx is done or Close is called.
func (c *DirCache) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(c.base); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", c.base, err)
	}

	w := &Watcher{w: fw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				fw.Close()
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				key := filepath.Base(ev.Name)
				if strings.HasPrefix(key, stagingPrefix) {
					continue
				}
				c.Forget(key)
				c.logger.Debug("cache entry removed externally", zap.String("key", key))
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				c.logger.Warn("cache watcher error", zap.Error(err))
			}
		}
	}()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
