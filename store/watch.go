package store

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events produced by one commit.
const DefaultWatchDebounce = 100 * time.Millisecond

// WatchFile calls fn with the partition name whenever a partition file in
// dir is committed or removed, by this process or any other. It blocks until
// ctx is done.
func WatchFile(ctx context.Context, dir string, fn func(partition string), opts ...Option) error {
	cfg := applyOptions(opts)
	log := cfg.logger.WithPrefix("[watch]")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return unavailable(err, "store: create watcher")
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return unavailable(err, "store: watch %s", dir)
	}

	var mu sync.Mutex
	timers := map[string]*time.Timer{}
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, fileExt) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			partition := strings.TrimSuffix(name, fileExt)
			log.Trace("%s %s", ev.Op, partition)
			mu.Lock()
			if t, ok := timers[partition]; ok {
				t.Stop()
			}
			timers[partition] = time.AfterFunc(DefaultWatchDebounce, func() {
				if ctx.Err() == nil {
					fn(partition)
				}
			})
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("watcher error: %v", err)
		}
	}
}
