package state

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pidginlab/pidgin/internal/experiment"
)

// DefaultPollInterval is the fallback cadence when inotify is unavailable and
// the floor between change notifications.
const DefaultPollInterval = 2 * time.Second

// Watch emits a tick whenever the experiment directory's observable files
// change: manifest, experiment events, or any conversation's state or log.
// New conversation directories are picked up as they appear. When fsnotify
// cannot be set up, Watch degrades to polling. The channel closes when ctx is
// cancelled.
func Watch(ctx context.Context, dir string, poll time.Duration) <-chan struct{} {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ch := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		go pollLoop(ctx, ch, poll)
		return ch
	}

	watcher.Add(dir)
	watcher.Add(experiment.ConversationsDir(dir))
	addConversationDirs(watcher, dir)

	go func() {
		defer close(ch)
		defer watcher.Close()
		// The ticker backstops missed inotify events (renames over NFS,
		// overflow) and drives the poll fallback.
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						watcher.Add(ev.Name)
					}
				}
				notify(ch)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
				notify(ch)
			case <-ticker.C:
				notify(ch)
			}
		}
	}()
	return ch
}

func addConversationDirs(watcher *fsnotify.Watcher, dir string) {
	entries, err := os.ReadDir(experiment.ConversationsDir(dir))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			watcher.Add(filepath.Join(experiment.ConversationsDir(dir), entry.Name()))
		}
	}
}

func pollLoop(ctx context.Context, ch chan struct{}, poll time.Duration) {
	defer close(ch)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notify(ch)
		}
	}
}

// notify coalesces pending ticks; observers re-read full state on each tick.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
