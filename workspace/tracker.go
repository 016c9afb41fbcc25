package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tracker watches the workspace and records which files changed, so each
// turn's environment snapshot can tell the model what moved under it since
// the previous turn.
type Tracker struct {
	root    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	changed map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTracker starts watching the workspace tree. Hidden state directories
// and dependency folders are skipped.
func NewTracker(root string) (*Tracker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		root:    root,
		watcher: watcher,
		changed: make(map[string]time.Time),
		stop:    make(chan struct{}),
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if skipDir(info.Name()) && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		return nil, err
	}

	go t.run()
	return t, nil
}

func skipDir(name string) bool {
	switch name {
	case ".git", ".spindle", "node_modules", "vendor":
		return true
	}
	return false
}

func (t *Tracker) run() {
	for {
		select {
		case <-t.stop:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.record(event)
		case _, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			// watch errors are non-fatal; the snapshot just gets stale
		}
	}
}

func (t *Tracker) record(event fsnotify.Event) {
	rel, err := filepath.Rel(t.root, event.Name)
	if err != nil {
		return
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if skipDir(part) {
			return
		}
	}

	// new directories need their own watch
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = t.watcher.Add(event.Name)
			return
		}
	}

	t.mu.Lock()
	t.changed[rel] = time.Now()
	t.mu.Unlock()
}

// Drain returns up to limit recently changed paths (most recent first) and
// clears the record. Called once per turn when building the environment
// snapshot.
func (t *Tracker) Drain(limit int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	type change struct {
		path string
		at   time.Time
	}
	changes := make([]change, 0, len(t.changed))
	for p, at := range t.changed {
		changes = append(changes, change{p, at})
	}
	t.changed = make(map[string]time.Time)

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].at.After(changes[j].at)
	})
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}

	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.path
	}
	return paths
}

// Close stops watching
func (t *Tracker) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return t.watcher.Close()
}
