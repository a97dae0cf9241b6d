package policy

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/muxgate/muxgate/internal/util"
)

// Store holds the current policy behind an atomic pointer. Readers on the
// connection hot path call Current with no locking; reloads swap in a
// freshly built policy wholesale, so an individual policy stays immutable.
type Store struct {
	current atomic.Pointer[DestinationPolicy]
}

// NewStore creates a store holding p.
func NewStore(p *DestinationPolicy) *Store {
	s := &Store{}
	s.current.Store(p)
	return s
}

// Current returns the active policy.
func (s *Store) Current() *DestinationPolicy {
	return s.current.Load()
}

// Replace swaps in a new policy.
func (s *Store) Replace(p *DestinationPolicy) {
	s.current.Store(p)
}

// reloadDebounce suppresses the event bursts editors and atomic-rename
// writers produce for a single logical change.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the rule file at path into the store whenever it changes,
// until ctx is cancelled. A file that fails to load leaves the previous
// policy in place; the gateway never falls open because of a bad edit.
func (s *Store) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return err
	}
	// Watch the directory: editors and config management tools typically
	// replace the file by rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		var last time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(ev.Name) != filepath.Base(abs) {
					continue
				}
				if time.Since(last) < reloadDebounce {
					continue
				}
				last = time.Now()

				cfg, err := LoadFile(abs)
				if err != nil {
					util.LogWarning("policy reload failed, keeping previous rules: %v", err)
					continue
				}
				p, err := cfg.Build()
				if err != nil {
					util.LogWarning("policy reload failed, keeping previous rules: %v", err)
					continue
				}
				s.Replace(p)
				util.LogInfo("policy reloaded from %s", abs)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				util.LogWarning("policy watcher error: %v", err)

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
