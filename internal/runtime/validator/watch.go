package validator

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports bank artifact changes in the bank directory. Stop must be
// called to release filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

const watchDebounce = 25 * time.Millisecond

// Watch observes the bank directory and, after a short quiet period, forgets
// the cached validations of every bank whose artifacts changed and passes
// their names to onChange. Files whose base name is listed in ignore are
// skipped.
func (v *Validator) Watch(ctx context.Context, onChange func([]string), onError func(error), ignore ...string) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("validator: watch requires a change callback")
	}
	dir, err := filepath.Abs(v.layout.Dir)
	if err != nil {
		return nil, fmt.Errorf("validator: resolve bank dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("validator: watch: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("validator: watch add %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &Watcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("validator: watch close: %w", err))
			}
		}()

		pending := map[string]struct{}{}
		var timer *time.Timer
		var fire <-chan time.Time
		schedule := func() {
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		}
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-fire:
				fire = nil
				names := make([]string, 0, len(pending))
				for name := range pending {
					names = append(names, name)
				}
				clear(pending)
				slices.Sort(names)
				v.Forget(names...)
				onChange(names)
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if slices.Contains(ignore, filepath.Base(event.Name)) {
					continue
				}
				name, ok := v.layout.BankName(event.Name)
				if !ok {
					continue
				}
				pending[name] = struct{}{}
				schedule()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("validator: watch error: %w", err))
				}
			}
		}
	}()

	return w, nil
}
