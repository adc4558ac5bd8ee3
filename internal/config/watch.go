package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FormulaWatcher monitors the scoring formula file and invokes the supplied
// callback whenever its contents change. Stop must be called to release
// filesystem resources.
type FormulaWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *FormulaWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// ReadFormula loads a formula file, trimming surrounding whitespace.
func ReadFormula(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read formula file %s: %w", path, err)
	}
	formula := strings.TrimSpace(string(data))
	if formula == "" {
		return "", fmt.Errorf("config: formula file %s is empty", path)
	}
	return formula, nil
}

// WatchFormula wires fsnotify around the formula file. The parent directory is
// watched so editors that replace the file via rename are still observed.
// onChange receives the new formula text; it is not invoked for the initial
// contents, which callers read with ReadFormula.
func WatchFormula(ctx context.Context, path string, onChange func(string), onError func(error)) (*FormulaWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch formula requires a change callback")
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config: no formula file configured for watching")
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve formula file: %w", err)
	}
	target = filepath.Clean(target)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch formula: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	done := make(chan struct{})
	watch := &FormulaWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch formula close: %w", err))
			}
		}()

		reload := func() {
			formula, err := ReadFormula(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(formula)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: formula file %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
