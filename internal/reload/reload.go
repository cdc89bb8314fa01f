// Package reload re-execs the daemon in place when its binary changes on
// disk. Development convenience only: in-flight work is dropped, which is
// acceptable because production deployments run under a process supervisor
// instead.
package reload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"hermit/pkg/logx"
)

// debounce absorbs the write/rename bursts a binary replacement produces.
const debounce = 500 * time.Millisecond

// Watcher watches the running executable and replaces the process image
// when it changes, removing the given files (socket, pid file) first so the
// next incarnation starts clean.
type Watcher struct {
	exe     string
	cleanup []string
	log     logx.Logger
}

func New(cleanup []string, log logx.Logger) (*Watcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &Watcher{
		exe:     exe,
		cleanup: cleanup,
		log:     log.With(logx.String("comp", "reload")),
	}, nil
}

// Run blocks until ctx is canceled or the binary changes. On change it does
// not return: the process image is replaced via exec.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory: binary upgrades are usually rename-over, which
	// drops a watch on the file itself.
	if err := fw.Add(filepath.Dir(w.exe)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.exe), err)
	}
	w.log.Info("watching binary for changes", logx.String("path", w.exe))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.exe {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) == 0 {
				continue
			}
			pending = time.After(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", logx.Err(err))
		case <-pending:
			w.log.Info("binary changed, re-executing")
			return w.execSelf()
		}
	}
}

func (w *Watcher) execSelf() error {
	for _, path := range w.cleanup {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log.Warn("cleanup before reload failed", logx.String("path", path), logx.Err(err))
		}
	}
	if err := syscall.Exec(w.exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", w.exe, err)
	}
	return nil // unreachable
}
