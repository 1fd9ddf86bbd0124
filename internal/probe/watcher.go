package probe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher fires a nudge when any agent's status.json changes so the monitor
// can reconcile ahead of its next scheduled tick. It watches the agents root
// and its immediate per-agent child dirs.
type Watcher struct {
	agentsDir string
	logger    *slog.Logger
	nudges    chan struct{}
}

func NewWatcher(agentsDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		agentsDir: agentsDir,
		logger:    logger,
		nudges:    make(chan struct{}, 1),
	}
}

// Nudges returns the channel the monitor selects on. The channel has a
// buffer of one; bursts collapse into a single pending nudge.
func (w *Watcher) Nudges() <-chan struct{} {
	return w.nudges
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new agents watcher: %w", err)
	}

	addDir := func(dir string) {
		if strings.TrimSpace(dir) == "" {
			return
		}
		if err := fsw.Add(dir); err != nil {
			if os.IsNotExist(err) {
				return
			}
			w.logger.Warn("agents watcher: add failed", "dir", dir, "error", err)
		}
	}

	addDir(w.agentsDir)
	if entries, err := os.ReadDir(w.agentsDir); err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				addDir(filepath.Join(w.agentsDir, ent.Name()))
			}
		}
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.nudges)
		}()

		// Debounce bursts of writes.
		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			if !pending {
				return
			}
			pending = false
			select {
			case w.nudges <- struct{}{}:
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}

				// New agent directories get watched as they appear.
				relevant := filepath.Base(ev.Name) == statusFileName
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						_ = fsw.Add(ev.Name)
						relevant = true
					}
				}
				if !relevant {
					continue
				}

				pending = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(150 * time.Millisecond)
					timerC = timer.C
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("agents watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	return nil
}
