package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Files under the home directory that trigger a reload.
const (
	FileConfig = "config.yaml"
	FilePolicy = "policy.yaml"
)

// settleDelay coalesces the burst of events an editor produces for one save.
const settleDelay = 150 * time.Millisecond

type ReloadEvent struct {
	Path string
	File string // FileConfig or FilePolicy
	Op   fsnotify.Op
}

// Watcher reports edits to config.yaml and policy.yaml. The home directory is
// watched rather than the files so that atomic rename-over saves and files
// created after startup are both seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	settle  time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 4),
		settle:  settleDelay,
	}
}

// Events delivers at most one event per file per settle window and is closed
// once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

// Start returns once the home directory is being watched.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	pending := map[string]ReloadEvent{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if re, ok := w.relevant(ev); ok {
				if prev, seen := pending[re.File]; seen {
					re.Op |= prev.Op
				}
				pending[re.File] = re
				timer.Reset(w.settle)
			}

		case <-timer.C:
			for file, re := range pending {
				delete(pending, file)
				w.logger.Info("config file changed", "file", re.File, "op", re.Op.String())
				select {
				case w.events <- re:
				default:
					w.logger.Warn("reload event dropped; consumer busy", "file", re.File)
				}
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) (ReloadEvent, bool) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return ReloadEvent{}, false
	}
	switch name := filepath.Base(ev.Name); name {
	case FileConfig, FilePolicy:
		return ReloadEvent{Path: ev.Name, File: name, Op: ev.Op}, true
	default:
		return ReloadEvent{}, false
	}
}
