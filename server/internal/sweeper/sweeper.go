// Package sweeper reclaims disk space in the background: it deletes
// stale files from the working folders by modification time and purges
// expired task records together with the artifacts they reference.
package sweeper

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// TaskCleaner is the slice of the task repository the sweeper drives.
type TaskCleaner interface {
	CleanupExpired() (removed int, bytesFreed int64, err error)
}

type Sweeper struct {
	tasks    TaskCleaner
	folders  []string
	interval time.Duration
	maxAge   time.Duration
	enabled  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(tasks TaskCleaner, folders []string, interval, maxAge time.Duration, enabled bool) *Sweeper {
	return &Sweeper{
		tasks:    tasks,
		folders:  folders,
		interval: interval,
		maxAge:   maxAge,
		enabled:  enabled,
	}
}

// Start launches the periodic sweep until the context is cancelled or
// Stop is called. A disabled or misconfigured sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.enabled || s.interval <= 0 {
		slog.Info("retention sweeper disabled")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	slog.Info("retention sweeper started",
		slog.Duration("interval", s.interval),
		slog.Duration("max_age", s.maxAge),
	)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce()
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// RunOnce performs a single full sweep: stale files first, expired task
// records second.
func (s *Sweeper) RunOnce() {
	var files int
	var bytes int64

	for _, folder := range s.folders {
		n, b := s.sweepFolder(folder)
		files += n
		bytes += b
	}

	removed, freed, err := s.tasks.CleanupExpired()
	if err != nil {
		slog.Error("task cleanup failed", slog.String("err", err.Error()))
	}

	if files > 0 || removed > 0 {
		slog.Info("sweep finished",
			slog.Int("stale_files", files),
			slog.Int("expired_tasks", removed),
			slog.String("reclaimed", humanize.Bytes(uint64(bytes+freed))),
		)
	}
}

// sweepFolder deletes files older than maxAge, then drops session
// directories that were already stale before this sweep and are now
// empty. The age guard keeps a freshly created session directory alive
// between its MkdirTemp and the first byte the transfer writes into it.
func (s *Sweeper) sweepFolder(dir string) (files int, bytes int64) {
	cutoff := time.Now().Add(-s.maxAge)

	type seenDir struct {
		path string
		mod  time.Time
	}

	var dirs []seenDir
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == dir {
			return nil
		}
		if d.IsDir() {
			if info, err := d.Info(); err == nil {
				dirs = append(dirs, seenDir{path, info.ModTime()})
			}
			return nil
		}

		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove stale file",
				slog.String("path", path),
				slog.String("err", err.Error()),
			)
			return nil
		}

		files++
		bytes += info.Size()
		return nil
	})

	// deepest first so nested empties collapse; mtimes were captured
	// before any deletion, so only dirs stale on entry are candidates
	for i := len(dirs) - 1; i >= 0; i-- {
		if dirs[i].mod.After(cutoff) {
			continue
		}
		if entries, err := os.ReadDir(dirs[i].path); err == nil && len(entries) == 0 {
			os.Remove(dirs[i].path)
		}
	}

	return files, bytes
}

// FolderStat summarizes one working folder for the health endpoint.
type FolderStat struct {
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
	Size  string `json:"size"`
}

func (s *Sweeper) Stats() []FolderStat {
	stats := make([]FolderStat, 0, len(s.folders))

	for _, folder := range s.folders {
		stat := FolderStat{Path: folder}

		filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				stat.Files++
				stat.Bytes += info.Size()
			}
			return nil
		})

		stat.Size = humanize.Bytes(uint64(stat.Bytes))
		stats = append(stats, stat)
	}

	return stats
}
