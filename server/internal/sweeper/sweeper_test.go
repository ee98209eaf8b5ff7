package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeCleaner struct {
	calls   int
	removed int
}

func (f *fakeCleaner) CleanupExpired() (int, int64, error) {
	f.calls++
	return f.removed, 0, nil
}

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()

	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestRunOnceRemovesStaleKeepsFresh(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stale.mp4")
	fresh := filepath.Join(dir, "fresh.mp4")

	writeAged(t, stale, 48*time.Hour)
	writeAged(t, fresh, time.Minute)

	cleaner := &fakeCleaner{}
	s := New(cleaner, []string{dir}, time.Hour, 24*time.Hour, true)
	s.RunOnce()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale file removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("expected fresh file kept: %v", err)
	}
	if cleaner.calls != 1 {
		t.Errorf("CleanupExpired calls = %d, expected 1", cleaner.calls)
	}
}

func TestRunOnceCollapsesStaleSessionDirs(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "dl-abc123")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	writeAged(t, filepath.Join(sub, "fragment.part"), 48*time.Hour)

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(sub, old, old); err != nil {
		t.Fatal(err)
	}

	s := New(&fakeCleaner{}, []string{dir}, time.Hour, 24*time.Hour, true)
	s.RunOnce()

	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Error("expected stale emptied session dir removed")
	}
}

func TestRunOnceKeepsFreshDirs(t *testing.T) {
	dir := t.TempDir()

	// a session dir right after MkdirTemp, before the transfer wrote
	// its first byte
	sub := filepath.Join(dir, "dl-fresh")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	s := New(&fakeCleaner{}, []string{dir}, time.Hour, 24*time.Hour, true)
	s.RunOnce()

	if _, err := os.Stat(sub); err != nil {
		t.Errorf("expected fresh empty dir kept: %v", err)
	}
}

func TestDisabledSweeperIsNoop(t *testing.T) {
	s := New(&fakeCleaner{}, nil, time.Hour, time.Hour, false)
	s.Start(context.Background())
	s.Stop()
}

func TestStartStopJoins(t *testing.T) {
	s := New(&fakeCleaner{}, nil, time.Hour, time.Hour, true)
	s.Start(context.Background())
	s.Stop()

	select {
	case <-s.done:
	default:
		t.Error("expected loop goroutine finished after Stop")
	}
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, filepath.Join(dir, "a.mp4"), time.Minute)
	writeAged(t, filepath.Join(dir, "b.mp4"), time.Minute)

	s := New(&fakeCleaner{}, []string{dir}, time.Hour, time.Hour, true)
	stats := s.Stats()

	if len(stats) != 1 {
		t.Fatalf("stats = %d entries, expected 1", len(stats))
	}
	if stats[0].Files != 2 || stats[0].Bytes != 2 {
		t.Errorf("stats = %+v, expected 2 files / 2 bytes", stats[0])
	}
}
