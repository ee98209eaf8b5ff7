package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snapload/snapload/server/internal/database"
)

func newTestRepository(t *testing.T, retention time.Duration) *Repository {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo, err := NewRepository(db, retention)
	if err != nil {
		t.Fatalf("failed to init repository: %v", err)
	}
	return repo
}

func TestUpsertAndGet(t *testing.T) {
	repo := newTestRepository(t, time.Hour)

	err := repo.Upsert("s1", Fields{
		Platform:          "generic",
		SourceURL:         "https://x.com/watch",
		RequestedFilename: "clip.mp4",
	})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	rec, err := repo.Get("s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Status != "pending" {
		t.Errorf("Status = %s, expected pending", rec.Status)
	}
	if rec.ExpiresAt.Before(time.Now().UTC().Add(50 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, expected about an hour out", rec.ExpiresAt)
	}
}

func TestUpsertKeepsExistingFieldsOnEmpty(t *testing.T) {
	repo := newTestRepository(t, time.Hour)

	repo.Upsert("s1", Fields{Platform: "instagram", SourceURL: "https://instagram.com/p/x"})
	repo.Upsert("s1", Fields{Status: "downloading"})

	rec, err := repo.Get("s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Platform != "instagram" {
		t.Errorf("Platform = %s, expected instagram preserved", rec.Platform)
	}
	if rec.Status != "downloading" {
		t.Errorf("Status = %s, expected downloading", rec.Status)
	}
}

func TestMarkStatusRefreshesExpiry(t *testing.T) {
	repo := newTestRepository(t, time.Hour)

	repo.Upsert("s1", Fields{})
	before, _ := repo.Get("s1")

	time.Sleep(10 * time.Millisecond)

	if err := repo.MarkStatus("s1", "downloading", "Downloading video...", nil); err != nil {
		t.Fatalf("mark status failed: %v", err)
	}

	after, _ := repo.Get("s1")
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Error("expected expires_at to move forward on status change")
	}
	if after.Status != "downloading" {
		t.Errorf("Status = %s, expected downloading", after.Status)
	}
}

func TestMarkStatusCreatesMissingRecord(t *testing.T) {
	repo := newTestRepository(t, time.Hour)

	if err := repo.MarkStatus("ghost", "error", "boom", nil); err != nil {
		t.Fatalf("mark status failed: %v", err)
	}
	if _, err := repo.Get("ghost"); err != nil {
		t.Fatalf("expected record created, got %v", err)
	}
}

func TestMarkFileDeleted(t *testing.T) {
	repo := newTestRepository(t, time.Hour)

	repo.Upsert("s1", Fields{})
	repo.RegisterStorage("s1", "/tmp/s1/clip.mp4", "temp", 1024)

	if err := repo.MarkFileDeleted("s1"); err != nil {
		t.Fatalf("mark deleted failed: %v", err)
	}

	rec, _ := repo.Get("s1")
	if rec.StoragePath != "" {
		t.Errorf("StoragePath = %q, expected cleared", rec.StoragePath)
	}
	if rec.Status != "completed" {
		t.Errorf("Status = %s, expected completed", rec.Status)
	}
	if rec.FileSize != 1024 {
		t.Errorf("FileSize = %d, expected 1024", rec.FileSize)
	}
}

func TestCleanupExpiredRemovesFileAndRecord(t *testing.T) {
	// Zero retention expires records immediately.
	repo := newTestRepository(t, 0)

	dir := t.TempDir()
	path := filepath.Join(dir, "old.mp4")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	repo.Upsert("old", Fields{})
	repo.RegisterStorage("old", path, "temp", 10)

	time.Sleep(10 * time.Millisecond)

	removed, freed, err := repo.CleanupExpired()
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, expected 1", removed)
	}
	if freed != 10 {
		t.Errorf("bytesFreed = %d, expected 10", freed)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected expired file removed from disk")
	}
	if _, err := repo.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after cleanup = %v, expected ErrNotFound", err)
	}
}

func TestCleanupLeavesFreshRecords(t *testing.T) {
	repo := newTestRepository(t, time.Hour)

	repo.Upsert("fresh", Fields{})

	removed, _, err := repo.CleanupExpired()
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, expected 0", removed)
	}
	if _, err := repo.Get("fresh"); err != nil {
		t.Errorf("fresh record should survive cleanup, got %v", err)
	}
}
