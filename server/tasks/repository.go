// Package tasks persists a durable mirror of every download session for
// crash recovery and cleanup accounting. Rows carry an expiry that is
// refreshed on every mutation, so the retention sweeper can reclaim on
// a plain expires_at < now predicate.
package tasks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"
)

var ErrNotFound = errors.New("task record not found")

type Record struct {
	SessionID         string
	Platform          string
	SourceURL         string
	DirectURL         string
	RequestedFilename string
	StoragePath       string
	StorageType       string
	FileSize          int64
	Status            string
	Message           string
	LastProgress      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastAccessedAt    time.Time
	ExpiresAt         time.Time
}

// Fields carries the optional attributes of an upsert; empty strings
// leave the stored value untouched.
type Fields struct {
	Platform          string
	SourceURL         string
	DirectURL         string
	RequestedFilename string
	Status            string
	Message           string
}

type Repository struct {
	db        *sql.DB
	retention time.Duration
}

func NewRepository(db *sql.DB, retention time.Duration) (*Repository, error) {
	r := &Repository{db: db, retention: retention}
	return r, r.initTable()
}

func (r *Repository) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS download_tasks (
		session_id TEXT PRIMARY KEY,
		platform TEXT DEFAULT '',
		source_url TEXT DEFAULT '',
		direct_url TEXT DEFAULT '',
		requested_filename TEXT DEFAULT '',
		storage_path TEXT DEFAULT '',
		storage_type TEXT DEFAULT 'temp',
		file_size INTEGER DEFAULT 0,
		status TEXT DEFAULT 'pending',
		message TEXT DEFAULT '',
		last_progress TEXT DEFAULT '',
		created_at DATETIME,
		updated_at DATETIME,
		last_accessed_at DATETIME,
		expires_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_download_tasks_expires_at ON download_tasks(expires_at);
	CREATE INDEX IF NOT EXISTS idx_download_tasks_status ON download_tasks(status);
	`
	_, err := r.db.Exec(query)
	return err
}

func (r *Repository) expiry(now time.Time) time.Time {
	if r.retention <= 0 {
		return now
	}
	return now.Add(r.retention)
}

// Upsert creates or updates the record for a session, refreshing its
// expiry either way.
func (r *Repository) Upsert(sessionID string, f Fields) error {
	now := time.Now().UTC()

	query := `
	INSERT INTO download_tasks (
		session_id, platform, source_url, direct_url, requested_filename,
		status, message, created_at, updated_at, last_accessed_at, expires_at
	) VALUES (?, ?, ?, ?, ?, COALESCE(NULLIF(?, ''), 'pending'), ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		platform = COALESCE(NULLIF(excluded.platform, ''), platform),
		source_url = COALESCE(NULLIF(excluded.source_url, ''), source_url),
		direct_url = COALESCE(NULLIF(excluded.direct_url, ''), direct_url),
		requested_filename = COALESCE(NULLIF(excluded.requested_filename, ''), requested_filename),
		status = COALESCE(NULLIF(excluded.status, 'pending'), status),
		message = COALESCE(NULLIF(excluded.message, ''), message),
		updated_at = excluded.updated_at,
		last_accessed_at = excluded.last_accessed_at,
		expires_at = excluded.expires_at
	`
	_, err := r.db.Exec(query,
		sessionID, f.Platform, f.SourceURL, f.DirectURL, f.RequestedFilename,
		f.Status, f.Message, now, now, now, r.expiry(now),
	)
	return err
}

// MarkStatus updates status/message/last progress while keeping the
// expiry fresh. Progress may be nil.
func (r *Repository) MarkStatus(sessionID, status, message string, progress any) error {
	now := time.Now().UTC()

	var serialized string
	if progress != nil {
		if data, err := json.Marshal(progress); err == nil {
			serialized = string(data)
		}
	}

	query := `
	UPDATE download_tasks SET
		status = ?,
		message = CASE WHEN ? != '' THEN ? ELSE message END,
		last_progress = CASE WHEN ? != '' THEN ? ELSE last_progress END,
		updated_at = ?, last_accessed_at = ?, expires_at = ?
	WHERE session_id = ?
	`
	res, err := r.db.Exec(query,
		status, message, message, serialized, serialized,
		now, now, r.expiry(now), sessionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.Upsert(sessionID, Fields{Status: status, Message: message})
	}
	return nil
}

// RegisterStorage persists the location of a temporary artifact so the
// sweeper can reclaim it if the session never completes.
func (r *Repository) RegisterStorage(sessionID, path, storageType string, fileSize int64) error {
	if err := r.Upsert(sessionID, Fields{}); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
	UPDATE download_tasks SET
		storage_path = ?, storage_type = ?,
		file_size = CASE WHEN ? > 0 THEN ? ELSE file_size END,
		updated_at = ?, last_accessed_at = ?, expires_at = ?
	WHERE session_id = ?
	`
	_, err := r.db.Exec(query,
		path, storageType, fileSize, fileSize,
		now, now, r.expiry(now), sessionID,
	)
	return err
}

// MarkFileDeleted clears the stored file location after streaming or
// cleanup and settles the record as completed.
func (r *Repository) MarkFileDeleted(sessionID string) error {
	now := time.Now().UTC()

	query := `
	UPDATE download_tasks SET
		storage_path = '',
		status = CASE WHEN status != 'completed' THEN 'completed' ELSE status END,
		updated_at = ?, last_accessed_at = ?, expires_at = ?
	WHERE session_id = ?
	`
	_, err := r.db.Exec(query, now, now, r.expiry(now), sessionID)
	return err
}

func (r *Repository) Get(sessionID string) (*Record, error) {
	query := `
	SELECT session_id, platform, source_url, direct_url, requested_filename,
		storage_path, storage_type, file_size, status, message, last_progress,
		created_at, updated_at, last_accessed_at, expires_at
	FROM download_tasks WHERE session_id = ?
	`
	var rec Record
	err := r.db.QueryRow(query, sessionID).Scan(
		&rec.SessionID, &rec.Platform, &rec.SourceURL, &rec.DirectURL,
		&rec.RequestedFilename, &rec.StoragePath, &rec.StorageType,
		&rec.FileSize, &rec.Status, &rec.Message, &rec.LastProgress,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.LastAccessedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CleanupExpired removes expired rows, deleting the referenced file
// first. File removal is best effort: failures are logged, the row is
// purged regardless.
func (r *Repository) CleanupExpired() (removed int, bytesFreed int64, err error) {
	now := time.Now().UTC()

	rows, err := r.db.Query(
		`SELECT session_id, storage_path FROM download_tasks WHERE expires_at < ?`, now,
	)
	if err != nil {
		return 0, 0, err
	}

	type expired struct{ id, path string }
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.path); err != nil {
			rows.Close()
			return removed, bytesFreed, err
		}
		batch = append(batch, e)
	}
	rows.Close()

	for _, e := range batch {
		if e.path != "" {
			if info, statErr := os.Stat(e.path); statErr == nil {
				bytesFreed += info.Size()
				if rmErr := os.Remove(e.path); rmErr != nil {
					slog.Warn("failed to remove expired file",
						slog.String("path", e.path),
						slog.String("err", rmErr.Error()),
					)
				}
			}
		}

		if _, err := r.db.Exec(`DELETE FROM download_tasks WHERE session_id = ?`, e.id); err != nil {
			slog.Error("failed to purge task record",
				slog.String("id", e.id),
				slog.String("err", err.Error()),
			)
			continue
		}
		removed++
	}

	return removed, bytesFreed, nil
}
