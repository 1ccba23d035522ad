// Package cache remembers finished downloads so a repeated request for the
// same URL and quality can be answered from disk.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/database"
	"github.com/coah80/grabbot/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS video_cache (
	url        TEXT NOT NULL,
	quality    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	file_path  TEXT NOT NULL,
	size       INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (url, quality)
)`

const indexCreatedAt = `CREATE INDEX IF NOT EXISTS idx_video_cache_created_at ON video_cache (created_at)`

// Entry is one cached artifact.
type Entry struct {
	SourceURL string
	Quality   string
	FilePath  string
	SizeBytes int64
	Title     string
	CreatedAt time.Time
}

type Store struct {
	db        *sql.DB
	enabled   bool
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEnabled turns lookups and writes on or off. A disabled store answers
// every lookup with a miss and ignores writes.
func WithEnabled(enabled bool) Option {
	return func(s *Store) { s.enabled = enabled }
}

// New creates the cache table if needed.
func New(db *sql.DB, retention time.Duration, opts ...Option) (*Store, error) {
	s := &Store{
		db:        db,
		enabled:   true,
		retention: retention,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := database.Migrate(db, schema, indexCreatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Enabled() bool { return s.enabled }

// Lookup returns the entry for (url, quality), or nil on a miss. An entry
// older than the retention window or whose file is gone is evicted on the
// spot and reported as a miss.
func (s *Store) Lookup(ctx context.Context, url, quality string) (*Entry, error) {
	if !s.enabled {
		return nil, nil
	}
	key := util.NormalizeURL(url)

	var (
		e         Entry
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, quality, title, file_path, size, created_at FROM video_cache WHERE url = ? AND quality = ?`,
		key, quality,
	).Scan(&e.SourceURL, &e.Quality, &e.Title, &e.FilePath, &e.SizeBytes, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	e.CreatedAt = time.UnixMilli(createdMs)

	switch {
	case s.now().Sub(e.CreatedAt) > s.retention:
		s.logger.Debug().Str("url", key).Str("quality", quality).Msg("cache entry expired")
	case !util.FileExists(e.FilePath):
		s.logger.Info().Str("url", key).Str("file", e.FilePath).Msg("cached file missing, dropping entry")
	default:
		return &e, nil
	}

	if err := s.evict(ctx, key, quality, createdMs, e.FilePath); err != nil {
		return nil, err
	}
	return nil, nil
}

// evict deletes the row only if it is still the one that was read, so a
// concurrent Put of a fresh artifact survives.
func (s *Store) evict(ctx context.Context, key, quality string, createdMs int64, path string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM video_cache WHERE url = ? AND quality = ? AND created_at = ?`,
		key, quality, createdMs,
	)
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.removeFile(path)
	}
	return nil
}

// Put records a finished artifact, replacing any earlier entry for the same
// (url, quality). The replaced file is deleted when it differs from the new one.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if !s.enabled {
		return nil
	}
	key := util.NormalizeURL(e.SourceURL)
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	defer tx.Rollback()

	var oldPath string
	err = tx.QueryRowContext(ctx,
		`SELECT file_path FROM video_cache WHERE url = ? AND quality = ?`, key, e.Quality,
	).Scan(&oldPath)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cache put: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO video_cache (url, quality, title, file_path, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (url, quality) DO UPDATE SET
			title = excluded.title,
			file_path = excluded.file_path,
			size = excluded.size,
			created_at = excluded.created_at`,
		key, e.Quality, e.Title, e.FilePath, e.SizeBytes, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	if oldPath != "" && oldPath != e.FilePath {
		s.removeFile(oldPath)
	}
	s.logger.Debug().Str("url", key).Str("quality", e.Quality).Str("file", e.FilePath).Msg("cached")
	return nil
}

// Remove drops an entry and its file.
func (s *Store) Remove(ctx context.Context, url, quality string) error {
	key := util.NormalizeURL(url)
	var path string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM video_cache WHERE url = ? AND quality = ? RETURNING file_path`, key, quality,
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache remove: %w", err)
	}
	s.removeFile(path)
	return nil
}

// EvictExpired deletes every entry older than the retention window and then
// tries to delete their files. A file that cannot be deleted is logged and
// skipped. It returns the number of rows removed.
func (s *Store) EvictExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT file_path FROM video_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("cache sweep: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM video_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	n, _ := res.RowsAffected()

	for _, p := range paths {
		s.removeFile(p)
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("expired cache entries swept")
	}
	return int(n), nil
}

// StartSweeper runs EvictExpired every interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if !s.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.EvictExpired(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error().Err(err).Msg("cache sweep failed")
				}
			}
		}
	}()
}

// Holds reports whether path belongs to a cache entry. The temp cleaner
// uses it to leave cached artifacts alone.
func (s *Store) Holds(ctx context.Context, path string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM video_cache WHERE file_path = ? LIMIT 1`, path).Scan(&one)
	return err == nil
}

func (s *Store) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("file", path).Msg("could not delete cached file")
	}
}
