// Package quota keeps per-user download history, the daily download limit
// and each user's preferred quality.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coah80/grabbot/internal/database"
)

var ErrLimitReached = errors.New("daily download limit reached")

const (
	OutcomeCompleted = "completed"
	OutcomeCached    = "cached"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

const DefaultQuality = "auto"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS user_stats (
		owner_id          TEXT PRIMARY KEY,
		total_downloads   INTEGER NOT NULL DEFAULT 0,
		total_bytes       INTEGER NOT NULL DEFAULT 0,
		preferred_quality TEXT NOT NULL DEFAULT 'auto',
		last_download     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS download_logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id   TEXT NOT NULL,
		url        TEXT NOT NULL,
		quality    TEXT NOT NULL,
		status     TEXT NOT NULL,
		size       INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_download_logs_owner ON download_logs (owner_id, created_at)`,
}

type Stats struct {
	OwnerID          string
	TotalDownloads   int
	TotalBytes       int64
	PreferredQuality string
	LastDownload     time.Time
	Today            int
	DailyLimit       int
}

type Store struct {
	db     *sql.DB
	limit  int
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New prepares the quota tables. A dailyLimit of zero or less disables the limit.
func New(db *sql.DB, dailyLimit int, opts ...Option) (*Store, error) {
	s := &Store{db: db, limit: dailyLimit, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := database.Migrate(db, migrations...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) startOfDay() int64 {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}

func (s *Store) countToday(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM download_logs WHERE owner_id = ? AND created_at >= ? AND status IN (?, ?)`,
		ownerID, s.startOfDay(), OutcomeCompleted, OutcomeCached,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count downloads: %w", err)
	}
	return n, nil
}

// Admit refuses owners that already used up today's downloads.
func (s *Store) Admit(ctx context.Context, ownerID string) error {
	if s.limit <= 0 || ownerID == "" {
		return nil
	}
	n, err := s.countToday(ctx, ownerID)
	if err != nil {
		return err
	}
	if n >= s.limit {
		s.logger.Info().Str("owner", ownerID).Int("today", n).Msg("daily limit reached")
		return fmt.Errorf("%w (%d per day)", ErrLimitReached, s.limit)
	}
	return nil
}

// Record logs one finished request. Successful outcomes also count towards
// the owner's totals.
func (s *Store) Record(ctx context.Context, ownerID, url, quality string, sizeBytes int64, outcome string) error {
	if ownerID == "" {
		return nil
	}
	nowMs := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO download_logs (owner_id, url, quality, status, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ownerID, url, quality, outcome, sizeBytes, nowMs,
	); err != nil {
		return fmt.Errorf("record download: %w", err)
	}

	if outcome == OutcomeCompleted || outcome == OutcomeCached {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_stats (owner_id, total_downloads, total_bytes, last_download)
			VALUES (?, 1, ?, ?)
			ON CONFLICT (owner_id) DO UPDATE SET
				total_downloads = total_downloads + 1,
				total_bytes = total_bytes + excluded.total_bytes,
				last_download = excluded.last_download`,
			ownerID, sizeBytes, nowMs,
		); err != nil {
			return fmt.Errorf("record download: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, ownerID string) (Stats, error) {
	st := Stats{OwnerID: ownerID, PreferredQuality: DefaultQuality, DailyLimit: s.limit}
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT total_downloads, total_bytes, preferred_quality, last_download FROM user_stats WHERE owner_id = ?`,
		ownerID,
	).Scan(&st.TotalDownloads, &st.TotalBytes, &st.PreferredQuality, &last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("load stats: %w", err)
	}
	if last > 0 {
		st.LastDownload = time.UnixMilli(last)
	}
	st.Today, err = s.countToday(ctx, ownerID)
	return st, err
}

func (s *Store) PreferredQuality(ctx context.Context, ownerID string) (string, error) {
	var q string
	err := s.db.QueryRowContext(ctx,
		`SELECT preferred_quality FROM user_stats WHERE owner_id = ?`, ownerID,
	).Scan(&q)
	if errors.Is(err, sql.ErrNoRows) || q == "" {
		return DefaultQuality, nil
	}
	if err != nil {
		return DefaultQuality, fmt.Errorf("load preference: %w", err)
	}
	return q, nil
}

func (s *Store) SetPreferredQuality(ctx context.Context, ownerID, quality string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_stats (owner_id, preferred_quality) VALUES (?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET preferred_quality = excluded.preferred_quality`,
		ownerID, quality,
	)
	if err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}
