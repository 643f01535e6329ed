package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// CheckpointStore persists discovery checkpoints. Save never lowers a stored
// page counter.
type CheckpointStore struct {
	pool  pgxPool
	table string
}

// NewCheckpointStore constructs a store from an existing pool.
func NewCheckpointStore(pool pgxPool, table string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "checkpoints"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CheckpointStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the checkpoints table.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key text PRIMARY KEY,
	last_page_tried integer NOT NULL DEFAULT 0,
	last_page integer NOT NULL DEFAULT 0,
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure checkpoints schema: %w", err)
	}
	return nil
}

// Load returns the checkpoint for key and whether it exists.
func (s *CheckpointStore) Load(ctx context.Context, key string) (crawler.Checkpoint, bool, error) {
	query := fmt.Sprintf(`SELECT last_page_tried, last_page, updated_at FROM %s WHERE key = $1`, s.table)
	cp := crawler.Checkpoint{Key: key}
	err := s.pool.QueryRow(ctx, query, key).Scan(&cp.LastPageTried, &cp.LastPage, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Checkpoint{}, false, nil
		}
		return crawler.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, true, nil
}

// Save upserts cp, keeping the greater of the stored and new counters.
func (s *CheckpointStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if cp.Key == "" {
		return fmt.Errorf("checkpoint key is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (key, last_page_tried, last_page, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE
SET last_page_tried = GREATEST(%[1]s.last_page_tried, EXCLUDED.last_page_tried),
	last_page = GREATEST(%[1]s.last_page, EXCLUDED.last_page),
	updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, cp.Key, cp.LastPageTried, cp.LastPage, cp.UpdatedAt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Reset deletes the checkpoint for key.
func (s *CheckpointStore) Reset(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}
