// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pgxPool is the subset of *pgxpool.Pool used by the stores; pgxmock
// satisfies it in tests.
type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
	Close()
}

// NewPool opens a pgx pool using the provided config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// DocumentStore keeps JSONB documents keyed by (collection, key). Upserts
// merge set-on-insert fields only for new rows and always-set fields on
// every write.
type DocumentStore struct {
	pool  pgxPool
	table string
}

// NewDocumentStore constructs a store from an existing pool.
func NewDocumentStore(pool pgxPool, table string) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DocumentStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the documents table and its ordering index.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	collection text NOT NULL,
	key text NOT NULL,
	body jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, key)
);
CREATE INDEX IF NOT EXISTS %[1]s_collection_created_idx ON %[1]s (collection, created_at)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure documents schema: %w", err)
	}
	return nil
}

// Upsert inserts or merges a document and reports whether the row was new.
func (s *DocumentStore) Upsert(
	ctx context.Context,
	collection, key string,
	setOnInsert, alwaysSet crawler.Fields,
) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("document key is required")
	}
	insertJSON, err := marshalFields(setOnInsert)
	if err != nil {
		return false, err
	}
	alwaysJSON, err := marshalFields(alwaysSet)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (collection, key, body)
VALUES ($1, $2, $3::jsonb || $4::jsonb)
ON CONFLICT (collection, key) DO UPDATE
SET body = %[1]s.body || $4::jsonb, updated_at = now()
RETURNING (xmax = 0) AS inserted`, s.table)

	var inserted bool
	if err := s.pool.QueryRow(ctx, query, collection, key, insertJSON, alwaysJSON).Scan(&inserted); err != nil {
		return false, fmt.Errorf("upsert document: %w", err)
	}
	return inserted, nil
}

// InsertMissing inserts documents whose keys do not exist yet in one
// round-trip and returns how many were new.
func (s *DocumentStore) InsertMissing(ctx context.Context, collection string, docs []crawler.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (collection, key, body)
VALUES ($1, $2, $3::jsonb)
ON CONFLICT (collection, key) DO NOTHING`, s.table)

	b := &pgx.Batch{}
	for _, doc := range docs {
		body, err := marshalFields(doc.Fields)
		if err != nil {
			return 0, err
		}
		b.Queue(query, collection, doc.Key, body)
	}
	br := s.pool.SendBatch(ctx, b)
	total := 0
	for range docs {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return total, fmt.Errorf("insert documents: %w", err)
		}
		total += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return total, fmt.Errorf("close batch: %w", err)
	}
	return total, nil
}

// FindBatch returns up to limit documents matching filter, oldest first.
func (s *DocumentStore) FindBatch(
	ctx context.Context,
	collection string,
	filter crawler.Filter,
	limit int,
) ([]crawler.Document, error) {
	query, args, err := s.buildFind(collection, filter, limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []crawler.Document
	for rows.Next() {
		var (
			key  string
			body []byte
		)
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		fields := crawler.Fields{}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", key, err)
		}
		docs = append(docs, crawler.Document{Key: key, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (s *DocumentStore) buildFind(collection string, filter crawler.Filter, limit int) (string, []any, error) {
	args := []any{collection}
	where := []string{"collection = $1"}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, field := range sortedKeys(filter.Equals) {
		doc, err := marshalFields(crawler.Fields{field: filter.Equals[field]})
		if err != nil {
			return "", nil, err
		}
		where = append(where, fmt.Sprintf("body @> %s::jsonb", next(doc)))
	}
	for _, field := range sortedKeys(filter.NotEquals) {
		doc, err := marshalFields(crawler.Fields{field: filter.NotEquals[field]})
		if err != nil {
			return "", nil, err
		}
		where = append(where, fmt.Sprintf("NOT (body @> %s::jsonb)", next(doc)))
	}
	for _, field := range filter.Missing {
		where = append(where, fmt.Sprintf("COALESCE(body -> %s::text, 'null'::jsonb) = 'null'::jsonb", next(field)))
	}
	cutoffFields := make([]string, 0, len(filter.MissingOrBefore))
	for field := range filter.MissingOrBefore {
		cutoffFields = append(cutoffFields, field)
	}
	sort.Strings(cutoffFields)
	for _, field := range cutoffFields {
		name := next(field)
		where = append(where, fmt.Sprintf("(body ->> %[1]s::text IS NULL OR (body ->> %[1]s::text)::timestamptz < %[2]s)",
			name, next(filter.MissingOrBefore[field])))
	}

	query := fmt.Sprintf("SELECT key, body FROM %s WHERE %s ORDER BY created_at, key",
		s.table, strings.Join(where, " AND "))
	if limit > 0 {
		query += " LIMIT " + next(limit)
	}
	return query, args, nil
}

func marshalFields(fields crawler.Fields) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return data, nil
}

func sortedKeys(fields crawler.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
