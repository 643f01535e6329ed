package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

func TestNewDocumentStoreValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewDocumentStore(mock, "docs; DROP TABLE x")
	require.Error(t, err)
	_, err = NewDocumentStore(nil, "")
	require.Error(t, err)
	store, err := NewDocumentStore(mock, "")
	require.NoError(t, err)
	require.Equal(t, "documents", store.table)
}

func TestUpsertMergesInsertAndAlwaysFields(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStore(mock, "documents")
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents (collection, key, body)")).
		WithArgs(
			"cairo_listings",
			"https://example.com/ar/listing/1",
			[]byte(`{"phoneNumber":null,"url":"https://example.com/ar/listing/1"}`),
			[]byte(`{"lastResult":"ok","title":"Flat"}`),
		).
		WillReturnRows(mock.NewRows([]string{"inserted"}).AddRow(true))

	inserted, err := store.Upsert(context.Background(), "cairo_listings", "https://example.com/ar/listing/1",
		crawler.Fields{"url": "https://example.com/ar/listing/1", "phoneNumber": nil},
		crawler.Fields{"title": "Flat", "lastResult": "ok"})
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmptyFieldsAndErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStore(mock, "documents")
	require.NoError(t, err)

	mock.ExpectQuery("ON CONFLICT").
		WithArgs("c", "k", []byte("{}"), []byte("{}")).
		WillReturnError(errors.New("connection refused"))

	_, err = store.Upsert(context.Background(), "c", "k", nil, nil)
	require.ErrorContains(t, err, "upsert document")

	_, err = store.Upsert(context.Background(), "c", "", nil, nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBatchBuildsFilterAndDecodes(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStore(mock, "documents")
	require.NoError(t, err)

	cutoff := time.Unix(1700000000, 0).UTC()
	filter := crawler.Filter{
		NotEquals:       crawler.Fields{"state": "scraped"},
		MissingOrBefore: map[string]time.Time{"failedAt": cutoff},
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, body FROM documents WHERE collection = $1")).
		WithArgs("cairo_candidates", []byte(`{"state":"scraped"}`), "failedAt", cutoff, 50).
		WillReturnRows(mock.NewRows([]string{"key", "body"}).
			AddRow("https://example.com/a", []byte(`{"state":"new","url":"https://example.com/a"}`)).
			AddRow("https://example.com/b", []byte(`{"state":"failed","error":"timeout"}`)))

	docs, err := store.FindBatch(context.Background(), "cairo_candidates", filter, 50)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "https://example.com/a", docs[0].Key)
	require.Equal(t, "new", docs[0].Fields["state"])
	require.Equal(t, "timeout", docs[1].Fields["error"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildFindClauses(t *testing.T) {
	t.Parallel()

	store := &DocumentStore{table: "documents"}
	query, args, err := store.buildFind("c", crawler.Filter{
		Equals:  crawler.Fields{"state": "new"},
		Missing: []string{"phoneNumber"},
	}, 0)
	require.NoError(t, err)
	require.Equal(t,
		"SELECT key, body FROM documents WHERE collection = $1 AND body @> $2::jsonb AND "+
			"COALESCE(body -> $3::text, 'null'::jsonb) = 'null'::jsonb ORDER BY created_at, key",
		query)
	require.Equal(t, []any{"c", []byte(`{"state":"new"}`), "phoneNumber"}, args)
}

func TestInsertMissingUsesBatch(t *testing.T) {
	t.Parallel()

	pool := &batchPool{tags: []string{"INSERT 0 1", "INSERT 0 0", "INSERT 0 1"}}
	store, err := NewDocumentStore(pool, "documents")
	require.NoError(t, err)

	n, err := store.InsertMissing(context.Background(), "c", []crawler.Document{
		{Key: "a", Fields: crawler.Fields{"state": "new"}},
		{Key: "b", Fields: crawler.Fields{"state": "new"}},
		{Key: "c", Fields: crawler.Fields{"state": "new"}},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 3, pool.queued)
	require.True(t, pool.closed)

	n, err = store.InsertMissing(context.Background(), "c", nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCheckpointStoreSaveLoadReset(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock, "")
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("GREATEST").
		WithArgs("cairo:discovery", 7, 6, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Save(ctx, crawler.Checkpoint{Key: "cairo:discovery", LastPageTried: 7, LastPage: 6, UpdatedAt: at}))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT last_page_tried, last_page, updated_at FROM checkpoints")).
		WithArgs("cairo:discovery").
		WillReturnRows(mock.NewRows([]string{"last_page_tried", "last_page", "updated_at"}).AddRow(7, 6, at))
	cp, ok, err := store.Load(ctx, "cairo:discovery")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 6, cp.LastPage)
	require.Equal(t, 7, cp.LastPageTried)

	mock.ExpectQuery("SELECT last_page_tried").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, ok, err = store.Load(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE key = $1")).
		WithArgs("cairo:discovery").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.Reset(ctx, "cairo:discovery"))

	require.Error(t, store.Save(ctx, crawler.Checkpoint{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	docs, err := NewDocumentStore(mock, "documents")
	require.NoError(t, err)
	checkpoints, err := NewCheckpointStore(mock, "checkpoints")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkpoints").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, docs.EnsureSchema(context.Background()))
	require.NoError(t, checkpoints.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

type batchPool struct {
	tags   []string
	queued int
	closed bool
}

func (p *batchPool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected exec")
}

func (p *batchPool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (p *batchPool) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (p *batchPool) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	p.queued = b.Len()
	return &batchResults{pool: p}
}

func (p *batchPool) Close() {}

type batchResults struct {
	pool *batchPool
	next int
}

func (r *batchResults) Exec() (pgconn.CommandTag, error) {
	tag := r.pool.tags[r.next]
	r.next++
	return pgconn.NewCommandTag(tag), nil
}

func (r *batchResults) Query() (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (r *batchResults) QueryRow() pgx.Row {
	return nil
}

func (r *batchResults) Close() error {
	r.pool.closed = true
	return nil
}
