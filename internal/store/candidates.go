package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// bulkInserter is implemented by stores that can insert many new documents
// in one round-trip.
type bulkInserter interface {
	InsertMissing(ctx context.Context, collection string, docs []crawler.Document) (int, error)
}

// Candidates persists candidate URLs per target.
type Candidates struct {
	docs  crawler.DocumentStore
	clock crawler.Clock
}

// NewCandidates builds a candidate repository.
func NewCandidates(docs crawler.DocumentStore, clock crawler.Clock) *Candidates {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	return &Candidates{docs: docs, clock: clock}
}

// Add records urls as new candidates. Existing URLs are left untouched. It
// returns the number of URLs that were not stored before.
func (r *Candidates) Add(ctx context.Context, target crawler.Target, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	now := r.clock.Now()
	coll := target.CandidatesCollection()
	if bulk, ok := r.docs.(bulkInserter); ok {
		docs := make([]crawler.Document, 0, len(urls))
		for _, u := range urls {
			docs = append(docs, crawler.Document{Key: u, Fields: newCandidate(u, now)})
		}
		n, err := bulk.InsertMissing(ctx, coll, docs)
		if err != nil {
			return n, fmt.Errorf("%w: add candidates: %w", crawler.ErrInfrastructure, err)
		}
		return n, nil
	}
	added := 0
	for _, u := range urls {
		inserted, err := r.docs.Upsert(ctx, coll, u, newCandidate(u, now), nil)
		if err != nil {
			return added, fmt.Errorf("%w: add candidate: %w", crawler.ErrInfrastructure, err)
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

// Pending returns up to limit candidates not yet scraped, skipping those that
// failed at or after since.
func (r *Candidates) Pending(
	ctx context.Context,
	target crawler.Target,
	since time.Time,
	limit int,
) ([]crawler.CandidateURL, error) {
	docs, err := r.docs.FindBatch(ctx, target.CandidatesCollection(), crawler.Filter{
		NotEquals:       crawler.Fields{crawler.FieldState: string(crawler.CandidateScraped)},
		MissingOrBefore: map[string]time.Time{crawler.FieldFailedAt: since},
	}, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: pending candidates: %w", crawler.ErrInfrastructure, err)
	}
	out := make([]crawler.CandidateURL, 0, len(docs))
	for _, doc := range docs {
		out = append(out, crawler.CandidateURL{
			URL:        doc.Key,
			State:      crawler.CandidateState(stringField(doc.Fields, crawler.FieldState)),
			Error:      stringField(doc.Fields, crawler.FieldError),
			InsertedAt: timeField(doc.Fields, crawler.FieldInsertedAt),
			FailedAt:   timePtrField(doc.Fields, crawler.FieldFailedAt),
		})
	}
	return out, nil
}

// MarkScraped flags the candidate as scraped and clears any earlier error.
func (r *Candidates) MarkScraped(ctx context.Context, target crawler.Target, url string) error {
	_, err := r.docs.Upsert(ctx, target.CandidatesCollection(), url, nil, crawler.Fields{
		crawler.FieldState:     string(crawler.CandidateScraped),
		crawler.FieldScraped:   true,
		crawler.FieldError:     nil,
		crawler.FieldScrapedAt: r.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: mark scraped: %w", crawler.ErrInfrastructure, err)
	}
	return nil
}

// MarkFailed records the failure so the candidate is retried in a later
// invocation.
func (r *Candidates) MarkFailed(ctx context.Context, target crawler.Target, url string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.docs.Upsert(ctx, target.CandidatesCollection(), url, nil, crawler.Fields{
		crawler.FieldState:    string(crawler.CandidateFailed),
		crawler.FieldScraped:  false,
		crawler.FieldError:    msg,
		crawler.FieldFailedAt: r.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: mark failed: %w", crawler.ErrInfrastructure, err)
	}
	return nil
}

func newCandidate(url string, now time.Time) crawler.Fields {
	return crawler.Fields{
		crawler.FieldURL:        url,
		crawler.FieldState:      string(crawler.CandidateNew),
		crawler.FieldScraped:    false,
		crawler.FieldInsertedAt: now,
	}
}
