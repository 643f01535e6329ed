package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// Listings persists extracted listing records and their enrichment outcome.
type Listings struct {
	docs  crawler.DocumentStore
	clock crawler.Clock
}

// NewListings builds a listing repository.
func NewListings(docs crawler.DocumentStore, clock crawler.Clock) *Listings {
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	return &Listings{docs: docs, clock: clock}
}

// SaveExtracted upserts the extracted fields. createdAt and the phone fields
// are only written on first insert so enrichment results survive re-scrapes.
func (r *Listings) SaveExtracted(ctx context.Context, target crawler.Target, url string, fields map[string]any) error {
	now := r.clock.Now()
	always := make(crawler.Fields, len(fields)+2)
	for k, v := range fields {
		switch k {
		case crawler.FieldURL, crawler.FieldCreatedAt, crawler.FieldPhoneNumber, crawler.FieldWhatsappNumber:
			continue
		}
		always[k] = v
	}
	always[crawler.FieldLastResult] = crawler.ResultOK
	always[crawler.FieldLastScrapedAt] = now

	_, err := r.docs.Upsert(ctx, target.ListingsCollection(), url, crawler.Fields{
		crawler.FieldURL:            url,
		crawler.FieldCreatedAt:      now,
		crawler.FieldPhoneNumber:    nil,
		crawler.FieldWhatsappNumber: nil,
	}, always)
	if err != nil {
		return fmt.Errorf("%w: save listing: %w", crawler.ErrInfrastructure, err)
	}
	return nil
}

// PendingEnrichment returns up to limit listings without a phone number,
// skipping those whose lookup failed at or after since.
func (r *Listings) PendingEnrichment(
	ctx context.Context,
	target crawler.Target,
	since time.Time,
	limit int,
) ([]crawler.ListingRecord, error) {
	docs, err := r.docs.FindBatch(ctx, target.ListingsCollection(), crawler.Filter{
		Missing:         []string{crawler.FieldPhoneNumber},
		MissingOrBefore: map[string]time.Time{crawler.FieldPhoneUpdatedAt: since},
	}, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: pending listings: %w", crawler.ErrInfrastructure, err)
	}
	out := make([]crawler.ListingRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, crawler.ListingRecord{
			URL:           doc.Key,
			Fields:        doc.Fields,
			LastResult:    stringField(doc.Fields, crawler.FieldLastResult),
			CreatedAt:     timeField(doc.Fields, crawler.FieldCreatedAt),
			LastScrapedAt: timeField(doc.Fields, crawler.FieldLastScrapedAt),
		})
	}
	return out, nil
}

// RecordPhones stores the primary lookup result. An empty result is stored
// as an empty list so the record no longer counts as pending.
func (r *Listings) RecordPhones(ctx context.Context, target crawler.Target, url string, numbers []string, leadID string) error {
	return r.set(ctx, target, url, crawler.Fields{
		crawler.FieldPhoneNumber:     nonNil(numbers),
		crawler.FieldLeadID:          leadID,
		crawler.FieldPhoneUpdatedAt:  r.clock.Now(),
		crawler.FieldLastPhoneResult: crawler.ResultOK,
		crawler.FieldPhoneError:      nil,
	})
}

// RecordPhoneError stores a terminal lookup failure.
func (r *Listings) RecordPhoneError(ctx context.Context, target crawler.Target, url string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.set(ctx, target, url, crawler.Fields{
		crawler.FieldPhoneError:      msg,
		crawler.FieldPhoneUpdatedAt:  r.clock.Now(),
		crawler.FieldLastPhoneResult: crawler.ResultError,
	})
}

// RecordWhatsapp stores the secondary channel result.
func (r *Listings) RecordWhatsapp(ctx context.Context, target crawler.Target, url string, numbers []string, leadID string) error {
	return r.set(ctx, target, url, crawler.Fields{
		crawler.FieldWhatsappNumber: nonNil(numbers),
		crawler.FieldWhatsappLeadID: leadID,
		crawler.FieldWhatsappAt:     r.clock.Now(),
	})
}

func (r *Listings) set(ctx context.Context, target crawler.Target, url string, fields crawler.Fields) error {
	if _, err := r.docs.Upsert(ctx, target.ListingsCollection(), url, nil, fields); err != nil {
		return fmt.Errorf("%w: update listing: %w", crawler.ErrInfrastructure, err)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func stringField(fields crawler.Fields, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

func timeField(fields crawler.Fields, name string) time.Time {
	switch v := fields[name].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func timePtrField(fields crawler.Fields, name string) *time.Time {
	t := timeField(fields, name)
	if t.IsZero() {
		return nil
	}
	return &t
}
