// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

// DocumentStore keeps documents in per-collection maps, preserving insertion
// order for FindBatch.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	order []string
	docs  map[string]crawler.Fields
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]*collection)}
}

// Upsert inserts or merges a document. It reports whether the key was new.
func (s *DocumentStore) Upsert(
	_ context.Context,
	coll, key string,
	setOnInsert, alwaysSet crawler.Fields,
) (bool, error) {
	if key == "" {
		return false, errors.New("document key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[coll]
	if !ok {
		c = &collection{docs: make(map[string]crawler.Fields)}
		s.collections[coll] = c
	}
	doc, exists := c.docs[key]
	if !exists {
		doc = make(crawler.Fields, len(setOnInsert)+len(alwaysSet))
		for k, v := range setOnInsert {
			doc[k] = v
		}
		c.order = append(c.order, key)
	}
	for k, v := range alwaysSet {
		doc[k] = v
	}
	c.docs[key] = doc
	return !exists, nil
}

// FindBatch returns up to limit documents matching filter, oldest first.
func (s *DocumentStore) FindBatch(
	_ context.Context,
	coll string,
	filter crawler.Filter,
	limit int,
) ([]crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[coll]
	if !ok {
		return nil, nil
	}
	var out []crawler.Document
	for _, key := range c.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		doc := c.docs[key]
		if !matches(doc, filter) {
			continue
		}
		out = append(out, crawler.Document{Key: key, Fields: cloneFields(doc)})
	}
	return out, nil
}

// Get returns a copy of one document (tests and diagnostics).
func (s *DocumentStore) Get(coll, key string) (crawler.Fields, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[coll]
	if !ok {
		return nil, false
	}
	doc, ok := c.docs[key]
	if !ok {
		return nil, false
	}
	return cloneFields(doc), true
}

// Count returns the number of documents in a collection.
func (s *DocumentStore) Count(coll string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[coll]; ok {
		return len(c.docs)
	}
	return 0
}

func matches(doc crawler.Fields, filter crawler.Filter) bool {
	for k, want := range filter.Equals {
		if got, ok := doc[k]; !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	for k, unwanted := range filter.NotEquals {
		if got, ok := doc[k]; ok && reflect.DeepEqual(got, unwanted) {
			return false
		}
	}
	for _, k := range filter.Missing {
		if v, ok := doc[k]; ok && v != nil {
			return false
		}
	}
	for k, cutoff := range filter.MissingOrBefore {
		v, ok := doc[k]
		if !ok || v == nil {
			continue
		}
		at, ok := asTime(v)
		if !ok || !at.Before(cutoff) {
			return false
		}
	}
	return true
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func cloneFields(src crawler.Fields) crawler.Fields {
	dst := make(crawler.Fields, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
