package credentials

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/metrics"
)

// Credential is re-exported so callers of this package need not import crawler.
type Credential = crawler.Credential

// Refresher obtains fresh authentication material.
type Refresher interface {
	Fetch(ctx context.Context) (Credential, error)
}

// Store implements crawler.CredentialStore on top of a persisted file and a
// refresher. The in-memory copy is swapped wholesale.
type Store struct {
	file      *FileStore
	refresher Refresher
	logger    *zap.Logger
	clock     crawler.Clock

	mu      sync.Mutex
	current *Credential
}

// NewStore wires a file and a refresher.
func NewStore(file *FileStore, refresher Refresher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{file: file, refresher: refresher, logger: logger, clock: crawler.SystemClock{}}
}

// Load returns the cached credential, reading the file on first use.
func (s *Store) Load(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return *s.current, nil
	}
	cred, err := s.file.Load(ctx)
	if err != nil {
		return Credential{}, err
	}
	s.current = &cred
	return cred, nil
}

// Save persists cred and makes it current.
func (s *Store) Save(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Save(ctx, cred); err != nil {
		return err
	}
	s.current = &cred
	return nil
}

// Refresh fetches, persists and returns a new credential. An incomplete
// result is rejected and the previous credential stays current.
func (s *Store) Refresh(ctx context.Context) (Credential, error) {
	if s.refresher == nil {
		return Credential{}, fmt.Errorf("%w: no credential refresher configured", crawler.ErrInfrastructure)
	}
	start := s.clock.Now()
	cred, err := s.refresher.Fetch(ctx)
	if err != nil {
		metrics.ObserveCredentialRefresh(false)
		return Credential{}, fmt.Errorf("refresh credentials: %w", err)
	}
	if !cred.Complete() {
		metrics.ObserveCredentialRefresh(false)
		return Credential{}, fmt.Errorf("refresh credentials: cookie or token missing")
	}
	if cred.RefreshedAt.IsZero() {
		cred.RefreshedAt = s.clock.Now()
	}
	if err := s.Save(ctx, cred); err != nil {
		metrics.ObserveCredentialRefresh(false)
		return Credential{}, err
	}
	metrics.ObserveCredentialRefresh(true)
	s.logger.Info("credentials refreshed",
		zap.Duration("took", s.clock.Now().Sub(start)),
		zap.Int("cookie_bytes", len(cred.Cookie)),
	)
	return cred, nil
}

// EnsureComplete refreshes when the stored credential lacks a cookie or token.
func (s *Store) EnsureComplete(ctx context.Context) (Credential, error) {
	cred, err := s.Load(ctx)
	if err != nil {
		return Credential{}, err
	}
	if cred.Complete() {
		return cred, nil
	}
	s.logger.Info("stored credentials incomplete, refreshing")
	return s.Refresh(ctx)
}
