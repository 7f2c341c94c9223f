// Package memory provides an in-process token store for tests and
// single-instance deployments. Records are lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carlossalguero/tokenkeeper/internal/token"
)

// Store implements token.Store with a mutex-guarded map.
type Store struct {
	mu      sync.RWMutex
	records map[token.Key]*token.Record
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[token.Key]*token.Record)}
}

// FindOne returns a copy of the record for key.
func (s *Store) FindOne(_ context.Context, key token.Key) (*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, token.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindAnyWithRefreshToken returns the record for key if it has a refresh token.
func (s *Store) FindAnyWithRefreshToken(_ context.Context, key token.Key) (*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok || !rec.HasRefreshToken() {
		return nil, token.ErrNotFound
	}
	return rec.Clone(), nil
}

// UpsertByKey merges fields into the record for key under the write lock.
func (s *Store) UpsertByKey(_ context.Context, key token.Key, fields token.Fields) (*token.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &token.Record{
			UserID:    key.UserID,
			Service:   key.Service,
			CreatedAt: fields.UpdatedAt,
		}
		s.records[key] = rec
	}

	rec.AccessToken = fields.AccessToken
	if fields.RefreshToken != nil {
		rt := *fields.RefreshToken
		rec.RefreshToken = &rt
	}
	rec.ExpiresAt = fields.ExpiresAt
	rec.TokenType = fields.TokenType
	rec.UpdatedAt = fields.UpdatedAt

	return rec.Clone(), nil
}

// Delete removes the record for key.
func (s *Store) Delete(_ context.Context, key token.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// ListExpiring returns refreshable records expiring before the given time.
func (s *Store) ListExpiring(_ context.Context, before time.Time, limit int) ([]*token.Record, error) {
	s.mu.RLock()
	out := make([]*token.Record, 0)
	for _, rec := range s.records {
		if rec.HasRefreshToken() && rec.ExpiresAt.Before(before) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
