package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tcprescott/multiworldhost/internal/models"
)

// MemoryMultiworldStore implements MultiworldStore using in-memory
// storage. Used for tests and single-host deployments that accept
// losing session metadata on restart.
type MemoryMultiworldStore struct {
	mu          sync.RWMutex
	multiworlds map[string]*models.Multiworld
}

// NewMemoryMultiworldStore creates a new in-memory multiworld store.
func NewMemoryMultiworldStore() *MemoryMultiworldStore {
	return &MemoryMultiworldStore{
		multiworlds: make(map[string]*models.Multiworld),
	}
}

func (s *MemoryMultiworldStore) Start() error { return nil }
func (s *MemoryMultiworldStore) Stop() error  { return nil }

// Upsert writes or overwrites the record for mw.Token.
func (s *MemoryMultiworldStore) Upsert(ctx context.Context, mw *models.Multiworld) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := mw.Clone()
	if existing, ok := s.multiworlds[mw.Token]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		// Fresh insert; matches the postgres DEFAULT NOW().
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()
	s.multiworlds[mw.Token] = stored
	mw.CreatedAt = stored.CreatedAt
	mw.UpdatedAt = stored.UpdatedAt

	log.Debug().Str("token", mw.Token).Bool("active", mw.Active).Msg("Upserted multiworld")
	return nil
}

// Get returns the record for a token or ErrMultiworldNotFound.
func (s *MemoryMultiworldStore) Get(ctx context.Context, token string) (*models.Multiworld, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mw, ok := s.multiworlds[token]
	if !ok {
		return nil, ErrMultiworldNotFound
	}
	return mw.Clone(), nil
}

// List returns records ordered by creation time.
func (s *MemoryMultiworldStore) List(ctx context.Context, activeOnly bool) ([]*models.Multiworld, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Multiworld
	for _, mw := range s.multiworlds {
		if activeOnly && !mw.Active {
			continue
		}
		out = append(out, mw.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// Deactivate marks a token inactive.
func (s *MemoryMultiworldStore) Deactivate(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mw, ok := s.multiworlds[token]
	if !ok {
		return ErrMultiworldNotFound
	}
	mw.Active = false
	mw.UpdatedAt = time.Now()

	log.Debug().Str("token", token).Msg("Deactivated multiworld")
	return nil
}
