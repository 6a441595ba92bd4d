package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"session-gateway/backend/internal/vault/domain"
)

type recordKey struct {
	kind domain.Kind
	id   string
}

// MemoryRepository is an in-memory Repository. Records are copied on the way in and out.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[recordKey]*domain.Record
	owners  map[string]map[recordKey]struct{}
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[recordKey]*domain.Record),
		owners:  make(map[string]map[recordKey]struct{}),
	}
}

// Store inserts or replaces the record with the same kind and id.
func (r *MemoryRepository) Store(ctx context.Context, rec *domain.Record) error {
	k := recordKey{rec.Kind, rec.ID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.records[k]; ok && old.OwnerID != rec.OwnerID {
		r.unindex(old.OwnerID, k)
	}
	r.records[k] = rec.Clone()
	idx, ok := r.owners[rec.OwnerID]
	if !ok {
		idx = make(map[recordKey]struct{})
		r.owners[rec.OwnerID] = idx
	}
	idx[k] = struct{}{}
	return nil
}

// Get returns a copy of the record, or nil if absent.
func (r *MemoryRepository) Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[recordKey{kind, id}].Clone(), nil
}

// Remove deletes and returns the record, or nil if absent.
func (r *MemoryRepository) Remove(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error) {
	k := recordKey{kind, id}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[k]
	if !ok {
		return nil, nil
	}
	delete(r.records, k)
	r.unindex(rec.OwnerID, k)
	return rec, nil
}

// ListByOwner returns copies of the owner's records ordered by kind then id.
func (r *MemoryRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.owners[ownerID]
	out := make([]*domain.Record, 0, len(idx))
	for k := range idx {
		out = append(out, r.records[k].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Cleanup removes records that are expired or revoked at now.
func (r *MemoryRepository) Cleanup(ctx context.Context, now time.Time) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*domain.Record
	for k, rec := range r.records {
		if rec.Usable(now) {
			continue
		}
		delete(r.records, k)
		r.unindex(rec.OwnerID, k)
		removed = append(removed, rec)
	}
	return removed, nil
}

// Stats counts records per kind and sums their approximate size.
func (r *MemoryRepository) Stats(ctx context.Context) (domain.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s domain.Stats
	for _, rec := range r.records {
		switch rec.Kind {
		case domain.KindAccess:
			s.AccessTokenCount++
		case domain.KindRefresh:
			s.RefreshTokenCount++
		}
		s.ApproxSizeBytes += rec.Size()
	}
	return s, nil
}

func (r *MemoryRepository) unindex(ownerID string, k recordKey) {
	idx := r.owners[ownerID]
	delete(idx, k)
	if len(idx) == 0 {
		delete(r.owners, ownerID)
	}
}
