package repository

import (
	"context"
	"time"

	"session-gateway/backend/internal/vault/domain"
)

// Repository defines persistence for token records. Get returns nil, nil when the record is absent.
type Repository interface {
	Store(ctx context.Context, rec *domain.Record) error
	Get(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error)
	// Remove deletes the record and returns it, or nil when nothing was stored.
	Remove(ctx context.Context, kind domain.Kind, id string) (*domain.Record, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Record, error)
	// Cleanup deletes every record that is expired or revoked at now and returns the removed records.
	Cleanup(ctx context.Context, now time.Time) ([]*domain.Record, error)
	Stats(ctx context.Context) (domain.Stats, error)
}
