package apikey

import (
	"context"
)

// Repository defines the interface for API key persistence
type Repository interface {
	Create(ctx context.Context, k *APIKey) error
	GetByKeyID(ctx context.Context, keyID string) (*APIKey, error)
	Update(ctx context.Context, k *APIKey) error

	// TouchLastUsed only updates last_used_at so authentication never contends on the full row.
	TouchLastUsed(ctx context.Context, keyID string) error

	List(ctx context.Context, includeRevoked bool) ([]*APIKey, error)
}
