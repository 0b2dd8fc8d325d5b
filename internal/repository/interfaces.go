package repository

import (
	"context"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
)

// RecordStore persists keyed, optionally expiring records. Implementations
// must hide expired records from every read, replace the whole record on
// Store and return oauth.ErrNotFound for absent keys.
type RecordStore interface {
	Get(ctx context.Context, key string) (domain.Record, error)
	GetAll(ctx context.Context, filter domain.RecordFilter) ([]domain.Record, error)
	// FindByReference resolves a secondary key registered in Record.References.
	FindByReference(ctx context.Context, recordType domain.RecordType, reference string) (domain.Record, error)
	Store(ctx context.Context, rec domain.Record) error
	// Create inserts rec only when no live record holds its key, failing with
	// oauth.ErrAlreadyExists otherwise. An expired holder counts as absent.
	Create(ctx context.Context, rec domain.Record) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Take atomically reads and deletes key. Concurrent callers observe the
	// record at most once.
	Take(ctx context.Context, key string) (domain.Record, error)
	// PurgeExpired physically deletes expired records.
	PurgeExpired(ctx context.Context) (int64, error)
}

// ClientRepository exposes registered software products.
type ClientRepository interface {
	GetClientByID(ctx context.Context, clientID string) (domain.Client, error)
}

// ClientRegistrar persists client registrations.
type ClientRegistrar interface {
	UpsertClient(ctx context.Context, client domain.Client) error
}
