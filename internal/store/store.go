// Package store persists asset inventories, confirmed mappings, and the
// reconciliation run log in Postgres or SQLite.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/asset-reconcile/internal/model"
)

// ErrScopeLocked is returned when another run already holds a scope's run lock.
var ErrScopeLocked = eris.New("store: scope is already being reconciled")

// Inventory reads and loads planned and observed asset records.
type Inventory interface {
	LoadPlanned(ctx context.Context, scope string) ([]model.PlannedRecord, error)
	LoadObserved(ctx context.Context, scope string) ([]model.ObservedRecord, error)
	// ListScopes returns every scope present in the planned inventory, sorted.
	ListScopes(ctx context.Context) ([]string, error)
	UpsertPlanned(ctx context.Context, records []model.PlannedRecord) (int64, error)
	UpsertObserved(ctx context.Context, records []model.ObservedRecord) (int64, error)
}

// MappingStore persists confirmed mappings keyed by
// (scope, planned identifier, observed identifier).
type MappingStore interface {
	// UpsertMappings inserts new mappings and refreshes match type, confidence,
	// distance and updated_at on existing ones. Mappings are never deleted.
	UpsertMappings(ctx context.Context, mappings []model.ConfirmedMapping) (int64, error)
	ListMappings(ctx context.Context, scope string) ([]model.ConfirmedMapping, error)
}

// RunLog records reconciliation runs.
type RunLog interface {
	CreateRun(ctx context.Context, scope string) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, stats model.RunStats) error
	FailRun(ctx context.Context, runID string, stats model.RunStats, runErr error) error
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
}

// Store is the full persistence interface for the reconciliation engine.
type Store interface {
	Inventory
	MappingStore
	RunLog

	// AcquireRunLock prevents concurrent runs for the same scope. It returns
	// ErrScopeLocked when the lock is held elsewhere. Call release when done.
	AcquireRunLock(ctx context.Context, scope string) (release func(), err error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultRunLimit = 50
