package repositories

import (
	"context"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Documents() DocumentStore
	AggregationRuns() AggregationRunRepository
	AggregationLocks() AggregationLock
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// Record is a schemaless document as seen by the storage collaborator.
type Record struct {
	ID   string
	Data map[string]any
}

// FilterOp enumerates the comparison operators supported by DocumentStore.Query.
type FilterOp string

const (
	// FilterEqual matches documents whose field equals the value.
	FilterEqual FilterOp = "=="
	// FilterArrayContains matches documents whose array field contains the value.
	FilterArrayContains FilterOp = "array-contains"
)

// Filter is a single predicate applied by DocumentStore.Query. Multiple filters are ANDed.
type Filter struct {
	Path  string
	Op    FilterOp
	Value any
}

// Eq is shorthand for an equality filter.
func Eq(path string, value any) Filter {
	return Filter{Path: path, Op: FilterEqual, Value: value}
}

// FieldUpdate describes a partial write. ArrayUnion appends the values of
// Value (a slice) that are not yet present in the stored array.
type FieldUpdate struct {
	Path       string
	Value      any
	ArrayUnion bool
}

// DocumentStore is the storage collaborator consumed by the aggregation pipeline
// and the submission path. Implementations must return RepositoryError values.
type DocumentStore interface {
	Query(ctx context.Context, collection string, filters ...Filter) ([]Record, error)
	Get(ctx context.Context, collection, id string) (Record, error)
	Count(ctx context.Context, collection string, filters ...Filter) (int, error)
	NewID(collection string) string
	Insert(ctx context.Context, collection string, data map[string]any) (string, error)
	InsertWithID(ctx context.Context, collection, id string, data map[string]any) error
	Update(ctx context.Context, collection, id string, updates []FieldUpdate) error
	Delete(ctx context.Context, collection, id string) error
	Batch() WriteBatch
	// MaxBatchSize is the largest number of operations a single WriteBatch may commit.
	MaxBatchSize() int
}

// WriteBatch queues writes that Commit applies indivisibly or not at all.
type WriteBatch interface {
	Set(collection, id string, data map[string]any)
	Update(collection, id string, updates []FieldUpdate)
	Delete(collection, id string)
	Len() int
	Commit(ctx context.Context) error
}

// AggregationRunRepository persists pipeline run records.
type AggregationRunRepository interface {
	Insert(ctx context.Context, run domain.AggregationRun) error
	Update(ctx context.Context, run domain.AggregationRun) error
	FindByID(ctx context.Context, runID string) (domain.AggregationRun, error)
	List(ctx context.Context, filter AggregationRunFilter) ([]domain.AggregationRun, error)
}

// AggregationLock is the per-kind lease that keeps pipeline runs for one kind from overlapping.
type AggregationLock interface {
	// Acquire returns false without error when another holder owns an unexpired lease.
	Acquire(ctx context.Context, kind domain.EntityKind, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, kind domain.EntityKind, holder string) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// AggregationRunFilter narrows run listings. Results are ordered newest first.
type AggregationRunFilter struct {
	Kind   domain.EntityKind
	Status []domain.AggregationRunStatus
	Limit  int
}
