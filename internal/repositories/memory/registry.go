package memory

import (
	"context"

	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	documents *DocumentStore
	runs      *AggregationRunRepository
	locks     *AggregationLock
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs a registry backed entirely by process memory.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		documents: NewDocumentStore(opts...),
		runs:      NewAggregationRunRepository(),
		locks:     NewAggregationLock(nil),
		health:    newHealth(),
	}
}

func (r *Registry) Close(context.Context) error                          { return nil }
func (r *Registry) Documents() repositories.DocumentStore                 { return r.documents }
func (r *Registry) AggregationRuns() repositories.AggregationRunRepository { return r.runs }
func (r *Registry) AggregationLocks() repositories.AggregationLock        { return r.locks }
func (r *Registry) Health() repositories.HealthRepository                 { return r.health }

func newHealth() repositories.HealthRepository {
	repo, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "memory", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		panic(err)
	}
	return repo
}
