package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/Tofulati/hallpass-sub000/internal/platform/firestore"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

// Registry is the Firestore-backed repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	documents *DocumentStore
	runs      *AggregationRunRepository
	locks     *AggregationLock
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every Firestore repository on provider. Extra checks
// (such as the Pub/Sub topic) are appended to the Firestore ping.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	documents, err := NewDocumentStore(provider)
	if err != nil {
		return nil, err
	}
	runs, err := NewAggregationRunRepository(provider)
	if err != nil {
		return nil, err
	}
	locks, err := NewAggregationLock(provider, nil)
	if err != nil {
		return nil, err
	}

	checks := append([]repositories.DependencyCheck{
		{Name: "firestore", Timeout: 2 * time.Second, Check: provider.Ping},
	}, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}

	return &Registry{provider: provider, documents: documents, runs: runs, locks: locks, health: health}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Documents() repositories.DocumentStore                 { return r.documents }
func (r *Registry) AggregationRuns() repositories.AggregationRunRepository { return r.runs }
func (r *Registry) AggregationLocks() repositories.AggregationLock        { return r.locks }
func (r *Registry) Health() repositories.HealthRepository                 { return r.health }
