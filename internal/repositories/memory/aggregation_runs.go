package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

// AggregationRunRepository keeps run records in memory.
type AggregationRunRepository struct {
	mu   sync.RWMutex
	runs map[string]domain.AggregationRun
}

var _ repositories.AggregationRunRepository = (*AggregationRunRepository)(nil)

// NewAggregationRunRepository constructs an empty run repository.
func NewAggregationRunRepository() *AggregationRunRepository {
	return &AggregationRunRepository{runs: make(map[string]domain.AggregationRun)}
}

func (r *AggregationRunRepository) Insert(_ context.Context, run domain.AggregationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; exists {
		return repositories.NewStoreError("memory.aggregation_runs.insert", repositories.StoreErrorConflict, fmt.Errorf("run %s already exists", run.ID))
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *AggregationRunRepository) Update(_ context.Context, run domain.AggregationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[run.ID]; !exists {
		return notFound("memory.aggregation_runs.update", "aggregationRuns", run.ID)
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *AggregationRunRepository) FindByID(_ context.Context, runID string) (domain.AggregationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return domain.AggregationRun{}, notFound("memory.aggregation_runs.find", "aggregationRuns", runID)
	}
	return cloneRun(run), nil
}

func (r *AggregationRunRepository) List(_ context.Context, filter repositories.AggregationRunFilter) ([]domain.AggregationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[domain.AggregationRunStatus]struct{}, len(filter.Status))
	for _, status := range filter.Status {
		statuses[status] = struct{}{}
	}

	out := make([]domain.AggregationRun, 0, len(r.runs))
	for _, run := range r.runs {
		if filter.Kind != "" && run.Kind != filter.Kind {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[run.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.After(out[j].QueuedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneRun(run domain.AggregationRun) domain.AggregationRun {
	if run.StartedAt != nil {
		started := *run.StartedAt
		run.StartedAt = &started
	}
	if run.CompletedAt != nil {
		completed := *run.CompletedAt
		run.CompletedAt = &completed
	}
	return run
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// AggregationLock is a process-local per-kind lease.
type AggregationLock struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[domain.EntityKind]lease
}

var _ repositories.AggregationLock = (*AggregationLock)(nil)

// NewAggregationLock constructs a lock. A nil clock uses time.Now.
func NewAggregationLock(clock func() time.Time) *AggregationLock {
	if clock == nil {
		clock = time.Now
	}
	return &AggregationLock{now: clock, leases: make(map[domain.EntityKind]lease)}
}

func (l *AggregationLock) Acquire(ctx context.Context, kind domain.EntityKind, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, repositories.NewStoreError("memory.aggregation_lock.acquire", repositories.StoreErrorUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if current, ok := l.leases[kind]; ok && current.holder != holder && now.Before(current.expiresAt) {
		return false, nil
	}
	l.leases[kind] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *AggregationLock) Release(_ context.Context, kind domain.EntityKind, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.leases[kind]; ok && current.holder == holder {
		delete(l.leases, kind)
	}
	return nil
}
