package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	pfirestore "github.com/Tofulati/hallpass-sub000/internal/platform/firestore"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

const (
	aggregationRunsCollection = "aggregationRuns"
	defaultRunListLimit       = 50
)

type aggregationRunDocument struct {
	Kind         string     `firestore:"kind"`
	Status       string     `firestore:"status"`
	Reason       string     `firestore:"reason"`
	Attempt      int        `firestore:"attempt"`
	RetryOf      string     `firestore:"retryOf,omitempty"`
	PendingCount int        `firestore:"pendingCount"`
	Groups       int        `firestore:"groups"`
	Inserted     int        `firestore:"inserted"`
	Deleted      int        `firestore:"deleted"`
	Linked       int        `firestore:"linked"`
	Duplicates   int        `firestore:"duplicates"`
	Dropped      int        `firestore:"dropped"`
	Error        string     `firestore:"error,omitempty"`
	QueuedAt     time.Time  `firestore:"queuedAt"`
	StartedAt    *time.Time `firestore:"startedAt,omitempty"`
	CompletedAt  *time.Time `firestore:"completedAt,omitempty"`
}

// AggregationRunRepository stores run records in the aggregationRuns collection.
type AggregationRunRepository struct {
	provider *pfirestore.Provider
	runs     *pfirestore.Collection[aggregationRunDocument]
}

var _ repositories.AggregationRunRepository = (*AggregationRunRepository)(nil)

// NewAggregationRunRepository constructs a Firestore-backed run repository.
func NewAggregationRunRepository(provider *pfirestore.Provider) (*AggregationRunRepository, error) {
	if provider == nil {
		return nil, errors.New("aggregation run repository requires firestore provider")
	}
	return &AggregationRunRepository{
		provider: provider,
		runs:     pfirestore.NewCollection[aggregationRunDocument](provider, aggregationRunsCollection, nil),
	}, nil
}

func (r *AggregationRunRepository) Insert(ctx context.Context, run domain.AggregationRun) error {
	ref, err := r.runs.Doc(ctx, run.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeRun(run)); err != nil {
		return pfirestore.WrapError("aggregationRuns.insert", err)
	}
	return nil
}

// Update replaces the stored run; it fails with not found for unknown ids.
func (r *AggregationRunRepository) Update(ctx context.Context, run domain.AggregationRun) error {
	ref, err := r.runs.Doc(ctx, run.ID)
	if err != nil {
		return err
	}
	return r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		return tx.Set(ref, encodeRun(run))
	})
}

func (r *AggregationRunRepository) FindByID(ctx context.Context, runID string) (domain.AggregationRun, error) {
	doc, err := r.runs.Get(ctx, runID)
	if err != nil {
		return domain.AggregationRun{}, err
	}
	return decodeRun(doc.ID, doc.Data), nil
}

func (r *AggregationRunRepository) List(ctx context.Context, filter repositories.AggregationRunFilter) ([]domain.AggregationRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	docs, err := r.runs.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.Kind != "" {
			q = q.Where("kind", "==", string(filter.Kind))
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		return q.OrderBy("queuedAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	runs := make([]domain.AggregationRun, 0, len(docs))
	for _, doc := range docs {
		runs = append(runs, decodeRun(doc.ID, doc.Data))
	}
	return runs, nil
}

func encodeRun(run domain.AggregationRun) aggregationRunDocument {
	return aggregationRunDocument{
		Kind:         string(run.Kind),
		Status:       string(run.Status),
		Reason:       string(run.Reason),
		Attempt:      run.Attempt,
		RetryOf:      run.RetryOf,
		PendingCount: run.PendingCount,
		Groups:       run.Groups,
		Inserted:     run.Inserted,
		Deleted:      run.Deleted,
		Linked:       run.Linked,
		Duplicates:   run.Duplicates,
		Dropped:      run.Dropped,
		Error:        run.Error,
		QueuedAt:     run.QueuedAt.UTC(),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}

func decodeRun(id string, doc aggregationRunDocument) domain.AggregationRun {
	return domain.AggregationRun{
		ID:           id,
		Kind:         domain.EntityKind(doc.Kind),
		Status:       domain.AggregationRunStatus(doc.Status),
		Reason:       domain.AggregationRunReason(doc.Reason),
		Attempt:      doc.Attempt,
		RetryOf:      doc.RetryOf,
		PendingCount: doc.PendingCount,
		Groups:       doc.Groups,
		Inserted:     doc.Inserted,
		Deleted:      doc.Deleted,
		Linked:       doc.Linked,
		Duplicates:   doc.Duplicates,
		Dropped:      doc.Dropped,
		Error:        doc.Error,
		QueuedAt:     doc.QueuedAt,
		StartedAt:    doc.StartedAt,
		CompletedAt:  doc.CompletedAt,
	}
}
