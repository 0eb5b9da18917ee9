package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/textutil"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

const instrumentationName = "github.com/Tofulati/hallpass-sub000/internal/aggregation"

// Result summarises one pipeline run.
type Result struct {
	Kind       domain.EntityKind
	Pending    int
	Groups     int
	Dropped    int
	Duplicates int
	Inserted   int
	Deleted    int
	Linked     int
	Chunks     int
}

// Pipeline runs load, group, resolve, filter and commit for one kind at a time.
type Pipeline struct {
	store     repositories.DocumentStore
	committer *Committer
	grouping  GroupOptions
	logger    *zap.Logger
	tracer    trace.Tracer

	runsCounter     metric.Int64Counter
	insertedCounter metric.Int64Counter
	consumedCounter metric.Int64Counter
}

type pipelineConfig struct {
	grouping  GroupOptions
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
	meter     metric.Meter
	tracer    trace.Tracer
}

// Option customises a Pipeline.
type Option func(*pipelineConfig)

// WithGrouping overrides the similarity threshold and grouping strategy.
func WithGrouping(opts GroupOptions) Option {
	return func(cfg *pipelineConfig) {
		cfg.grouping = opts
	}
}

// WithMaxBatchSize caps the operations per atomic commit.
func WithMaxBatchSize(size int) Option {
	return func(cfg *pipelineConfig) {
		cfg.batchSize = size
	}
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(cfg *pipelineConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *pipelineConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMeter overrides the meter used for run metrics.
func WithMeter(meter metric.Meter) Option {
	return func(cfg *pipelineConfig) {
		if meter != nil {
			cfg.meter = meter
		}
	}
}

// WithTracer overrides the tracer used for stage spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *pipelineConfig) {
		if tracer != nil {
			cfg.tracer = tracer
		}
	}
}

// New assembles a pipeline over the given storage collaborator.
func New(store repositories.DocumentStore, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("aggregation: document store is required")
	}
	cfg := pipelineConfig{
		grouping: GroupOptions{Threshold: DefaultSimilarityThreshold, Strategy: StrategyFounder},
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.grouping.Threshold < 0 || cfg.grouping.Threshold > 1 {
		return nil, fmt.Errorf("aggregation: similarity threshold %.2f out of range", cfg.grouping.Threshold)
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(instrumentationName)
	}

	committer, err := NewCommitter(store,
		WithBatchSize(cfg.batchSize),
		WithCommitClock(cfg.clock),
		WithCommitLogger(cfg.logger),
	)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		store:     store,
		committer: committer,
		grouping:  cfg.grouping,
		logger:    cfg.logger,
		tracer:    cfg.tracer,
	}

	if p.runsCounter, err = cfg.meter.Int64Counter("aggregation.runs",
		metric.WithDescription("Aggregation pipeline runs by kind and outcome")); err != nil {
		cfg.logger.Warn("aggregation: unable to register runs metric", zap.Error(err))
	}
	if p.insertedCounter, err = cfg.meter.Int64Counter("aggregation.entities.inserted",
		metric.WithDescription("Canonical entities inserted by the pipeline")); err != nil {
		cfg.logger.Warn("aggregation: unable to register inserted metric", zap.Error(err))
	}
	if p.consumedCounter, err = cfg.meter.Int64Counter("aggregation.submissions.consumed",
		metric.WithDescription("Pending submissions deleted by the pipeline")); err != nil {
		cfg.logger.Warn("aggregation: unable to register consumed metric", zap.Error(err))
	}
	return p, nil
}

// Committer exposes the pipeline's commit orchestrator for get-or-create paths.
func (p *Pipeline) Committer() *Committer {
	return p.committer
}

// Run aggregates every pending submission of kind. An empty pending collection is a no-op.
// On error the returned Result still reports what was committed before the failure.
func (p *Pipeline) Run(ctx context.Context, kind domain.EntityKind) (result Result, err error) {
	result.Kind = kind
	desc, err := Descriptor(kind)
	if err != nil {
		return result, err
	}

	ctx, span := p.tracer.Start(ctx, "aggregation.run", trace.WithAttributes(attribute.String("aggregation.kind", string(kind))))
	defer func() {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("aggregation.pending", result.Pending),
			attribute.Int("aggregation.inserted", result.Inserted),
			attribute.Int("aggregation.deleted", result.Deleted),
		)
		span.End()
		p.record(ctx, kind, outcome, result)
	}()

	log := p.logger.With(zap.String("kind", string(kind)))

	pending, err := p.loadPending(ctx, desc)
	if err != nil {
		log.Error("aggregation: load pending failed", zap.Error(err))
		return result, err
	}
	result.Pending = len(pending)
	if len(pending) == 0 {
		log.Debug("aggregation: nothing pending")
		return result, nil
	}

	_, groupSpan := p.tracer.Start(ctx, "aggregation.group")
	groups := GroupSubmissions(pending, desc.ScopeKey, DisplayNameKey, p.grouping)
	groupSpan.SetAttributes(attribute.Int("aggregation.groups", len(groups)))
	groupSpan.End()
	result.Groups = len(groups)

	_, resolveSpan := p.tracer.Start(ctx, "aggregation.resolve")
	candidates := make([]Candidate, 0, len(groups))
	consumed := make([]string, 0, len(pending))
	for _, group := range groups {
		consumed = append(consumed, group.MemberIDs()...)
		candidate := Resolve(desc, group)
		if candidate == nil {
			result.Dropped++
			log.Warn("aggregation: grouping ambiguity, group has no usable name",
				zap.Strings("memberIds", group.MemberIDs()),
			)
			continue
		}
		candidates = append(candidates, *candidate)
	}
	resolveSpan.End()

	surviving, duplicates, err := p.filterDuplicates(ctx, desc, candidates)
	if err != nil {
		log.Error("aggregation: duplicate filter failed", zap.Error(err))
		return result, err
	}
	result.Duplicates = duplicates

	commitCtx, commitSpan := p.tracer.Start(ctx, "aggregation.commit")
	committed, err := p.committer.Commit(commitCtx, desc, surviving, consumed)
	commitSpan.SetAttributes(attribute.Int("aggregation.chunks", committed.Chunks))
	if err != nil {
		commitSpan.RecordError(err)
		commitSpan.SetStatus(otelcodes.Error, err.Error())
	}
	commitSpan.End()

	result.Inserted = committed.Inserted
	result.Deleted = committed.Deleted
	result.Linked = committed.Linked
	result.Chunks = committed.Chunks
	result.Duplicates += committed.Duplicates
	if err != nil {
		log.Error("aggregation: run aborted",
			zap.Int("inserted", result.Inserted),
			zap.Int("deleted", result.Deleted),
			zap.Error(err),
		)
		return result, err
	}

	log.Info("aggregation: run completed",
		zap.Int("pending", result.Pending),
		zap.Int("groups", result.Groups),
		zap.Int("dropped", result.Dropped),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("inserted", result.Inserted),
		zap.Int("deleted", result.Deleted),
		zap.Int("linked", result.Linked),
	)
	return result, nil
}

func (p *Pipeline) loadPending(ctx context.Context, desc KindDescriptor) ([]domain.PendingSubmission, error) {
	ctx, span := p.tracer.Start(ctx, "aggregation.load")
	defer span.End()

	records, err := p.store.Query(ctx, desc.PendingCollection)
	if err != nil {
		return nil, fmt.Errorf("aggregation: load pending %s: %w", desc.PendingCollection, err)
	}
	subs := make([]domain.PendingSubmission, 0, len(records))
	for _, rec := range records {
		sub := repositories.DecodePending(rec)
		sub.Kind = desc.Kind
		subs = append(subs, sub)
	}
	// Scan order decides founders; keep it stable across backends.
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].SubmittedAt.Equal(subs[j].SubmittedAt) {
			return subs[i].SubmittedAt.Before(subs[j].SubmittedAt)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

func (p *Pipeline) filterDuplicates(ctx context.Context, desc KindDescriptor, candidates []Candidate) ([]Candidate, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}
	existing, err := p.committer.Existing(ctx, desc, candidates)
	if err != nil {
		return nil, 0, fmt.Errorf("aggregation: load canonical %s: %w", desc.CanonicalCollection, err)
	}
	index := NewDuplicateIndex(desc, existing)
	surviving := make([]Candidate, 0, len(candidates))
	duplicates := 0
	for _, candidate := range candidates {
		probe := candidate.Entity
		probe.NormalizedName = textutil.NormalizeName(probe.DisplayName)
		if index.Contains(probe) {
			duplicates++
			continue
		}
		surviving = append(surviving, candidate)
	}
	return surviving, duplicates, nil
}

func (p *Pipeline) record(ctx context.Context, kind domain.EntityKind, outcome string, result Result) {
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	if p.runsCounter != nil {
		p.runsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind)), attribute.String("outcome", outcome)))
	}
	if p.insertedCounter != nil && result.Inserted > 0 {
		p.insertedCounter.Add(ctx, int64(result.Inserted), attrs)
	}
	if p.consumedCounter != nil && result.Deleted > 0 {
		p.consumedCounter.Add(ctx, int64(result.Deleted), attrs)
	}
}
