package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	"github.com/Tofulati/hallpass-sub000/internal/platform/textutil"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

const (
	// StageWrite is the insert/delete pass.
	StageWrite = "write"
	// StageLink is the professor-to-course link pass.
	StageLink = "link"
)

// CommitError reports the chunk that failed. Chunks before it are durable.
type CommitError struct {
	Stage string
	Chunk int
	Err   error
}

func (e *CommitError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("aggregation: %s chunk %d failed: %v", e.Stage, e.Chunk, e.Err)
}

func (e *CommitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CommitResult counts what became durable.
type CommitResult struct {
	Inserted    int
	Deleted     int
	Duplicates  int
	Linked      int
	Chunks      int
	InsertedIDs []string
}

// Committer writes resolved candidates and deletes consumed submissions in
// bounded atomic chunks, one chunk at a time.
type Committer struct {
	store     repositories.DocumentStore
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
}

// CommitterOption customises a Committer.
type CommitterOption func(*Committer)

// WithBatchSize caps the operations per chunk. Values above the store's maximum are clamped.
func WithBatchSize(size int) CommitterOption {
	return func(c *Committer) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithCommitClock overrides the timestamp source.
func WithCommitClock(clock func() time.Time) CommitterOption {
	return func(c *Committer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithCommitLogger attaches a logger.
func WithCommitLogger(logger *zap.Logger) CommitterOption {
	return func(c *Committer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCommitter constructs a Committer over store.
func NewCommitter(store repositories.DocumentStore, opts ...CommitterOption) (*Committer, error) {
	if store == nil {
		return nil, errors.New("aggregation: document store is required")
	}
	c := &Committer{
		store:  store,
		clock:  time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	limit := store.MaxBatchSize()
	if c.batchSize <= 0 || (limit > 0 && c.batchSize > limit) {
		c.batchSize = limit
	}
	if c.batchSize <= 0 {
		return nil, errors.New("aggregation: batch size must be positive")
	}
	return c, nil
}

// BatchSize returns the effective chunk size.
func (c *Committer) BatchSize() int {
	return c.batchSize
}

// Existing loads the live canonical entities that candidates can collide with.
// Scoped kinds are loaded per scope.
func (c *Committer) Existing(ctx context.Context, desc KindDescriptor, candidates []Candidate) ([]domain.CanonicalEntity, error) {
	if !desc.Scoped {
		return c.queryCanonical(ctx, desc.CanonicalCollection)
	}
	seen := make(map[string]struct{})
	var out []domain.CanonicalEntity
	for _, candidate := range candidates {
		scope := candidate.Entity.OwnerScopeID
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		entities, err := c.queryCanonical(ctx, desc.CanonicalCollection, repositories.Eq(repositories.FieldOwnerScopeID, scope))
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
	}
	return out, nil
}

func (c *Committer) queryCanonical(ctx context.Context, collection string, filters ...repositories.Filter) ([]domain.CanonicalEntity, error) {
	records, err := c.store.Query(ctx, collection, filters...)
	if err != nil {
		return nil, err
	}
	entities := make([]domain.CanonicalEntity, 0, len(records))
	for _, rec := range records {
		entities = append(entities, repositories.DecodeCanonical(rec))
	}
	return entities, nil
}

type opKind int

const (
	opSet opKind = iota
	opUpdate
	opDelete
)

type writeOp struct {
	kind       opKind
	collection string
	id         string
	data       map[string]any
	updates    []repositories.FieldUpdate
}

// Commit re-validates candidates against the live canonical set, growing the
// check set as each one is accepted, then writes inserts followed by deletes.
// A failed chunk stops the run and returns the counts committed before it.
func (c *Committer) Commit(ctx context.Context, desc KindDescriptor, candidates []Candidate, consumed []string) (CommitResult, error) {
	var result CommitResult

	existing, err := c.Existing(ctx, desc, candidates)
	if err != nil {
		return result, fmt.Errorf("aggregation: load canonical %s: %w", desc.CanonicalCollection, err)
	}
	index := NewDuplicateIndex(desc, existing)
	ids := make(map[string]struct{}, len(existing))
	for _, entity := range existing {
		ids[entity.ID] = struct{}{}
	}

	now := c.clock().UTC()
	ops := make([]writeOp, 0, len(candidates)+len(consumed))
	var accepted []domain.CanonicalEntity
	for _, candidate := range candidates {
		entity := candidate.Entity
		entity.Kind = desc.Kind
		entity.NormalizedName = textutil.NormalizeName(entity.DisplayName)
		if index.Contains(entity) {
			result.Duplicates++
			continue
		}
		entity.ID = c.assignID(desc, entity)
		if entity.ID == "" {
			c.logger.Warn("aggregation: candidate has no usable id", zap.String("kind", string(desc.Kind)), zap.String("displayName", entity.DisplayName))
			continue
		}
		if _, taken := ids[entity.ID]; taken {
			// Slug collision between names that normalize differently, e.g. accented variants.
			result.Duplicates++
			continue
		}
		ids[entity.ID] = struct{}{}
		entity.MemberIDs = append([]string(nil), candidate.MemberIDs...)
		entity.CreatedAt = now
		entity.UpdatedAt = now
		index.Add(entity)
		accepted = append(accepted, entity)
		ops = append(ops, writeOp{kind: opSet, collection: desc.CanonicalCollection, id: entity.ID, data: repositories.EncodeCanonical(entity)})
	}
	for _, id := range textutil.DedupeStrings(consumed) {
		ops = append(ops, writeOp{kind: opDelete, collection: desc.PendingCollection, id: id})
	}

	chunks, err := c.apply(ctx, StageWrite, ops, func(chunk []writeOp) {
		for _, op := range chunk {
			switch op.kind {
			case opSet:
				result.Inserted++
				result.InsertedIDs = append(result.InsertedIDs, op.id)
			case opDelete:
				result.Deleted++
			}
		}
	})
	result.Chunks += chunks
	if err != nil {
		return result, err
	}

	if desc.Kind == domain.KindProfessor && len(accepted) > 0 {
		linked, linkChunks, err := c.linkProfessors(ctx, accepted)
		result.Linked = linked
		result.Chunks += linkChunks
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// LinkProfessors appends each professor to the courses in its scope that list
// its name, skipping courses that already reference it.
func (c *Committer) LinkProfessors(ctx context.Context, professors []domain.CanonicalEntity) (int, error) {
	linked, _, err := c.linkProfessors(ctx, professors)
	return linked, err
}

func (c *Committer) linkProfessors(ctx context.Context, professors []domain.CanonicalEntity) (int, int, error) {
	courses := MustDescriptor(domain.KindCourse)
	byScope := make(map[string][]domain.CanonicalEntity)
	var ops []writeOp
	for _, professor := range professors {
		scope := professor.OwnerScopeID
		scoped, ok := byScope[scope]
		if !ok {
			loaded, err := c.queryCanonical(ctx, courses.CanonicalCollection, repositories.Eq(repositories.FieldOwnerScopeID, scope))
			if err != nil {
				return 0, 0, fmt.Errorf("aggregation: load courses for scope %q: %w", scope, err)
			}
			scoped = loaded
		}
		name := professor.NormalizedName
		if name == "" {
			name = textutil.NormalizeName(professor.DisplayName)
		}
		for i := range scoped {
			course := &scoped[i]
			if !listsName(course.ProfessorNames, name) || linksProfessor(course.Professors, professor.ID) {
				continue
			}
			link := domain.ProfessorLink{ID: professor.ID, Name: professor.DisplayName}
			course.Professors = append(course.Professors, link)
			ops = append(ops, writeOp{
				kind:       opUpdate,
				collection: courses.CanonicalCollection,
				id:         course.ID,
				updates: []repositories.FieldUpdate{
					{Path: repositories.FieldProfessors, Value: repositories.EncodeProfessorLinks([]domain.ProfessorLink{link}), ArrayUnion: true},
					{Path: repositories.FieldUpdatedAt, Value: c.clock().UTC()},
				},
			})
		}
		byScope[scope] = scoped
	}

	linked := 0
	chunks, err := c.apply(ctx, StageLink, ops, func(chunk []writeOp) {
		linked += len(chunk)
	})
	return linked, chunks, err
}

// apply commits ops in order, one atomic batch per chunk. onCommitted is
// invoked only for chunks that committed.
func (c *Committer) apply(ctx context.Context, stage string, ops []writeOp, onCommitted func([]writeOp)) (int, error) {
	committed := 0
	for start := 0; start < len(ops); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return committed, &CommitError{Stage: stage, Chunk: committed + 1, Err: err}
		}
		end := min(start+c.batchSize, len(ops))
		chunk := ops[start:end]

		batch := c.store.Batch()
		for _, op := range chunk {
			switch op.kind {
			case opSet:
				batch.Set(op.collection, op.id, op.data)
			case opUpdate:
				batch.Update(op.collection, op.id, op.updates)
			case opDelete:
				batch.Delete(op.collection, op.id)
			}
		}
		if err := batch.Commit(ctx); err != nil {
			c.logger.Error("aggregation: chunk commit failed",
				zap.String("stage", stage),
				zap.Int("chunk", committed+1),
				zap.Int("operations", len(chunk)),
				zap.Error(err),
			)
			return committed, &CommitError{Stage: stage, Chunk: committed + 1, Err: err}
		}
		committed++
		if onCommitted != nil {
			onCommitted(chunk)
		}
	}
	return committed, nil
}

func (c *Committer) assignID(desc KindDescriptor, entity domain.CanonicalEntity) string {
	if desc.IDStrategy == IDSlug {
		return desc.SlugID(entity.OwnerScopeID, entity.DisplayName)
	}
	return c.store.NewID(desc.CanonicalCollection)
}

func listsName(names []string, normalized string) bool {
	for _, name := range names {
		if textutil.NormalizeName(name) == normalized {
			return true
		}
	}
	return false
}

func linksProfessor(links []domain.ProfessorLink, id string) bool {
	for _, link := range links {
		if link.ID == id {
			return true
		}
	}
	return false
}
