// Package memory provides process-local repository implementations for tests and local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

const defaultMaxBatchSize = 500

type document struct {
	seq  uint64
	data map[string]any
}

// CommitHook runs before the n-th batch commit (1-based) is applied. A
// non-nil error aborts that commit without applying any of its operations.
type CommitHook func(n int, operations int) error

// DocumentStore is an in-memory repositories.DocumentStore.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*document
	seq         uint64
	maxBatch    int
	commits     int
	commitSizes []int
	hook        CommitHook
}

var _ repositories.DocumentStore = (*DocumentStore)(nil)

// Option customises a DocumentStore.
type Option func(*DocumentStore)

// WithMaxBatchSize overrides the per-batch operation limit.
func WithMaxBatchSize(size int) Option {
	return func(s *DocumentStore) {
		if size > 0 {
			s.maxBatch = size
		}
	}
}

// WithCommitHook installs a hook consulted before each batch commit.
func WithCommitHook(hook CommitHook) Option {
	return func(s *DocumentStore) {
		s.hook = hook
	}
}

// NewDocumentStore constructs an empty store.
func NewDocumentStore(opts ...Option) *DocumentStore {
	s := &DocumentStore{
		collections: make(map[string]map[string]*document),
		maxBatch:    defaultMaxBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CommittedBatches returns the operation count of every successfully committed batch, in order.
func (s *DocumentStore) CommittedBatches() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.commitSizes...)
}

func (s *DocumentStore) MaxBatchSize() int {
	return s.maxBatch
}

func (s *DocumentStore) NewID(string) string {
	return strings.ToLower(ulid.Make().String())
}

func (s *DocumentStore) Query(ctx context.Context, collection string, filters ...repositories.Filter) ([]repositories.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, repositories.NewStoreError("memory.query", repositories.StoreErrorUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[collection]
	type entry struct {
		id  string
		doc *document
	}
	matches := make([]entry, 0, len(docs))
	for id, doc := range docs {
		ok, err := matchAll(doc.data, filters)
		if err != nil {
			return nil, repositories.NewStoreError("memory.query", repositories.StoreErrorInvalid, err)
		}
		if ok {
			matches = append(matches, entry{id: id, doc: doc})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].doc.seq < matches[j].doc.seq })

	records := make([]repositories.Record, 0, len(matches))
	for _, m := range matches {
		records = append(records, repositories.Record{ID: m.id, Data: copyMap(m.doc.data)})
	}
	return records, nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (repositories.Record, error) {
	if err := ctx.Err(); err != nil {
		return repositories.Record{}, repositories.NewStoreError("memory.get", repositories.StoreErrorUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return repositories.Record{}, notFound("memory.get", collection, id)
	}
	return repositories.Record{ID: id, Data: copyMap(doc.data)}, nil
}

func (s *DocumentStore) Count(ctx context.Context, collection string, filters ...repositories.Filter) (int, error) {
	records, err := s.Query(ctx, collection, filters...)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *DocumentStore) Insert(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := s.NewID(collection)
	if err := s.InsertWithID(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (s *DocumentStore) InsertWithID(ctx context.Context, collection, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("memory.insert", repositories.StoreErrorUnavailable, err)
	}
	if strings.TrimSpace(id) == "" {
		return repositories.NewStoreError("memory.insert", repositories.StoreErrorInvalid, errors.New("document id is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.collections[collection][id]; exists {
		return repositories.NewStoreError("memory.insert", repositories.StoreErrorConflict, fmt.Errorf("%s/%s already exists", collection, id))
	}
	s.setLocked(collection, id, data)
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, updates []repositories.FieldUpdate) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("memory.update", repositories.StoreErrorUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return notFound("memory.update", collection, id)
	}
	applyUpdates(doc.data, updates)
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("memory.delete", repositories.StoreErrorUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

func (s *DocumentStore) Batch() repositories.WriteBatch {
	return &writeBatch{store: s}
}

func (s *DocumentStore) setLocked(collection, id string, data map[string]any) {
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]*document)
		s.collections[collection] = docs
	}
	s.seq++
	seq := s.seq
	if existing, ok := docs[id]; ok {
		seq = existing.seq
	}
	docs[id] = &document{seq: seq, data: copyMap(data)}
}

type batchOp struct {
	kind       string
	collection string
	id         string
	data       map[string]any
	updates    []repositories.FieldUpdate
}

type writeBatch struct {
	store *DocumentStore
	ops   []batchOp
}

func (b *writeBatch) Set(collection, id string, data map[string]any) {
	b.ops = append(b.ops, batchOp{kind: "set", collection: collection, id: id, data: copyMap(data)})
}

func (b *writeBatch) Update(collection, id string, updates []repositories.FieldUpdate) {
	b.ops = append(b.ops, batchOp{kind: "update", collection: collection, id: id, updates: append([]repositories.FieldUpdate(nil), updates...)})
}

func (b *writeBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: "delete", collection: collection, id: id})
}

func (b *writeBatch) Len() int {
	return len(b.ops)
}

// Commit validates every operation before applying any of them.
func (b *writeBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return repositories.NewStoreError("memory.batch.commit", repositories.StoreErrorUnavailable, err)
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b.ops) > s.maxBatch {
		return repositories.NewStoreError("memory.batch.commit", repositories.StoreErrorInvalid,
			fmt.Errorf("batch has %d operations, limit is %d", len(b.ops), s.maxBatch))
	}

	s.commits++
	if s.hook != nil {
		if err := s.hook(s.commits, len(b.ops)); err != nil {
			return repositories.NewStoreError("memory.batch.commit", repositories.StoreErrorUnavailable, err)
		}
	}

	for _, op := range b.ops {
		if op.kind != "update" {
			continue
		}
		if _, ok := s.collections[op.collection][op.id]; !ok && !setEarlier(b.ops, op) {
			return notFound("memory.batch.commit", op.collection, op.id)
		}
	}

	for _, op := range b.ops {
		switch op.kind {
		case "set":
			s.setLocked(op.collection, op.id, op.data)
		case "update":
			applyUpdates(s.collections[op.collection][op.id].data, op.updates)
		case "delete":
			delete(s.collections[op.collection], op.id)
		}
	}
	s.commitSizes = append(s.commitSizes, len(b.ops))
	return nil
}

func setEarlier(ops []batchOp, target batchOp) bool {
	for _, op := range ops {
		if op.kind == "set" && op.collection == target.collection && op.id == target.id {
			return true
		}
	}
	return false
}

func notFound(op, collection, id string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("%s/%s not found", collection, id))
}

func matchAll(data map[string]any, filters []repositories.Filter) (bool, error) {
	for _, f := range filters {
		value := data[f.Path]
		switch f.Op {
		case repositories.FilterEqual, "":
			if !equalValues(value, f.Value) {
				return false, nil
			}
		case repositories.FilterArrayContains:
			if !containsValue(value, f.Value) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return true, nil
}

func equalValues(stored, want any) bool {
	// A missing string field compares equal to "" like an unset scope.
	if stored == nil {
		if s, ok := want.(string); ok {
			return s == ""
		}
	}
	return reflect.DeepEqual(stored, want)
}

func containsValue(stored, want any) bool {
	for _, item := range toAnySlice(stored) {
		if reflect.DeepEqual(item, want) {
			return true
		}
	}
	return false
}

func applyUpdates(data map[string]any, updates []repositories.FieldUpdate) {
	for _, u := range updates {
		if !u.ArrayUnion {
			data[u.Path] = copyValue(u.Value)
			continue
		}
		current := toAnySlice(data[u.Path])
		for _, item := range toAnySlice(u.Value) {
			if !containsValue(current, item) {
				current = append(current, copyValue(item))
			}
		}
		data[u.Path] = current
	}
}

func toAnySlice(value any) []any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []any:
		return append([]any(nil), typed...)
	case []string:
		out := make([]any, 0, len(typed))
		for _, s := range typed {
			out = append(out, s)
		}
		return out
	case []map[string]any:
		out := make([]any, 0, len(typed))
		for _, m := range typed {
			out = append(out, m)
		}
		return out
	default:
		return []any{typed}
	}
}

func copyMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return copyMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return typed
	}
}
