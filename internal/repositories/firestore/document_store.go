// Package firestore implements the repository contracts on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/oklog/ulid/v2"

	pfirestore "github.com/Tofulati/hallpass-sub000/internal/platform/firestore"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

// maxTransactionWrites is Firestore's per-transaction write limit.
const maxTransactionWrites = 500

// DocumentStore implements repositories.DocumentStore. Batches are committed
// as a single Firestore transaction, so a failed chunk leaves no partial writes.
type DocumentStore struct {
	provider *pfirestore.Provider
}

var _ repositories.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore constructs a DocumentStore using the shared provider.
func NewDocumentStore(provider *pfirestore.Provider) (*DocumentStore, error) {
	if provider == nil {
		return nil, errors.New("document store requires firestore provider")
	}
	return &DocumentStore{provider: provider}, nil
}

func (s *DocumentStore) collection(name string) *pfirestore.Collection[map[string]any] {
	return pfirestore.NewCollection(s.provider, name, pfirestore.MapDecoder())
}

func (s *DocumentStore) MaxBatchSize() int {
	return maxTransactionWrites
}

func (s *DocumentStore) NewID(string) string {
	return strings.ToLower(ulid.Make().String())
}

func (s *DocumentStore) Query(ctx context.Context, collection string, filters ...repositories.Filter) ([]repositories.Record, error) {
	docs, err := s.collection(collection).Query(ctx, func(q firestore.Query) firestore.Query {
		return applyFilters(q, filters)
	})
	if err != nil {
		return nil, err
	}
	records := make([]repositories.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, repositories.Record{ID: doc.ID, Data: doc.Data})
	}
	return records, nil
}

func (s *DocumentStore) Get(ctx context.Context, collection, id string) (repositories.Record, error) {
	doc, err := s.collection(collection).Get(ctx, id)
	if err != nil {
		return repositories.Record{}, err
	}
	return repositories.Record{ID: doc.ID, Data: doc.Data}, nil
}

// Count uses a server-side aggregation query.
func (s *DocumentStore) Count(ctx context.Context, collection string, filters ...repositories.Filter) (int, error) {
	coll, err := s.collection(collection).Ref(ctx)
	if err != nil {
		return 0, err
	}
	query := applyFilters(coll.Query, filters)
	result, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError(collection+".count", err)
	}
	value, ok := result["total"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("firestore %s.count: unexpected result %T", collection, result["total"])
	}
	return int(value.GetIntegerValue()), nil
}

func (s *DocumentStore) Insert(ctx context.Context, collection string, data map[string]any) (string, error) {
	id := s.NewID(collection)
	if err := s.InsertWithID(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// InsertWithID fails with a conflict when the document already exists.
func (s *DocumentStore) InsertWithID(ctx context.Context, collection, id string, data map[string]any) error {
	ref, err := s.collection(collection).Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, data); err != nil {
		return pfirestore.WrapError(collection+".insert", err)
	}
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, collection, id string, updates []repositories.FieldUpdate) error {
	ref, err := s.collection(collection).Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, toUpdates(updates)); err != nil {
		return pfirestore.WrapError(collection+".update", err)
	}
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, collection, id string) error {
	ref, err := s.collection(collection).Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError(collection+".delete", err)
	}
	return nil
}

func (s *DocumentStore) Batch() repositories.WriteBatch {
	return &writeBatch{store: s}
}

type opKind int

const (
	opSet opKind = iota
	opUpdate
	opDelete
)

type batchOp struct {
	kind       opKind
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
	b.ops = append(b.ops, batchOp{kind: opSet, collection: collection, id: id, data: data})
}

func (b *writeBatch) Update(collection, id string, updates []repositories.FieldUpdate) {
	b.ops = append(b.ops, batchOp{kind: opUpdate, collection: collection, id: id, updates: updates})
}

func (b *writeBatch) Delete(collection, id string) {
	b.ops = append(b.ops, batchOp{kind: opDelete, collection: collection, id: id})
}

func (b *writeBatch) Len() int {
	return len(b.ops)
}

// Commit applies every queued write inside one transaction.
func (b *writeBatch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	if len(b.ops) > maxTransactionWrites {
		return repositories.NewStoreError("firestore.batch.commit", repositories.StoreErrorInvalid,
			fmt.Errorf("batch has %d operations, limit is %d", len(b.ops), maxTransactionWrites))
	}

	client, err := b.store.provider.Client(ctx)
	if err != nil {
		return err
	}
	return b.store.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		for _, op := range b.ops {
			ref := client.Collection(op.collection).Doc(op.id)
			var err error
			switch op.kind {
			case opSet:
				err = tx.Set(ref, op.data)
			case opUpdate:
				err = tx.Update(ref, toUpdates(op.updates))
			case opDelete:
				err = tx.Delete(ref)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func applyFilters(q firestore.Query, filters []repositories.Filter) firestore.Query {
	for _, f := range filters {
		op := string(f.Op)
		if op == "" {
			op = string(repositories.FilterEqual)
		}
		q = q.Where(f.Path, op, f.Value)
	}
	return q
}

func toUpdates(updates []repositories.FieldUpdate) []firestore.Update {
	out := make([]firestore.Update, 0, len(updates))
	for _, u := range updates {
		value := u.Value
		if u.ArrayUnion {
			value = firestore.ArrayUnion(anySlice(u.Value)...)
		}
		out = append(out, firestore.Update{Path: u.Path, Value: value})
	}
	return out
}

func anySlice(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}
