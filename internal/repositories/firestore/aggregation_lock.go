package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Tofulati/hallpass-sub000/internal/domain"
	pfirestore "github.com/Tofulati/hallpass-sub000/internal/platform/firestore"
	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

const aggregationLocksCollection = "aggregationLocks"

type leaseDocument struct {
	Holder     string    `firestore:"holder"`
	AcquiredAt time.Time `firestore:"acquiredAt"`
	ExpiresAt  time.Time `firestore:"expiresAt"`
}

// AggregationLock keeps one lease document per kind, read and written in a
// transaction so concurrent instances agree on the holder.
type AggregationLock struct {
	provider *pfirestore.Provider
	leases   *pfirestore.Collection[leaseDocument]
	now      func() time.Time
}

var _ repositories.AggregationLock = (*AggregationLock)(nil)

// NewAggregationLock constructs the lease lock. A nil clock uses time.Now.
func NewAggregationLock(provider *pfirestore.Provider, clock func() time.Time) (*AggregationLock, error) {
	if provider == nil {
		return nil, errors.New("aggregation lock requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &AggregationLock{
		provider: provider,
		leases:   pfirestore.NewCollection[leaseDocument](provider, aggregationLocksCollection, nil),
		now:      clock,
	}, nil
}

func (l *AggregationLock) Acquire(ctx context.Context, kind domain.EntityKind, holder string, ttl time.Duration) (bool, error) {
	ref, err := l.leases.Doc(ctx, string(kind))
	if err != nil {
		return false, err
	}

	var acquired bool
	err = l.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		acquired = false
		now := l.now().UTC()

		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			var current leaseDocument
			if err := snap.DataTo(&current); err != nil {
				return err
			}
			if current.Holder != holder && now.Before(current.ExpiresAt) {
				return nil
			}
		case codes.NotFound:
		default:
			return err
		}

		acquired = true
		return tx.Set(ref, leaseDocument{Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)})
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release deletes the lease only while holder still owns it.
func (l *AggregationLock) Release(ctx context.Context, kind domain.EntityKind, holder string) error {
	ref, err := l.leases.Doc(ctx, string(kind))
	if err != nil {
		return err
	}
	return l.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var current leaseDocument
		if err := snap.DataTo(&current); err != nil {
			return err
		}
		if current.Holder != holder {
			return nil
		}
		return tx.Delete(ref)
	})
}
