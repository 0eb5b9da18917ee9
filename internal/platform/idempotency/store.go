// Package idempotency replays responses for retried mutating requests that
// carry an Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tofulati/hallpass-sub000/internal/repositories"
)

const (
	// DefaultTTL bounds how long keys are remembered.
	DefaultTTL = 24 * time.Hour
	// DefaultCollection holds one document per scoped key.
	DefaultCollection = "idempotencyKeys"
)

// Status is the lifecycle state of a key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should process the request.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request still holds the key.
	ReservationStatePending
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Record is the stored state of a key.
type Record struct {
	Key         string
	Fingerprint string
	Status      Status
	StatusCode  int
	ContentType string
	Body        []byte
	ExpiresAt   time.Time
}

// Reservation is the result of Reserve.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Response is what Complete stores for replay.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Store persists key reservations and responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// DocumentStore keeps keys in a collection of any repositories.DocumentStore,
// so memory and Firestore deployments share one implementation.
type DocumentStore struct {
	docs       repositories.DocumentStore
	collection string
}

var _ Store = (*DocumentStore)(nil)

// NewDocumentStore constructs a Store over docs.
func NewDocumentStore(docs repositories.DocumentStore) (*DocumentStore, error) {
	if docs == nil {
		return nil, errors.New("idempotency: document store is required")
	}
	return &DocumentStore{docs: docs, collection: DefaultCollection}, nil
}

// Reserve claims key for fingerprint. Expired keys are reclaimed.
func (s *DocumentStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	id := documentID(key)
	pending := map[string]any{
		"key":         key,
		"fingerprint": fingerprint,
		"status":      string(StatusPending),
		"createdAt":   now,
		"expiresAt":   now.Add(ttl),
	}
	for attempt := 0; attempt < 2; attempt++ {
		err := s.docs.InsertWithID(ctx, s.collection, id, pending)
		if err == nil {
			return Reservation{State: ReservationStateNew, Record: decodeRecord(repositories.Record{ID: id, Data: pending})}, nil
		}
		if !repositories.IsConflict(err) {
			return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
		}

		rec, err := s.docs.Get(ctx, s.collection, id)
		if repositories.IsNotFound(err) {
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: load: %w", err)
		}
		existing := decodeRecord(rec)
		if !existing.ExpiresAt.IsZero() && !now.Before(existing.ExpiresAt) {
			if err := s.docs.Delete(ctx, s.collection, id); err != nil {
				return Reservation{}, fmt.Errorf("idempotency: reclaim: %w", err)
			}
			continue
		}
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if existing.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: existing}, nil
		}
		return Reservation{State: ReservationStatePending, Record: existing}, nil
	}
	return Reservation{State: ReservationStatePending}, nil
}

// Complete stores resp against key.
func (s *DocumentStore) Complete(ctx context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	err := s.docs.Update(ctx, s.collection, documentID(key), []repositories.FieldUpdate{
		{Path: "status", Value: string(StatusCompleted)},
		{Path: "statusCode", Value: int64(resp.StatusCode)},
		{Path: "contentType", Value: resp.ContentType},
		{Path: "body", Value: string(resp.Body)},
		{Path: "expiresAt", Value: now.Add(ttl)},
	})
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Release forgets key so the request can be retried.
func (s *DocumentStore) Release(ctx context.Context, key string) error {
	if err := s.docs.Delete(ctx, s.collection, documentID(key)); err != nil && !repositories.IsNotFound(err) {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}

func decodeRecord(rec repositories.Record) Record {
	out := Record{}
	out.Key, _ = rec.Data["key"].(string)
	out.Fingerprint, _ = rec.Data["fingerprint"].(string)
	status, _ := rec.Data["status"].(string)
	out.Status = Status(status)
	out.ContentType, _ = rec.Data["contentType"].(string)
	if body, ok := rec.Data["body"].(string); ok && body != "" {
		out.Body = []byte(body)
	}
	switch v := rec.Data["statusCode"].(type) {
	case int64:
		out.StatusCode = int(v)
	case int:
		out.StatusCode = v
	case float64:
		out.StatusCode = int(v)
	}
	out.ExpiresAt, _ = rec.Data["expiresAt"].(time.Time)
	return out
}

// documentID hashes the key so user input never forms a document path.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
