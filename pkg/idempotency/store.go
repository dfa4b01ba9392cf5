// Package idempotency maps client-supplied idempotency keys to at-most-once
// execution slots backed by redis. A key is claimed with SETNX, carries the
// request fingerprint so replays with a different payload are rejected, and
// caches the terminal result until the TTL expires.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrConflict = errors.New("idempotency key claimed with different fingerprint")

type State string

const (
	StateInFlight  State = "inflight"
	StateCompleted State = "completed"
)

type Record struct {
	State       State           `json:"state"`
	Fingerprint string          `json:"fingerprint"`
	OrderID     string          `json:"orderId,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type Outcome int

const (
	// Started means this caller claimed the slot and must run the execution.
	Started Outcome = iota
	// InFlight means another execution holds the slot and has not finished.
	InFlight
	// Replayed means a completed result is cached for this key.
	Replayed
)

type BeginResult struct {
	Outcome Outcome
	OrderID string
	Result  json.RawMessage
}

type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, prefix: "idem:order:"}
}

func (s *Store) key(k string) string { return s.prefix + k }

// Begin claims the slot for key, or reports the state of the existing claim.
// orderID is recorded on a fresh claim so concurrent submitters can observe
// which order is in flight.
func (s *Store) Begin(ctx context.Context, key, fingerprint, orderID string) (BeginResult, error) {
	rec := Record{State: StateInFlight, Fingerprint: fingerprint, OrderID: orderID}
	payload, err := json.Marshal(rec)
	if err != nil {
		return BeginResult{}, err
	}

	claimed, err := s.rdb.SetNX(ctx, s.key(key), payload, s.ttl).Result()
	if err != nil {
		return BeginResult{}, fmt.Errorf("idempotency begin: %w", err)
	}
	if claimed {
		return BeginResult{Outcome: Started, OrderID: orderID}, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return BeginResult{}, err
	}
	if existing == nil {
		// Entry expired between SETNX and GET; let the caller retry.
		return BeginResult{}, fmt.Errorf("idempotency begin: slot vanished for key %s", key)
	}
	if existing.Fingerprint != fingerprint {
		return BeginResult{}, ErrConflict
	}
	if existing.State == StateCompleted {
		return BeginResult{Outcome: Replayed, OrderID: existing.OrderID, Result: existing.Result}, nil
	}
	return BeginResult{Outcome: InFlight, OrderID: existing.OrderID}, nil
}

// Complete stores the terminal result for a claimed key, preserving the TTL.
func (s *Store) Complete(ctx context.Context, key, fingerprint, orderID string, result json.RawMessage) error {
	rec := Record{State: StateCompleted, Fingerprint: fingerprint, OrderID: orderID, Result: result}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	set, err := s.rdb.SetXX(ctx, s.key(key), payload, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	if !set {
		return fmt.Errorf("idempotency complete: no slot held for key %s", key)
	}
	return nil
}

// Release frees the slot after a failure that produced no side effects, so
// the client may retry the same key.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}

// Get returns the current record for key, or nil when absent.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency get: corrupt record for key %s: %w", key, err)
	}
	return &rec, nil
}
