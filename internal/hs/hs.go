// Package hs implements the hot store: short-lived, TTL-bound state that
// doesn't belong in the durable UCS store — DLR correlation records and
// long-content reassembly buffers — backed by Redis, per spec.md §5.
package hs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-go/jasmin/internal/metrics"
)

// Store wraps a redis.Client with the gateway's key conventions.
type Store struct {
	rdb *redis.Client
}

// New creates a Store over an existing redis.Client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// NewClient builds a redis.Client from addr/password/db, the shape used
// across the example pack's Redis-backed caches.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping verifies connectivity, used at daemon startup and in health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.rdb.Close() }

func dlrKey(messageID string) string { return "jasmin:dlr:" + messageID }

// DLRRecord correlates a submitted message with the information needed to
// later throw its delivery receipt: which user submitted it, the upstream
// message id the connector assigned, and the DLR routing preferences
// carried in on the original submit (spec.md §4.2 / §4.4).
type DLRRecord struct {
	UserID          string `json:"user_id"`
	ConnectorID     string `json:"connector_id"`
	SourceAddr      string `json:"source_addr"`
	DestinationAddr string `json:"destination_addr"`
	DLRLevel        int    `json:"dlr_level"` // 0=none, 1=HTTP and SMPP, 2=SMPP only, 3=HTTP only
	DLRURL          string `json:"dlr_url"`
	DLRMethod       string `json:"dlr_method"`
	PartCount       int    `json:"part_count"`
	PartsDelivered  int    `json:"parts_delivered"`

	// ExpiresAt is the submit's validity deadline, carried in the record
	// so re-writes (segment aggregation, SMSC-id aliasing) can re-derive
	// a TTL that never outlives the message itself.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// ParentMessageID is set on records written under an SMSC-assigned
	// message id: it points back at the router-generated parent id whose
	// record holds the authoritative segment-aggregation state. Empty on
	// the parent record itself.
	ParentMessageID string `json:"parent_message_id,omitempty"`

	// RemainingAmount is the balance still owed on this message when its
	// submit charge was split by an early-decrement percentage (spec.md
	// §4.2 step 4). It is applied once the terminal DLR for this message
	// arrives; zero means the full amount was already charged at submit.
	RemainingAmount float64 `json:"remaining_amount,omitempty"`

	// OriginSystemID is set when the submit that created this record was
	// admitted through the SMPP Server rather than HTTP: the dlr thrower
	// uses it to look up the originator's still-bound session and forward
	// the receipt as deliver_sm/data_sm instead of an HTTP callback,
	// per spec.md §4.4's "SmppServerSystemIdConnector" target.
	OriginSystemID string `json:"origin_system_id,omitempty"`
}

// PutDLR writes a DLR correlation record with a TTL equal to the message's
// validity period (the SETEX semantics spec.md §5 requires: "TTL must not
// exceed the message's validity_period").
func (s *Store) PutDLR(ctx context.Context, messageID string, rec DLRRecord, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		metrics.HSOperations.WithLabelValues("put_dlr", "error").Inc()
		return fmt.Errorf("marshal dlr record: %w", err)
	}
	if err := s.rdb.Set(ctx, dlrKey(messageID), payload, ttl).Err(); err != nil {
		metrics.HSOperations.WithLabelValues("put_dlr", "error").Inc()
		return err
	}
	metrics.HSOperations.WithLabelValues("put_dlr", "ok").Inc()
	return nil
}

// GetDLR retrieves a DLR correlation record. A missing key (expired or
// never written — e.g. dlr_level was none) returns (nil, nil), not an error.
func (s *Store) GetDLR(ctx context.Context, messageID string) (*DLRRecord, error) {
	data, err := s.rdb.Get(ctx, dlrKey(messageID)).Bytes()
	if err == redis.Nil {
		metrics.HSOperations.WithLabelValues("get_dlr", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.HSOperations.WithLabelValues("get_dlr", "error").Inc()
		return nil, err
	}
	var rec DLRRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		metrics.HSOperations.WithLabelValues("get_dlr", "error").Inc()
		return nil, fmt.Errorf("unmarshal dlr record: %w", err)
	}
	metrics.HSOperations.WithLabelValues("get_dlr", "ok").Inc()
	return &rec, nil
}

// IncrementDeliveredParts increments a DLR record's parts_delivered
// counter with a read-then-write (GET, TTL, SET), keeping the key's
// remaining TTL. The sequence is not atomic. Core.handleDLR does not call
// it; it performs its own increment through GetDLR/PutDLR.
func (s *Store) IncrementDeliveredParts(ctx context.Context, messageID string) (*DLRRecord, error) {
	rec, err := s.GetDLR(ctx, messageID)
	if err != nil || rec == nil {
		return rec, err
	}
	rec.PartsDelivered++
	ttl, err := s.rdb.TTL(ctx, dlrKey(messageID)).Result()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := s.PutDLR(ctx, messageID, *rec, ttl); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteDLR removes a correlation record once it has been fully consumed
// (terminal DLR thrown, or the connector gave up retrying).
func (s *Store) DeleteDLR(ctx context.Context, messageID string) error {
	err := s.rdb.Del(ctx, dlrKey(messageID)).Err()
	if err != nil {
		metrics.HSOperations.WithLabelValues("delete_dlr", "error").Inc()
	} else {
		metrics.HSOperations.WithLabelValues("delete_dlr", "ok").Inc()
	}
	return err
}
