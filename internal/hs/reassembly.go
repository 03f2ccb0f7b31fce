package hs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jasmin-go/jasmin/internal/metrics"
)

// reassemblyTTL bounds how long a partial long-message buffer survives
// without a new segment arriving, per spec.md §4.3's "stale reassembly
// buffers must not accumulate forever" edge case.
const reassemblyTTL = 15 * time.Minute

func reassemblyKey(sourceAddr, destAddr string, refNum int) string {
	return fmt.Sprintf("jasmin:reassembly:%s:%s:%d", sourceAddr, destAddr, refNum)
}

// ReassemblyBuffer accumulates the segments of a SAR/UDH long message
// keyed by (source_addr, destination_addr, reference_number), per
// spec.md §4.3.
type ReassemblyBuffer struct {
	TotalSegments int            `json:"total_segments"`
	Segments      map[int]string `json:"segments"` // 1-indexed segment number -> short_message payload
}

// PutSegment stores one segment of a long message, creating the buffer on
// first use and refreshing its TTL on every write so an in-progress
// reassembly doesn't expire mid-stream.
func (s *Store) PutSegment(ctx context.Context, sourceAddr, destAddr string, refNum, totalSegments, segmentNum int, payload string) (*ReassemblyBuffer, error) {
	key := reassemblyKey(sourceAddr, destAddr, refNum)

	buf, err := s.getReassembly(ctx, key)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		buf = &ReassemblyBuffer{TotalSegments: totalSegments, Segments: make(map[int]string)}
		metrics.ReassemblyBuffersActive.Inc()
	}
	buf.Segments[segmentNum] = payload

	data, err := json.Marshal(buf)
	if err != nil {
		return nil, fmt.Errorf("marshal reassembly buffer: %w", err)
	}
	if err := s.rdb.Set(ctx, key, data, reassemblyTTL).Err(); err != nil {
		metrics.HSOperations.WithLabelValues("put_segment", "error").Inc()
		return nil, err
	}
	metrics.HSOperations.WithLabelValues("put_segment", "ok").Inc()
	return buf, nil
}

// Complete reports whether every segment of a buffer has arrived.
func (b *ReassemblyBuffer) Complete() bool {
	return len(b.Segments) >= b.TotalSegments
}

// Assemble concatenates segments 1..TotalSegments in order. Callers must
// check Complete() first.
func (b *ReassemblyBuffer) Assemble() string {
	out := ""
	for i := 1; i <= b.TotalSegments; i++ {
		out += b.Segments[i]
	}
	return out
}

// DeleteReassembly removes a buffer once Assemble has consumed it.
func (s *Store) DeleteReassembly(ctx context.Context, sourceAddr, destAddr string, refNum int) error {
	err := s.rdb.Del(ctx, reassemblyKey(sourceAddr, destAddr, refNum)).Err()
	if err == nil {
		metrics.ReassemblyBuffersActive.Dec()
	}
	return err
}

func (s *Store) getReassembly(ctx context.Context, key string) (*ReassemblyBuffer, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var buf ReassemblyBuffer
	if err := json.Unmarshal(data, &buf); err != nil {
		return nil, fmt.Errorf("unmarshal reassembly buffer: %w", err)
	}
	return &buf, nil
}
