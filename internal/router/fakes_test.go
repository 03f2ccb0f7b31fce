package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/mb"
)

// fakePublisher is an in-memory Publisher that records every publication,
// letting tests assert on routing keys/headers/bodies without a live
// AMQP broker.
type fakePublisher struct {
	mu    sync.Mutex
	pubs  []mb.Publication
	erroring bool
}

func (p *fakePublisher) Publish(_ context.Context, pub mb.Publication) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.erroring {
		return errPublishFailed
	}
	p.pubs = append(p.pubs, pub)
	return nil
}

func (p *fakePublisher) published() []mb.Publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]mb.Publication, len(p.pubs))
	copy(out, p.pubs)
	return out
}

var errPublishFailed = fakePublishError{}

type fakePublishError struct{}

func (fakePublishError) Error() string { return "fake publish failure" }

// fakeHotStore is an in-memory HotStore standing in for a real Redis-backed
// hs.Store in unit tests.
type fakeHotStore struct {
	mu             sync.Mutex
	dlrs           map[string]hs.DLRRecord
	reassembly     map[string]*hs.ReassemblyBuffer
	balances       map[string]int64
	submitCounts   map[string]int64
}

func newFakeHotStore() *fakeHotStore {
	return &fakeHotStore{
		dlrs:         make(map[string]hs.DLRRecord),
		reassembly:   make(map[string]*hs.ReassemblyBuffer),
		balances:     make(map[string]int64),
		submitCounts: make(map[string]int64),
	}
}

func (h *fakeHotStore) PutDLR(_ context.Context, messageID string, rec hs.DLRRecord, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dlrs[messageID] = rec
	return nil
}

func (h *fakeHotStore) GetDLR(_ context.Context, messageID string) (*hs.DLRRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.dlrs[messageID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (h *fakeHotStore) DeleteDLR(_ context.Context, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dlrs, messageID)
	return nil
}

func (h *fakeHotStore) reassemblyKey(sourceAddr, destAddr string, refNum int) string {
	return fmt.Sprintf("%s|%s|%d", sourceAddr, destAddr, refNum)
}

func (h *fakeHotStore) PutSegment(_ context.Context, sourceAddr, destAddr string, refNum, totalSegments, segmentNum int, payload string) (*hs.ReassemblyBuffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.reassemblyKey(sourceAddr, destAddr, refNum)
	buf, ok := h.reassembly[key]
	if !ok {
		buf = &hs.ReassemblyBuffer{TotalSegments: totalSegments, Segments: make(map[int]string)}
		h.reassembly[key] = buf
	}
	buf.Segments[segmentNum] = payload
	return buf, nil
}

func (h *fakeHotStore) DeleteReassembly(_ context.Context, sourceAddr, destAddr string, refNum int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.reassembly, h.reassemblyKey(sourceAddr, destAddr, refNum))
	return nil
}

func (h *fakeHotStore) DecrementBalance(_ context.Context, userID string, scaledAmount int64) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances[userID] -= scaledAmount
	return h.balances[userID], nil
}

func (h *fakeHotStore) DecrementSubmitCount(_ context.Context, userID string, segments int64) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submitCounts[userID] -= segments
	return h.submitCounts[userID], nil
}
