package router

import (
	"context"
	"time"

	"github.com/jasmin-go/jasmin/internal/hs"
	"github.com/jasmin-go/jasmin/internal/mb"
)

// Publisher is the subset of *mb.Publisher Core depends on. Narrowing to
// an interface lets tests substitute an in-memory fake instead of a live
// AMQP broker.
type Publisher interface {
	Publish(ctx context.Context, pub mb.Publication) error
}

// HotStore is the subset of *hs.Store Core depends on.
type HotStore interface {
	PutDLR(ctx context.Context, messageID string, rec hs.DLRRecord, ttl time.Duration) error
	GetDLR(ctx context.Context, messageID string) (*hs.DLRRecord, error)
	DeleteDLR(ctx context.Context, messageID string) error
	PutSegment(ctx context.Context, sourceAddr, destAddr string, refNum, totalSegments, segmentNum int, payload string) (*hs.ReassemblyBuffer, error)
	DeleteReassembly(ctx context.Context, sourceAddr, destAddr string, refNum int) error
	DecrementBalance(ctx context.Context, userID string, scaledAmount int64) (int64, error)
	DecrementSubmitCount(ctx context.Context, userID string, segments int64) (int64, error)
}
