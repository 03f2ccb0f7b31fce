package hs

import (
	"context"
	"math"

	"github.com/jasmin-go/jasmin/internal/metrics"
)

// Quota counters mirror a user's UCS balance/submit_sm_count into Redis so
// multiple router instances can observe recent charge activity without
// round-tripping through UCS's single-process mutex on every submit. UCS
// remains authoritative; Core.SubmitForUser and handleDLR write through to
// these keys as a side effect of every Charge/Refund, best-effort (a
// mirror-write failure is logged, never rejects the charge it mirrors).

// moneyScale keeps DECRBY/INCRBY arguments integral: amounts are currency
// floats, Redis counters are not.
const moneyScale = 1e4

// ScaleAmount converts a currency float to the integer Redis counters use.
func ScaleAmount(amount float64) int64 {
	return int64(math.Round(amount * moneyScale))
}

func balanceKey(userID string) string { return "jasmin:quota:balance:" + userID }
func countKey(userID string) string   { return "jasmin:quota:count:" + userID }

// DecrementBalance atomically decrements the cached balance counter by
// scaledAmount using Redis's DECRBY, returning the resulting value. Called
// for both the early-decrement charge at submit time and the remainder
// charge on a terminal DLR: both are debits, never a credit.
func (s *Store) DecrementBalance(ctx context.Context, userID string, scaledAmount int64) (int64, error) {
	v, err := s.rdb.DecrBy(ctx, balanceKey(userID), scaledAmount).Result()
	if err != nil {
		metrics.HSOperations.WithLabelValues("decrement_balance", "error").Inc()
		return 0, err
	}
	metrics.HSOperations.WithLabelValues("decrement_balance", "ok").Inc()
	return v, nil
}

// DecrementSubmitCount atomically decrements the cached submit_sm_count
// counter by segments (one decrement per message part).
func (s *Store) DecrementSubmitCount(ctx context.Context, userID string, segments int64) (int64, error) {
	v, err := s.rdb.DecrBy(ctx, countKey(userID), segments).Result()
	if err != nil {
		metrics.HSOperations.WithLabelValues("decrement_count", "error").Inc()
		return 0, err
	}
	metrics.HSOperations.WithLabelValues("decrement_count", "ok").Inc()
	return v, nil
}
