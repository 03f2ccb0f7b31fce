// Package ucs implements the User & Credential Store: groups, users,
// MT/SMPPs credentials, and quota accounting (spec.md §3).
package ucs

import (
	"fmt"
	"strconv"
	"strings"
)

// BalanceQuota is a decimal balance quota. Unlimited means no cap is enforced.
type BalanceQuota struct {
	Unlimited bool
	Value     float64
}

// UnlimitedBalance returns an unlimited BalanceQuota.
func UnlimitedBalance() BalanceQuota { return BalanceQuota{Unlimited: true} }

// NewBalanceQuota returns a finite BalanceQuota.
func NewBalanceQuota(v float64) BalanceQuota { return BalanceQuota{Value: v} }

// CountQuota is an integer quota (submit_sm_count, max_bindings). Unlimited
// means no cap is enforced.
type CountQuota struct {
	Unlimited bool
	Value     int64
}

// UnlimitedCount returns an unlimited CountQuota.
func UnlimitedCount() CountQuota { return CountQuota{Unlimited: true} }

// NewCountQuota returns a finite CountQuota.
func NewCountQuota(v int64) CountQuota { return CountQuota{Value: v} }

// ApplyDelta parses a "+N" / "-N" relative delta or a bare "N" absolute
// value and applies it to a BalanceQuota, per spec.md §3's quota syntax.
// A bare absolute value always sets a finite quota, even on an Unlimited
// one. A relative delta on an Unlimited quota is a no-op (unlimited stays
// unlimited) — matching the source's "None means unlimited" semantics,
// since there is no balance to adjust.
func (q BalanceQuota) ApplyDelta(spec string) (BalanceQuota, error) {
	delta, absolute, err := parseDelta(spec)
	if err != nil {
		return q, err
	}
	if absolute {
		return BalanceQuota{Value: delta}, nil
	}
	if q.Unlimited {
		return q, nil
	}
	return BalanceQuota{Value: q.Value + delta}, nil
}

// ApplyDelta parses a "+N" / "-N" relative delta or a bare "N" absolute
// value and applies it to a CountQuota.
func (q CountQuota) ApplyDelta(spec string) (CountQuota, error) {
	if q.Unlimited {
		return q, nil
	}
	delta, absolute, err := parseDelta(spec)
	if err != nil {
		return q, err
	}
	if absolute {
		return CountQuota{Value: int64(delta)}, nil
	}
	return CountQuota{Value: q.Value + int64(delta)}, nil
}

// parseDelta returns the numeric value and whether the spec was a bare
// absolute value (no leading +/-) versus a relative delta.
func parseDelta(spec string) (value float64, absolute bool, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, false, fmt.Errorf("empty quota delta")
	}

	relative := spec[0] == '+' || spec[0] == '-'
	v, err := strconv.ParseFloat(spec, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid quota delta %q: %w", spec, err)
	}
	return v, !relative, nil
}

// Sufficient reports whether the quota can cover a charge of amount,
// treating an Unlimited quota as always sufficient.
func (q BalanceQuota) Sufficient(amount float64) bool {
	return q.Unlimited || q.Value >= amount
}

// Sufficient reports whether the quota can cover a charge of amount,
// treating an Unlimited quota as always sufficient.
func (q CountQuota) Sufficient(amount int64) bool {
	return q.Unlimited || q.Value >= amount
}
