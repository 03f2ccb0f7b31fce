// Package routable defines the admission-time wrapper around an inbound PDU
// that the Route/Filter Engine and Router Core consult for every decision.
package routable

import "time"

// Direction is the traffic direction of a Routable with respect to the handset.
type Direction string

const (
	// MT is Mobile-Terminated traffic (submit_sm admitted from HTTP/SS).
	MT Direction = "MT"
	// MO is Mobile-Originated traffic (deliver_sm received from an SMSC).
	MO Direction = "MO"
)

// Routable is the immutable admission-time view of a message used for
// route resolution, credential enforcement, and filter evaluation. It is
// created once at admission and discarded after routing/ack — never
// mutated in place.
type Routable struct {
	Direction Direction

	SourceAddr      string
	DestinationAddr string
	ShortMessage    string

	// UserID/GroupID are populated for MT routables (the authenticated submitter).
	UserID  string
	GroupID string

	// SourceConnectorID is populated for MO routables (the connector the
	// deliver_sm arrived on).
	SourceConnectorID string

	// Tags is an out-of-band integer label set attached during admission.
	Tags map[int]struct{}

	// SubmittedAt is the admission timestamp. DateInterval/TimeInterval filters
	// do not read it; they compare against the clock at evaluation time.
	SubmittedAt time.Time
}

// HasTag reports whether the routable carries the given integer tag.
func (r *Routable) HasTag(tag int) bool {
	if r.Tags == nil {
		return false
	}
	_, ok := r.Tags[tag]
	return ok
}

// New creates a Routable stamped with the current time.
func New(direction Direction) *Routable {
	return &Routable{
		Direction: direction,
		Tags:      make(map[int]struct{}),
		SubmittedAt: time.Now(),
	}
}
