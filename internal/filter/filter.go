// Package filter implements the 11 filter kinds of the Route/Filter Engine
// (spec.md §4.1). Every filter but EvalScript is a declarative predicate;
// EvalScript executes a sandboxed expression tree over the routable.
package filter

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jasmin-go/jasmin/internal/routable"
)

// Kind identifies a filter's behavior.
type Kind string

const (
	KindTransparent     Kind = "transparent"
	KindUser            Kind = "user"
	KindGroup           Kind = "group"
	KindConnector       Kind = "connector"
	KindSourceAddr      Kind = "source_addr"
	KindDestinationAddr Kind = "destination_addr"
	KindShortMessage    Kind = "short_message"
	KindDateInterval    Kind = "date_interval"
	KindTimeInterval    Kind = "time_interval"
	KindTag             Kind = "tag"
	KindEvalScript      Kind = "eval_script"
)

// Filter evaluates a single predicate against a Routable for a given direction.
type Filter interface {
	Kind() Kind
	// Applicable reports whether this filter kind is valid for the given direction.
	Applicable(direction routable.Direction) bool
	// Match evaluates the filter. An error is only returned by EvalScript;
	// every other kind is total.
	Match(r *routable.Routable) (bool, error)
}

// Transparent always matches. Valid for MO and MT; used by the priority-0 default route.
type Transparent struct{}

func (Transparent) Kind() Kind                                  { return KindTransparent }
func (Transparent) Applicable(routable.Direction) bool           { return true }
func (Transparent) Match(*routable.Routable) (bool, error)       { return true, nil }

// User matches MT routables submitted by a specific user id.
type User struct{ UserID string }

func (User) Kind() Kind                                { return KindUser }
func (User) Applicable(d routable.Direction) bool       { return d == routable.MT }
func (f User) Match(r *routable.Routable) (bool, error) { return r.UserID == f.UserID, nil }

// Group matches MT routables submitted by a user belonging to a specific group.
type Group struct{ GroupID string }

func (Group) Kind() Kind                                { return KindGroup }
func (Group) Applicable(d routable.Direction) bool       { return d == routable.MT }
func (f Group) Match(r *routable.Routable) (bool, error) { return r.GroupID == f.GroupID, nil }

// Connector matches MO routables arriving on a specific source connector.
type Connector struct{ ConnectorID string }

func (Connector) Kind() Kind                          { return KindConnector }
func (Connector) Applicable(d routable.Direction) bool { return d == routable.MO }
func (f Connector) Match(r *routable.Routable) (bool, error) {
	return r.SourceConnectorID == f.ConnectorID, nil
}

// regexField is the common shape of SourceAddr/DestinationAddr/ShortMessage filters.
type regexField struct {
	kind    Kind
	pattern string
	re      *regexp.Regexp
}

func newRegexField(kind Kind, pattern string) (*regexField, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex for %s filter: %w", kind, err)
	}
	return &regexField{kind: kind, pattern: pattern, re: re}, nil
}

func (f *regexField) Kind() Kind                          { return f.kind }
func (f *regexField) Applicable(routable.Direction) bool  { return true }

// NewSourceAddr builds a filter matching the PDU source address against a regex.
func NewSourceAddr(pattern string) (Filter, error) {
	rf, err := newRegexField(KindSourceAddr, pattern)
	if err != nil {
		return nil, err
	}
	return &sourceAddrFilter{rf}, nil
}

type sourceAddrFilter struct{ *regexField }

func (f *sourceAddrFilter) Match(r *routable.Routable) (bool, error) {
	return f.re.MatchString(r.SourceAddr), nil
}

// NewDestinationAddr builds a filter matching the PDU destination address against a regex.
func NewDestinationAddr(pattern string) (Filter, error) {
	rf, err := newRegexField(KindDestinationAddr, pattern)
	if err != nil {
		return nil, err
	}
	return &destinationAddrFilter{rf}, nil
}

type destinationAddrFilter struct{ *regexField }

func (f *destinationAddrFilter) Match(r *routable.Routable) (bool, error) {
	return f.re.MatchString(r.DestinationAddr), nil
}

// NewShortMessage builds a filter matching the PDU short message body against a regex.
func NewShortMessage(pattern string) (Filter, error) {
	rf, err := newRegexField(KindShortMessage, pattern)
	if err != nil {
		return nil, err
	}
	return &shortMessageFilter{rf}, nil
}

type shortMessageFilter struct{ *regexField }

func (f *shortMessageFilter) Match(r *routable.Routable) (bool, error) {
	return f.re.MatchString(r.ShortMessage), nil
}

// DateInterval matches if the system clock's date falls within [Left, Right] inclusive.
type DateInterval struct {
	Left, Right time.Time // dates only; time-of-day is ignored
}

func (DateInterval) Kind() Kind                          { return KindDateInterval }
func (DateInterval) Applicable(routable.Direction) bool  { return true }
func (f DateInterval) Match(*routable.Routable) (bool, error) {
	now := dateOnly(time.Now())
	return !now.Before(dateOnly(f.Left)) && !now.After(dateOnly(f.Right)), nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// TimeInterval matches if the system clock's time-of-day falls within [Left, Right] inclusive.
type TimeInterval struct {
	Left, Right time.Duration // offsets since midnight
}

func (TimeInterval) Kind() Kind                         { return KindTimeInterval }
func (TimeInterval) Applicable(routable.Direction) bool { return true }
func (f TimeInterval) Match(*routable.Routable) (bool, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	tod := now.Sub(midnight)
	return tod >= f.Left && tod <= f.Right, nil
}

// Tag matches if the routable carries the configured integer tag.
type Tag struct{ Tag int }

func (Tag) Kind() Kind                          { return KindTag }
func (Tag) Applicable(routable.Direction) bool  { return true }
func (f Tag) Match(r *routable.Routable) (bool, error) { return r.HasTag(f.Tag), nil }

// EvalScript executes a sandboxed expression tree (see script.go) against the
// routable. Evaluation is bounded by script.go's nesting-depth limit only: no
// time limit is enforced, and a run longer than SlowScriptThreshold is logged
// as a warning but still completes. A raised error is treated as false and
// logged, per spec.md §4.1.
type EvalScript struct {
	Program           *ScriptNode
	SlowScriptThreshold time.Duration
}

func (EvalScript) Kind() Kind                         { return KindEvalScript }
func (EvalScript) Applicable(routable.Direction) bool { return true }

func (f EvalScript) Match(r *routable.Routable) (bool, error) {
	start := time.Now()
	result, err := Evaluate(f.Program, r)
	elapsed := time.Since(start)

	if f.SlowScriptThreshold > 0 && elapsed > f.SlowScriptThreshold {
		log.Warn().Dur("elapsed", elapsed).Msg("eval_script filter exceeded slow-script threshold")
	}

	if err != nil {
		log.Error().Err(err).Msg("eval_script filter raised an error, treating as non-match")
		return false, nil
	}
	return result, nil
}
