// Package route implements the Route kinds and RouteTable of the
// Route/Filter Engine (spec.md §4.1).
package route

import (
	"math/rand"

	"github.com/jasmin-go/jasmin/internal/filter"
	"github.com/jasmin-go/jasmin/internal/routable"
)

// Kind identifies a route's dispatch behavior.
type Kind string

const (
	KindDefault            Kind = "default"
	KindStaticMT           Kind = "static_mt"
	KindStaticMO           Kind = "static_mo"
	KindFailoverMT         Kind = "failover_mt"
	KindFailoverMO         Kind = "failover_mo"
	KindRandomRoundrobinMT Kind = "random_roundrobin_mt"
)

// Route is a single entry in a RouteTable: a priority, a filter list, and
// a destination (one connector, or an ordered/unordered list for failover
// and round-robin kinds).
type Route struct {
	Priority     int
	Kind         Kind
	Filters      []filter.Filter
	Connectors   []string // single-element for Default/Static; ordered for Failover; unordered for RoundRobin
	Rate         float64  // MT only; zero for MO routes
	direction    routable.Direction
}

// Direction reports which traffic direction this route applies to.
func (r *Route) Direction() routable.Direction { return r.direction }

// matches reports whether every filter in the route accepts the routable.
func (r *Route) matches(rt *routable.Routable) (bool, error) {
	for _, f := range r.Filters {
		ok, err := f.Match(rt)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Destination picks the connector this route resolves to for a single
// routing call. Failover destinations are resolved by the caller (the
// Router Core tries them in order and falls through on a down connector);
// this only picks the connector for Default/Static/RandomRoundrobin kinds.
func (r *Route) Destination() string {
	switch r.Kind {
	case KindRandomRoundrobinMT:
		if len(r.Connectors) == 0 {
			return ""
		}
		return r.Connectors[rand.Intn(len(r.Connectors))]
	default:
		if len(r.Connectors) == 0 {
			return ""
		}
		return r.Connectors[0]
	}
}

// NewDefaultRoute builds the mandatory, filter-less priority-0 fallback route.
func NewDefaultRoute(direction routable.Direction, connector string) *Route {
	return &Route{
		Priority:   0,
		Kind:       KindDefault,
		Filters:    []filter.Filter{filter.Transparent{}},
		Connectors: []string{connector},
		direction:  direction,
	}
}

// NewStaticRoute builds a priority>0 single-destination route.
func NewStaticRoute(direction routable.Direction, priority int, filters []filter.Filter, connector string, rate float64) *Route {
	kind := KindStaticMO
	if direction == routable.MT {
		kind = KindStaticMT
	}
	return &Route{
		Priority:   priority,
		Kind:       kind,
		Filters:    filters,
		Connectors: []string{connector},
		Rate:       rate,
		direction:  direction,
	}
}

// NewFailoverRoute builds a priority>0 ordered-failover route.
func NewFailoverRoute(direction routable.Direction, priority int, filters []filter.Filter, connectors []string, rate float64) *Route {
	kind := KindFailoverMO
	if direction == routable.MT {
		kind = KindFailoverMT
	}
	return &Route{
		Priority:   priority,
		Kind:       kind,
		Filters:    filters,
		Connectors: connectors,
		Rate:       rate,
		direction:  direction,
	}
}

// NewRandomRoundrobinRoute builds a priority>0 MT-only uniform-random route.
func NewRandomRoundrobinRoute(priority int, filters []filter.Filter, connectors []string, rate float64) *Route {
	return &Route{
		Priority:   priority,
		Kind:       KindRandomRoundrobinMT,
		Filters:    filters,
		Connectors: connectors,
		Rate:       rate,
		direction:  routable.MT,
	}
}
