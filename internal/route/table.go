package route

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jasmin-go/jasmin/internal/routable"
)

// Table holds one direction's routes keyed by priority. Priority 0 is
// reserved for the mandatory Default route. Lookup iterates descending
// priority and returns the first route whose filters all accept the
// routable; priority 0 is the terminal fallback.
//
// Replacement of the whole table (RE read-only after construction, atomic
// swap on rebuild) is done by building a new Table and swapping the
// Manager's reference — see Manager in manager.go.
type Table struct {
	mu        sync.RWMutex
	direction routable.Direction
	routes    map[int]*Route
}

// NewTable creates an empty table for one direction. The table is invalid
// for routing until a Default route is added at priority 0.
func NewTable(direction routable.Direction) *Table {
	return &Table{
		direction: direction,
		routes:    make(map[int]*Route),
	}
}

// Add inserts or replaces the route at its priority. Adding at priority 0
// is only legal for a Default route kind (enforced by the caller using
// NewDefaultRoute); any other kind at priority 0 is rejected.
func (t *Table) Add(r *Route) error {
	if r.direction != t.direction {
		return fmt.Errorf("route direction %s does not match table direction %s", r.direction, t.direction)
	}
	if r.Priority == 0 && r.Kind != KindDefault {
		return fmt.Errorf("priority 0 is reserved for the Default route, got kind %s", r.Kind)
	}
	if r.Priority != 0 && r.Kind == KindDefault {
		return fmt.Errorf("Default route kind must be added at priority 0, got %d", r.Priority)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[r.Priority] = r
	return nil
}

// Remove deletes the route at priority. Removing priority 0 (the Default
// route) is rejected — it must always be present per spec.md §4.1.
// Returns false if no route exists at that priority.
func (t *Table) Remove(priority int) (bool, error) {
	if priority == 0 {
		return false, fmt.Errorf("cannot remove the Default route at priority 0")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.routes[priority]; !ok {
		return false, nil
	}
	delete(t.routes, priority)
	return true, nil
}

// Flush removes every non-default route, leaving only the priority-0 Default.
func (t *Table) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	def, hasDefault := t.routes[0]
	t.routes = make(map[int]*Route)
	if hasDefault {
		t.routes[0] = def
	}
}

// Len returns the number of routes currently in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Get returns the route at a given priority, if any.
func (t *Table) Get(priority int) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[priority]
	return r, ok
}

// HasDefault reports whether the mandatory priority-0 route is present.
func (t *Table) HasDefault() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.routes[0]
	return ok
}

// Match resolves the winning route for a routable: descending priority,
// first route whose filters all accept it. Always returns a route when
// the Default route is present (an invariant enforced at construction —
// see Manager.NewManager); a missing Default here indicates a
// misconfiguration and is surfaced as an error, matching spec.md §7's
// "Routing: no route resolves (should be unreachable...)".
func (t *Table) Match(r *routable.Routable) (*Route, error) {
	t.mu.RLock()
	priorities := make([]int, 0, len(t.routes))
	routes := make(map[int]*Route, len(t.routes))
	for p, route := range t.routes {
		priorities = append(priorities, p)
		routes[p] = route
	}
	t.mu.RUnlock()

	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, p := range priorities {
		if p == 0 {
			continue // default is the terminal fallback, tried last
		}
		rt := routes[p]
		ok, err := rt.matches(r)
		if err != nil {
			return nil, err
		}
		if ok {
			return rt, nil
		}
	}

	if def, ok := routes[0]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("no route resolved and no Default route is present (misconfiguration)")
}
