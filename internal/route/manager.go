package route

import (
	"sync/atomic"

	"github.com/jasmin-go/jasmin/internal/routable"
)

// Manager is the Route/Filter Engine's read path: a pair of per-direction
// tables (MT, MO), swapped atomically on full replacement so readers never
// observe a half-built table. RE is read-only after construction per
// spec.md §3; replacement of a table is the only mutation path, and it is
// a pointer swap rather than an in-place edit.
type Manager struct {
	mt atomic.Pointer[Table]
	mo atomic.Pointer[Table]
}

// NewManager creates a Manager with empty MT/MO tables, each carrying a
// Default route to connector defaultConnector so the invariant
// "match always returns a route" holds from construction.
func NewManager(defaultConnector string) *Manager {
	m := &Manager{}

	mt := NewTable(routable.MT)
	_ = mt.Add(NewDefaultRoute(routable.MT, defaultConnector))
	m.mt.Store(mt)

	mo := NewTable(routable.MO)
	_ = mo.Add(NewDefaultRoute(routable.MO, defaultConnector))
	m.mo.Store(mo)

	return m
}

// Table returns the live table for a direction.
func (m *Manager) Table(direction routable.Direction) *Table {
	if direction == routable.MT {
		return m.mt.Load()
	}
	return m.mo.Load()
}

// Match resolves the winning route for a routable using the table for its direction.
func (m *Manager) Match(r *routable.Routable) (*Route, error) {
	return m.Table(r.Direction).Match(r)
}

// ReplaceTable atomically swaps in a whole new table for a direction. The
// new table must carry a Default route — callers build it with NewTable +
// Add(NewDefaultRoute(...)) before swapping.
func (m *Manager) ReplaceTable(direction routable.Direction, t *Table) error {
	if !t.HasDefault() {
		return errNoDefault
	}
	if direction == routable.MT {
		m.mt.Store(t)
	} else {
		m.mo.Store(t)
	}
	return nil
}

var errNoDefault = &noDefaultError{}

type noDefaultError struct{}

func (*noDefaultError) Error() string {
	return "replacement table must carry a Default route at priority 0"
}
