package route

import (
	"testing"

	"github.com/jasmin-go/jasmin/internal/filter"
	"github.com/jasmin-go/jasmin/internal/routable"
)

func TestTableAlwaysMatchesWithDefault(t *testing.T) {
	tbl := NewTable(routable.MT)
	if err := tbl.Add(NewDefaultRoute(routable.MT, "abc")); err != nil {
		t.Fatalf("add default: %v", err)
	}

	r := routable.New(routable.MT)
	got, err := tbl.Match(r)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got.Connectors[0] != "abc" {
		t.Fatalf("expected default connector abc, got %s", got.Connectors[0])
	}
}

func TestTableFirstMatchWinsDescendingPriority(t *testing.T) {
	tbl := NewTable(routable.MT)
	_ = tbl.Add(NewDefaultRoute(routable.MT, "default-conn"))

	userFilter := []filter.Filter{filter.User{UserID: "u1"}}
	_ = tbl.Add(NewStaticRoute(routable.MT, 10, userFilter, "low-prio-conn", 0))
	_ = tbl.Add(NewStaticRoute(routable.MT, 50, userFilter, "high-prio-conn", 0))

	r := routable.New(routable.MT)
	r.UserID = "u1"

	got, err := tbl.Match(r)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got.Connectors[0] != "high-prio-conn" {
		t.Fatalf("expected high-prio-conn to win, got %s", got.Connectors[0])
	}
}

func TestAddAtSamePriorityReplaces(t *testing.T) {
	tbl := NewTable(routable.MT)
	_ = tbl.Add(NewDefaultRoute(routable.MT, "default-conn"))

	_ = tbl.Add(NewStaticRoute(routable.MT, 10, nil, "first", 0))
	sizeBefore := tbl.Len()

	_ = tbl.Add(NewStaticRoute(routable.MT, 10, nil, "second", 0))
	sizeAfter := tbl.Len()

	if sizeBefore != sizeAfter {
		t.Fatalf("expected table size unchanged, before=%d after=%d", sizeBefore, sizeAfter)
	}

	rt, ok := tbl.Get(10)
	if !ok || rt.Connectors[0] != "second" {
		t.Fatalf("expected replaced route to point at 'second'")
	}
}

func TestRemoveNonExistentPriorityReturnsFalse(t *testing.T) {
	tbl := NewTable(routable.MT)
	_ = tbl.Add(NewDefaultRoute(routable.MT, "default-conn"))

	sizeBefore := tbl.Len()
	removed, err := tbl.Remove(99)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed {
		t.Fatalf("expected removal of non-existent priority to return false")
	}
	if tbl.Len() != sizeBefore {
		t.Fatalf("table should be unchanged")
	}
}

func TestCannotRemoveDefaultRoute(t *testing.T) {
	tbl := NewTable(routable.MT)
	_ = tbl.Add(NewDefaultRoute(routable.MT, "default-conn"))

	if _, err := tbl.Remove(0); err == nil {
		t.Fatalf("expected error removing the default route")
	}
}

func TestCannotAddNonDefaultAtPriorityZero(t *testing.T) {
	tbl := NewTable(routable.MT)
	bogus := &Route{Priority: 0, Kind: KindStaticMT, direction: routable.MT, Connectors: []string{"x"}}
	if err := tbl.Add(bogus); err == nil {
		t.Fatalf("expected error adding non-default route at priority 0")
	}
}

func TestMatchWithoutDefaultIsError(t *testing.T) {
	tbl := NewTable(routable.MT)
	r := routable.New(routable.MT)
	if _, err := tbl.Match(r); err == nil {
		t.Fatalf("expected error when no default route is present")
	}
}
