// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"errors"
	"testing"

	errs "github.com/infinityb/yscloud-sub000/pkg/errors"
	"github.com/infinityb/yscloud-sub000/pkg/haproxy"
)

func mustLocations(t *testing.T, specs ...string) []Location {
	t.Helper()
	locs := make([]Location, len(specs))
	for i, s := range specs {
		loc, err := ParseLocation(s)
		if err != nil {
			t.Fatalf("ParseLocation(%q): %v", s, err)
		}
		locs[i] = loc
	}
	return locs
}

func TestManagerResolve(t *testing.T) {
	m := NewManager()
	set := NewBackendSet(haproxy.VersionNone, false, mustLocations(t, "unix:/run/a.sock"))
	if err := m.AddBackend("a.example.com", set); err != nil {
		t.Fatalf("Expected add to succeed, got %v", err)
	}

	got, err := m.Resolve("a.example.com")
	if err != nil {
		t.Fatalf("Expected resolve to succeed, got %v", err)
	}
	if got != set {
		t.Error("Expected the published set back")
	}

	// Lookups are case-sensitive.
	if _, err := m.Resolve("A.example.com"); !errors.Is(err, errs.ErrUnrecognizedName) {
		t.Errorf("Expected unrecognized name, got %v", err)
	}
}

func TestManagerAddConflict(t *testing.T) {
	m := NewManager()
	set := NewBackendSet(haproxy.VersionNone, false, mustLocations(t, "unix:/run/a.sock"))
	if err := m.AddBackend("a.example.com", set); err != nil {
		t.Fatalf("Expected add to succeed, got %v", err)
	}
	if err := m.AddBackend("a.example.com", set); err == nil {
		t.Error("Expected a conflict on duplicate add")
	}
}

func TestManagerReplaceAndRemove(t *testing.T) {
	m := NewManager()
	first := NewBackendSet(haproxy.VersionNone, false, mustLocations(t, "unix:/run/a.sock"))
	second := NewBackendSet(haproxy.Version1, true, mustLocations(t, "10.0.0.1:443"))

	m.ReplaceBackend("a.example.com", first)
	m.ReplaceBackend("a.example.com", second)

	got, err := m.Resolve("a.example.com")
	if err != nil {
		t.Fatalf("Expected resolve to succeed, got %v", err)
	}
	if got != second {
		t.Error("Expected the replacement set")
	}
	if got.HeaderVersion != haproxy.Version1 || !got.AllowPassthrough {
		t.Errorf("Expected header settings to survive publication, got %+v", got)
	}

	m.RemoveBackend("a.example.com")
	if _, err := m.Resolve("a.example.com"); !errors.Is(err, errs.ErrUnrecognizedName) {
		t.Errorf("Expected unrecognized name after removal, got %v", err)
	}
}

func TestManagerReadsSurviveMutation(t *testing.T) {
	m := NewManager()
	first := NewBackendSet(haproxy.VersionNone, false, mustLocations(t, "unix:/run/a.sock"))
	m.ReplaceBackend("a.example.com", first)

	held, err := m.Resolve("a.example.com")
	if err != nil {
		t.Fatal(err)
	}

	m.ReplaceBackend("a.example.com", NewBackendSet(haproxy.VersionNone, false, mustLocations(t, "10.0.0.1:443")))

	// The earlier snapshot is immutable and unaffected by the swap.
	if len(held.Locations) != 1 || held.Locations[0].Location.Kind != KindUnix {
		t.Error("Expected the held set to be unchanged by the replacement")
	}
}

func TestSelectAvoidsBackedOff(t *testing.T) {
	m := NewManager()
	set := NewBackendSet(haproxy.VersionNone, false,
		mustLocations(t, "unix:/run/a.sock", "unix:/run/b.sock", "unix:/run/c.sock"))

	bad := set.Locations[0].Location
	badKey := m.Stats().KeyFor(bad)
	for i := 0; i < 8; i++ {
		m.Stats().MarkFailure(m.Stats().StartAttempt(badKey))
	}

	for trial := 0; trial < 200; trial++ {
		picked := m.Select(set, 1)
		if len(picked) != 1 {
			t.Fatalf("Expected one candidate, got %d", len(picked))
		}
		if picked[0].Location == bad {
			t.Fatal("Selected a backed-off backend while alternatives exist")
		}
	}
}

func TestSelectFallsBackWhenAllBackedOff(t *testing.T) {
	m := NewManager()
	set := NewBackendSet(haproxy.VersionNone, false,
		mustLocations(t, "unix:/run/a.sock", "unix:/run/b.sock"))

	for _, loc := range set.Locations {
		key := m.Stats().KeyFor(loc.Location)
		for i := 0; i < 8; i++ {
			m.Stats().MarkFailure(m.Stats().StartAttempt(key))
		}
	}

	picked := m.Select(set, 1)
	if len(picked) != 1 {
		t.Fatalf("Expected the full set fallback to yield a candidate, got %d", len(picked))
	}
}

func TestBackendSetOrderedByID(t *testing.T) {
	set := NewBackendSet(haproxy.VersionNone, false,
		mustLocations(t, "unix:/run/a.sock", "unix:/run/b.sock", "unix:/run/c.sock"))
	for i := 1; i < len(set.Locations); i++ {
		if set.Locations[i].ID.String() < set.Locations[i-1].ID.String() {
			t.Fatal("Expected locations ordered by id")
		}
	}
}
