package domain

import (
	"testing"
	"time"
)

func TestLifecycleTransitions(t *testing.T) {
	cases := []struct {
		from, to ResourceStatus
		allowed  bool
	}{
		{StatusDiscovered, StatusValidating, true},
		{StatusDiscovered, StatusActive, false},
		{StatusValidating, StatusActive, true},
		{StatusValidating, StatusValidationFailed, true},
		{StatusActive, StatusValidating, true},
		{StatusActive, StatusDegraded, true},
		{StatusActive, StatusTemporarilyUnavailable, true},
		{StatusActive, StatusMaintenance, true},
		{StatusDegraded, StatusActive, true},
		{StatusDegraded, StatusTemporarilyUnavailable, false},
		{StatusValidationFailed, StatusValidating, true},
		{StatusActive, StatusRemoved, true},
		{StatusRemoved, StatusActive, false},
		{StatusDeprecated, StatusValidating, false},
		{StatusInactive, StatusActive, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestTerminalStatesNeverMove(t *testing.T) {
	for _, terminal := range []ResourceStatus{StatusDeprecated, StatusRemoved, StatusInactive} {
		if !terminal.IsTerminal() {
			t.Fatalf("%s should be terminal", terminal)
		}
		for _, next := range []ResourceStatus{StatusActive, StatusValidating, StatusDiscovered} {
			if terminal.CanTransitionTo(next) {
				t.Errorf("terminal %s must not move to %s", terminal, next)
			}
		}
	}
}

func TestResourceCopyOnWrite(t *testing.T) {
	original := Resource{ResourceID: "r1", Status: StatusActive}
	ts := time.Now()

	updated := original.WithSyncedAt(ts).WithStatus(StatusDegraded)

	if original.Status != StatusActive || original.LastSyncedAt != nil {
		t.Fatalf("original mutated: %+v", original)
	}
	if updated.Status != StatusDegraded || updated.LastSyncedAt == nil {
		t.Fatalf("copy missing updates: %+v", updated)
	}
}
