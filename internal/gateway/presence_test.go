package gateway

import "testing"

func TestPresenceFirstConnectionGoesOnline(t *testing.T) {
	tracker := NewPresenceTracker()

	if !tracker.ConnectionOnline("u1") {
		t.Fatalf("expected first connection to report online transition")
	}
	if tracker.ConnectionOnline("u1") {
		t.Fatalf("second connection must not report another online transition")
	}
	if !tracker.IsOnline("u1") {
		t.Fatalf("expected u1 online")
	}
}

func TestPresenceLastConnectionGoesOffline(t *testing.T) {
	tracker := NewPresenceTracker()
	tracker.ConnectionOnline("u1")
	tracker.ConnectionOnline("u1")

	if tracker.ConnectionOffline("u1") {
		t.Fatalf("first disconnect of two must not report offline transition")
	}
	if !tracker.IsOnline("u1") {
		t.Fatalf("u1 still has one live connection")
	}
	if !tracker.ConnectionOffline("u1") {
		t.Fatalf("expected last disconnect to report offline transition")
	}
	if tracker.IsOnline("u1") {
		t.Fatalf("u1 should be offline")
	}
}

func TestPresenceOfflineUnknownUserIsNoop(t *testing.T) {
	tracker := NewPresenceTracker()

	if tracker.ConnectionOffline("ghost") {
		t.Fatalf("unknown user must not report offline transition")
	}
	if ids := tracker.OnlineUserIDs(); len(ids) != 0 {
		t.Fatalf("expected empty online set, got %v", ids)
	}
}

func TestPresenceOnlineUserIDs(t *testing.T) {
	tracker := NewPresenceTracker()
	tracker.ConnectionOnline("u1")
	tracker.ConnectionOnline("u2")
	tracker.ConnectionOnline("u2")

	ids := tracker.OnlineUserIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 online users, got %d", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["u1"] || !seen["u2"] {
		t.Fatalf("expected u1 and u2 online, got %v", ids)
	}
}
