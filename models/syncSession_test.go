package models

import "testing"

func TestSyncSessionIsTerminal(t *testing.T) {
	terminal := []string{
		SyncSessionStatusSuccess,
		SyncSessionStatusFailed,
		SyncSessionStatusPartial,
		SyncSessionStatusCancelled,
	}
	for _, status := range terminal {
		s := SyncSession{Status: status}
		if !s.IsTerminal() {
			t.Fatalf("%q must be terminal", status)
		}
	}
	for _, status := range []string{SyncSessionStatusQueued, SyncSessionStatusRunning} {
		s := SyncSession{Status: status}
		if s.IsTerminal() {
			t.Fatalf("%q must not be terminal", status)
		}
	}
}

func TestIsKnownEntityType(t *testing.T) {
	for _, et := range AllEntityTypes {
		if !IsKnownEntityType(et) {
			t.Fatalf("%q must be known", et)
		}
	}
	if IsKnownEntityType("widget") {
		t.Fatal("unknown entity type accepted")
	}
}
