package models

import "testing"

func TestComputeDedupSignature(t *testing.T) {
	sig := ComputeDedupSignature("realm-1", "Invoice", "42", "Update", "2026-05-01T10:00:00Z")

	if again := ComputeDedupSignature("realm-1", "Invoice", "42", "Update", "2026-05-01T10:00:00Z"); again != sig {
		t.Fatal("signature must be stable for identical input")
	}

	// Entity type and operation are case-insensitive.
	if ComputeDedupSignature("realm-1", "invoice", "42", "UPDATE", "2026-05-01T10:00:00Z") != sig {
		t.Fatal("signature must ignore case of entity type and operation")
	}

	// Every identifying field contributes.
	variants := []string{
		ComputeDedupSignature("realm-2", "Invoice", "42", "Update", "2026-05-01T10:00:00Z"),
		ComputeDedupSignature("realm-1", "Customer", "42", "Update", "2026-05-01T10:00:00Z"),
		ComputeDedupSignature("realm-1", "Invoice", "43", "Update", "2026-05-01T10:00:00Z"),
		ComputeDedupSignature("realm-1", "Invoice", "42", "Delete", "2026-05-01T10:00:00Z"),
		ComputeDedupSignature("realm-1", "Invoice", "42", "Update", "2026-05-01T10:00:01Z"),
	}
	for i, v := range variants {
		if v == sig {
			t.Fatalf("variant %d must produce a different signature", i)
		}
	}
}
