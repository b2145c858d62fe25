package main

import (
	"errors"
	"testing"

	"github.com/advisorhq/books_sync_backend/models"
	"github.com/advisorhq/books_sync_backend/utils"
)

func TestResolveEntityTypes(t *testing.T) {
	cases := []struct {
		name   string
		single string
		list   []string
		want   []string
	}{
		{name: "empty request syncs everything", want: models.AllEntityTypes},
		{name: "single field", single: "customer", want: []string{"customer"}},
		{name: "explicit list", list: []string{"invoice", "customer"}, want: []string{"invoice", "customer"}},
		{name: "list wins over single", single: "vendor", list: []string{"item"}, want: []string{"item"}},
		{name: "duplicates collapse", list: []string{"customer", "customer", "invoice"}, want: []string{"customer", "invoice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveEntityTypes(tc.single, tc.list)
			if err != nil {
				t.Fatalf("resolveEntityTypes error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v want %v", got, tc.want)
				}
			}
		})
	}
}

func TestResolveEntityTypes_RejectsUnknown(t *testing.T) {
	if _, err := resolveEntityTypes("widget", nil); err == nil {
		t.Fatal("expected error for unknown single entity type")
	}
	_, err := resolveEntityTypes("", []string{"customer", "widget"})
	if err == nil {
		t.Fatal("expected error for unknown listed entity type")
	}
	var ve *utils.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected a validation error, got %T", err)
	}
}
