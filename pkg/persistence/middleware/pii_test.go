package middleware_test

import (
	"context"
	"testing"

	"github.com/aretw0/dialtone/pkg/adapters/memory"
	"github.com/aretw0/dialtone/pkg/persistence/middleware"
	"github.com/aretw0/dialtone/pkg/ports"
)

func TestPIIMiddleware_Masking(t *testing.T) {
	underlyingStore := memory.NewStore()
	// Mask keys containing "card" or "ssn"
	secureStore := middleware.NewPIIMiddleware([]string{"card", "ssn"})(underlyingStore)
	ctx := context.Background()

	c := commit("pii-call", map[string]any{
		"name":        "jdoe",
		"card_number": "4111111111111111",
		"details": map[string]any{
			"address":    "123 St",
			"ssn_number": "999-99-9999",
		},
	}, "4111111111111111", map[string]any{"event": "dtmf", "save_as": "card_number"})

	if err := secureStore.Commit(ctx, c); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// The caller's copy is untouched.
	if c.Session.Context["card_number"] != "4111111111111111" {
		t.Error("Middleware modified the caller's session")
	}
	if c.Entries[0].Text != "4111111111111111" {
		t.Error("Middleware modified the caller's entries")
	}

	stored, err := underlyingStore.GetSession(ctx, "pii-call")
	if err != nil {
		t.Fatalf("Underlying load failed: %v", err)
	}
	if stored.Context["name"] != "jdoe" {
		t.Error("name shouldn't be masked")
	}
	if stored.Context["card_number"] != middleware.Mask {
		t.Errorf("card should be masked, got: %v", stored.Context["card_number"])
	}
	details := stored.Context["details"].(map[string]any)
	if details["ssn_number"] != middleware.Mask {
		t.Errorf("Nested SSN should be masked, got: %v", details["ssn_number"])
	}
	if details["address"] != "123 St" {
		t.Errorf("address shouldn't be masked, got: %v", details["address"])
	}

	entries, err := underlyingStore.QueryTranscript(ctx, "pii-call", ports.TranscriptQuery{})
	if err != nil {
		t.Fatalf("QueryTranscript failed: %v", err)
	}
	if entries[0].Text != middleware.Mask {
		t.Errorf("input saved to a sensitive key should be masked, got: %q", entries[0].Text)
	}
}

func TestPIIMiddleware_NoPatternsPassesThrough(t *testing.T) {
	underlyingStore := memory.NewStore()
	store := middleware.NewPIIMiddleware(nil)(underlyingStore)
	ctx := context.Background()

	if err := store.Commit(ctx, commit("plain", map[string]any{"card": "1"}, "1", nil)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	sess, err := store.GetSession(ctx, "plain")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Context["card"] != "1" {
		t.Errorf("expected unmasked value, got %v", sess.Context["card"])
	}
}
