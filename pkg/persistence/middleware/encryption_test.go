package middleware_test

import (
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/aretw0/dialtone/pkg/adapters/memory"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/persistence/middleware"
	"github.com/aretw0/dialtone/pkg/ports"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	underlyingStore := memory.NewStore()
	secureStore := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})(underlyingStore)
	ctx := context.Background()

	c := commit("enc-call", map[string]any{"secret": "my-secret-sauce"}, "my account number", map[string]any{"event": "media"})
	if err := secureStore.Commit(ctx, c); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// The backing store only sees ciphertext.
	stored, err := underlyingStore.GetSession(ctx, "enc-call")
	if err != nil {
		t.Fatalf("Underlying load failed: %v", err)
	}
	if val, ok := stored.Context["secret"]; ok {
		t.Fatalf("Expected secret to be hidden, found: %v", val)
	}
	if _, ok := stored.Context[middleware.SealedKey]; !ok {
		t.Fatal("Expected sealed field in context")
	}
	if stored.Status != domain.StatusActive || stored.LastSeq != 1 {
		t.Errorf("status and seq should stay readable, got %s/%d", stored.Status, stored.LastSeq)
	}
	raw, err := underlyingStore.QueryTranscript(ctx, "enc-call", ports.TranscriptQuery{})
	if err != nil {
		t.Fatalf("Underlying query failed: %v", err)
	}
	if raw[0].Text != "" {
		t.Errorf("Expected entry text to be sealed, got %q", raw[0].Text)
	}

	// Reads through the middleware are decrypted.
	sess, err := secureStore.GetSession(ctx, "enc-call")
	if err != nil {
		t.Fatalf("GetSession via middleware failed: %v", err)
	}
	if sess.Context["secret"] != "my-secret-sauce" {
		t.Errorf("Expected 'my-secret-sauce', got %v", sess.Context["secret"])
	}
	entries, err := secureStore.QueryTranscript(ctx, "enc-call", ports.TranscriptQuery{})
	if err != nil {
		t.Fatalf("QueryTranscript via middleware failed: %v", err)
	}
	if entries[0].Text != "my account number" || entries[0].Data["event"] != "media" {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	list, err := secureStore.ListSessions(ctx, ports.SessionFilter{})
	if err != nil {
		t.Fatalf("ListSessions via middleware failed: %v", err)
	}
	if len(list) != 1 || list[0].Context["secret"] != "my-secret-sauce" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlyingStore := memory.NewStore()
	oldKey := generateKey(t)
	newKey := generateKey(t)
	ctx := context.Background()

	secureStoreOld := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: oldKey})(underlyingStore)
	if err := secureStoreOld.Commit(ctx, commit("rotation-call", map[string]any{"data": "old"}, "", nil)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	secureStoreNew := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    newKey,
		FallbackKeys: [][]byte{oldKey},
	})(underlyingStore)

	sess, err := secureStoreNew.GetSession(ctx, "rotation-call")
	if err != nil {
		t.Fatalf("Load with rotated key failed: %v", err)
	}
	if sess.Context["data"] != "old" {
		t.Errorf("Decryption with fallback key failed")
	}

	// Write again with the new key.
	expected := sess.LastSeq
	sess.Context["data"] = "new"
	sess.LastSeq++
	next := domain.TranscriptEntry{ID: "e2", CallID: "rotation-call", Seq: sess.LastSeq, Origin: domain.OriginSystem, Kind: domain.EntryOutput}
	if err := secureStoreNew.Commit(ctx, ports.Commit{Session: sess, ExpectedSeq: expected, Entries: []domain.TranscriptEntry{next}}); err != nil {
		t.Fatalf("Commit with new key failed: %v", err)
	}

	if _, err := secureStoreOld.GetSession(ctx, "rotation-call"); err == nil {
		t.Error("Expected failure when loading new-key data with the old key only")
	}
}

func TestEncryptionMiddleware_PlainDataIsRejected(t *testing.T) {
	underlyingStore := memory.NewStore()
	ctx := context.Background()
	if err := underlyingStore.Commit(ctx, commit("plain-call", map[string]any{"a": "b"}, "", nil)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	secureStore := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})(underlyingStore)
	if _, err := secureStore.GetSession(ctx, "plain-call"); err == nil {
		t.Error("Expected unsealed session to be rejected")
	}
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Expected panic for invalid key size")
		}
	}()
	middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
}

func TestChain_Order(t *testing.T) {
	underlyingStore := memory.NewStore()
	store := middleware.Chain(underlyingStore,
		middleware.NewPIIMiddleware([]string{"card"}),
		middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)}),
	)
	ctx := context.Background()

	if err := store.Commit(ctx, commit("chain-call", map[string]any{"card": "4111", "name": "Ann"}, "", nil)); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	sess, err := store.GetSession(ctx, "chain-call")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Context["card"] != middleware.Mask || sess.Context["name"] != "Ann" {
		t.Errorf("unexpected context %v", sess.Context)
	}
}
