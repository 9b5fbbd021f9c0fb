package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

// SealedKey holds the ciphertext in place of the sealed map.
const SealedKey = "__sealed__"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey encrypts new data. Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are tried when the active key cannot decrypt, for key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.SessionStore
	config EncryptionConfig
}

// NewEncryptionMiddleware seals the session context and the text and data of
// every transcript entry with AES-GCM. Status, sequence numbers, node ids and
// timestamps stay readable so the store can still filter and page.
func NewEncryptionMiddleware(config EncryptionConfig) Middleware {
	if len(config.ActiveKey) != 32 {
		panic("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.SessionStore) ports.SessionStore {
		return &encryptionMiddleware{next: next, config: config}
	}
}

type sealedEntry struct {
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func (m *encryptionMiddleware) Commit(ctx context.Context, c ports.Commit) error {
	sess := c.Session.Clone()
	sealed, err := m.seal(c.Session.Context)
	if err != nil {
		return fmt.Errorf("failed to seal session %s: %w", sess.CallID, err)
	}
	sess.Context = sealed

	entries := make([]domain.TranscriptEntry, len(c.Entries))
	for i, e := range c.Entries {
		data, err := m.seal(sealedEntry{Text: e.Text, Data: e.Data})
		if err != nil {
			return fmt.Errorf("failed to seal entry %d: %w", e.Seq, err)
		}
		e.Text = ""
		e.Data = data
		entries[i] = e
	}

	c.Session = sess
	c.Entries = entries
	return m.next.Commit(ctx, c)
}

func (m *encryptionMiddleware) GetSession(ctx context.Context, callID string) (*domain.Session, error) {
	sess, err := m.next.GetSession(ctx, callID)
	if err != nil {
		return nil, err
	}
	return m.openSession(sess)
}

func (m *encryptionMiddleware) QueryTranscript(ctx context.Context, callID string, q ports.TranscriptQuery) ([]domain.TranscriptEntry, error) {
	entries, err := m.next.QueryTranscript(ctx, callID, q)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		var plain sealedEntry
		if err := m.open(entries[i].Data, &plain); err != nil {
			return nil, fmt.Errorf("entry %d of %s: %w", entries[i].Seq, callID, err)
		}
		entries[i].Text = plain.Text
		entries[i].Data = plain.Data
	}
	return entries, nil
}

func (m *encryptionMiddleware) ListSessions(ctx context.Context, f ports.SessionFilter) ([]*domain.Session, error) {
	list, err := m.next.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	for i, sess := range list {
		if list[i], err = m.openSession(sess); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (m *encryptionMiddleware) openSession(sess *domain.Session) (*domain.Session, error) {
	var plain map[string]any
	if err := m.open(sess.Context, &plain); err != nil {
		return nil, fmt.Errorf("session %s: %w", sess.CallID, err)
	}
	if plain == nil {
		plain = make(map[string]any)
	}
	sess.Context = plain
	return sess, nil
}

func (m *encryptionMiddleware) seal(v any) (map[string]any, error) {
	plainText, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{SealedKey: base64.StdEncoding.EncodeToString(ciphertext)}, nil
}

// open fails on data that was never sealed.
func (m *encryptionMiddleware) open(data map[string]any, out any) error {
	encoded, ok := data[SealedKey].(string)
	if !ok {
		return errors.New("missing sealed envelope")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return err
	}
	return json.Unmarshal(plainText, out)
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	for _, key := range append([][]byte{activeKey}, fallbackKeys...) {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
