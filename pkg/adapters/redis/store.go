package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

var _ ports.SessionStore = (*Store)(nil)

// commitScript applies a commit if the stored seq still equals the expected one.
//
// KEYS: session hash, transcript list, index zset
// ARGV: expected seq, session json, new seq, index score, ttl ms, call id, closed, entries...
// Returns 1 on success, 0 on a seq conflict and -1 when the session is closed.
var commitScript = backend.NewScript(`
local cur = redis.call("HGET", KEYS[1], "seq")
if cur and redis.call("HGET", KEYS[1], "closed") == "1" then return -1 end
if ARGV[1] == "0" then
	if cur then return 0 end
else
	if (not cur) or cur ~= ARGV[1] then return 0 end
end
redis.call("HSET", KEYS[1], "seq", ARGV[3], "data", ARGV[2], "closed", ARGV[7])
for i = 8, #ARGV do
	redis.call("RPUSH", KEYS[2], ARGV[i])
end
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[6])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
	redis.call("PEXPIRE", KEYS[1], ttl)
	redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`)

// Store implements ports.SessionStore using Redis.
// A session is a hash holding its seq and JSON snapshot, its transcript is a
// list indexed by seq-1, and a sorted set orders calls by creation time.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for sessions and transcripts.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromURL creates a store from a redis:// URL.
func NewFromURL(url string, opts ...Option) (*Store, error) {
	o, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewFromClient(backend.NewClient(o), opts...), nil
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "dialtone:",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) sessionKey(callID string) string {
	return s.prefix + "session:" + callID
}

func (s *Store) transcriptKey(callID string) string {
	return s.prefix + "transcript:" + callID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Client exposes the underlying client, e.g. to share it with a Locker.
func (s *Store) Client() *backend.Client {
	return s.client
}

// Commit runs the compare-and-set script.
func (s *Store) Commit(ctx context.Context, c ports.Commit) error {
	if err := c.Validate(); err != nil {
		return err
	}
	callID := c.Session.CallID

	data, err := json.Marshal(c.Session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	closed := "0"
	if c.Session.Status.Terminal() {
		closed = "1"
	}

	args := make([]any, 0, 7+len(c.Entries))
	args = append(args,
		strconv.FormatInt(c.ExpectedSeq, 10),
		data,
		strconv.FormatInt(c.Session.LastSeq, 10),
		c.Session.CreatedAt.UnixNano(),
		s.ttl.Milliseconds(),
		callID,
		closed,
	)
	for _, e := range c.Entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %d: %w", e.Seq, err)
		}
		args = append(args, b)
	}

	keys := []string{s.sessionKey(callID), s.transcriptKey(callID), s.indexKey()}
	ok, err := commitScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to commit to redis: %w", err)
	}
	if ok < 0 {
		return fmt.Errorf("session %s is closed: %w", callID, domain.ErrSessionClosed)
	}
	if ok == 0 {
		return fmt.Errorf("session %s moved past seq %d: %w", callID, c.ExpectedSeq, domain.ErrConflict)
	}
	return nil
}

// GetSession loads the session snapshot.
func (s *Store) GetSession(ctx context.Context, callID string) (*domain.Session, error) {
	val, err := s.client.HGet(ctx, s.sessionKey(callID), "data").Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return decodeSession(val)
}

// QueryTranscript reads a page from the transcript list.
func (s *Store) QueryTranscript(ctx context.Context, callID string, q ports.TranscriptQuery) ([]domain.TranscriptEntry, error) {
	n, err := s.client.Exists(ctx, s.sessionKey(callID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}

	limit := q.PageLimit()
	start := max(q.AfterSeq, 0)
	stop := int64(-1)
	if q.From.IsZero() && q.To.IsZero() {
		stop = start + int64(limit) - 1
	}

	raw, err := s.client.LRange(ctx, s.transcriptKey(callID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	out := make([]domain.TranscriptEntry, 0, min(limit, len(raw)))
	for _, r := range raw {
		var e domain.TranscriptEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		if !q.Matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListSessions walks the index newest first.
// Index members whose session expired are pruned lazily.
func (s *Store) ListSessions(ctx context.Context, f ports.SessionFilter) ([]*domain.Session, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*backend.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.sessionKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var (
		out   []*domain.Session
		stale []any
	)
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if errors.Is(err, backend.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", ids[i], err)
		}
		sess, err := decodeSession(val)
		if err != nil {
			return nil, err
		}
		if !f.Matches(sess) {
			continue
		}
		out = append(out, sess)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune expired sessions: %w", err)
		}
	}
	if out == nil {
		out = []*domain.Session{}
	}
	return out, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeSession(val string) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Context == nil {
		sess.Context = make(map[string]any)
	}
	return &sess, nil
}
