package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/aretw0/dialtone/pkg/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	_ ports.SessionStore   = (*Store)(nil)
	_ ports.FlowRepository = (*Store)(nil)
)

// Store keeps sessions, transcripts and published flows in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewFromPool(pool), nil
}

// NewFromPool wraps an existing pool. The schema must already be migrated.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Commit writes the snapshot and entries in one transaction guarded by last_seq.
func (s *Store) Commit(ctx context.Context, c ports.Commit) error {
	if err := c.Validate(); err != nil {
		return err
	}
	sess := c.Session

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var affected int64
	if c.ExpectedSeq == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO sessions (call_id, flow_id, flow_version, status, last_seq, data, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (call_id) DO NOTHING`,
			sess.CallID, sess.FlowID, sess.FlowVersion, string(sess.Status), sess.LastSeq, string(data),
			sess.CreatedAt, sess.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("write session: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM sessions WHERE call_id = $1 FOR UPDATE`, sess.CallID).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read session %s: %w", sess.CallID, err)
		case domain.SessionStatus(status).Terminal():
			return fmt.Errorf("session %s is %s: %w", sess.CallID, status, domain.ErrSessionClosed)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE sessions
			SET flow_id = $1, flow_version = $2, status = $3, last_seq = $4, data = $5, updated_at = $6
			WHERE call_id = $7 AND last_seq = $8`,
			sess.FlowID, sess.FlowVersion, string(sess.Status), sess.LastSeq, string(data), sess.UpdatedAt,
			sess.CallID, c.ExpectedSeq,
		)
		if err != nil {
			return fmt.Errorf("write session: %w", err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return fmt.Errorf("session %s moved past seq %d: %w", sess.CallID, c.ExpectedSeq, domain.ErrConflict)
	}

	batch := &pgx.Batch{}
	for _, e := range c.Entries {
		var payload any
		if len(e.Data) > 0 {
			b, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("failed to marshal entry %d: %w", e.Seq, err)
			}
			payload = string(b)
		}
		batch.Queue(`
			INSERT INTO transcript (call_id, seq, id, at, origin, kind, node_id, text, data)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.CallID, e.Seq, e.ID, e.At, string(e.Origin), string(e.Kind), e.NodeID, e.Text, payload,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("append entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetSession loads the session snapshot.
func (s *Store) GetSession(ctx context.Context, callID string) (*domain.Session, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sessions WHERE call_id = $1`, callID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(data)
}

// QueryTranscript pages the transcript in seq order.
func (s *Store) QueryTranscript(ctx context.Context, callID string, q ports.TranscriptQuery) ([]domain.TranscriptEntry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE call_id = $1)`, callID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}

	query := `SELECT seq, id, at, origin, kind, node_id, text, data FROM transcript WHERE call_id = $1 AND seq > $2`
	args := []any{callID, q.AfterSeq}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(` AND at >= $%d`, len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(` AND at <= $%d`, len(args))
	}
	args = append(args, q.PageLimit())
	query += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	out := []domain.TranscriptEntry{}
	for rows.Next() {
		var (
			e            domain.TranscriptEntry
			at           time.Time
			origin, kind string
			data         []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &at, &origin, &kind, &e.NodeID, &e.Text, &data); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CallID = callID
		e.At = at.UTC()
		e.Origin = domain.Origin(origin)
		e.Kind = domain.EntryKind(kind)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode entry %d: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListSessions returns matching sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, f ports.SessionFilter) ([]*domain.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.FlowID != "" {
		args = append(args, f.FlowID)
		where = append(where, fmt.Sprintf("flow_id = $%d", len(args)))
	}

	query := `SELECT data FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, call_id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []*domain.Session{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveFlow stores a published flow version. Versions are immutable.
func (s *Store) SaveFlow(ctx context.Context, def *domain.FlowDefinition) error {
	data, err := flow.Encode(def)
	if err != nil {
		return fmt.Errorf("encode flow: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO flows (id, version, data, published_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, version) DO NOTHING`,
		def.ID, def.Version, string(data), def.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("flow %s v%d already stored: %w", def.ID, def.Version, domain.ErrConflict)
	}
	return nil
}

// LoadFlows returns every stored flow version ordered by id and version.
func (s *Store) LoadFlows(ctx context.Context) ([]*domain.FlowDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM flows ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("load flows: %w", err)
	}
	defer rows.Close()

	var defs []*domain.FlowDefinition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		def, err := flow.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func decodeSession(data []byte) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Context == nil {
		sess.Context = make(map[string]any)
	}
	return &sess, nil
}
