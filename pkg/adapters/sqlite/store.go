package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/aretw0/dialtone/pkg/ports"
	_ "modernc.org/sqlite"
)

var (
	_ ports.SessionStore   = (*Store)(nil)
	_ ports.FlowRepository = (*Store)(nil)
)

// Store keeps sessions, transcripts and published flows in one SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; also keeps :memory: on a single connection.
	db.SetMaxOpenConns(1)

	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB initializes the schema in db and returns a Store.
// The caller is responsible for importing a SQLite driver.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		call_id      TEXT PRIMARY KEY,
		flow_id      TEXT NOT NULL,
		flow_version INTEGER NOT NULL,
		status       TEXT NOT NULL,
		last_seq     INTEGER NOT NULL,
		data         TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC);

	CREATE TABLE IF NOT EXISTS transcript (
		call_id TEXT NOT NULL REFERENCES sessions(call_id),
		seq     INTEGER NOT NULL,
		id      TEXT NOT NULL,
		at      INTEGER NOT NULL,
		origin  TEXT NOT NULL,
		kind    TEXT NOT NULL,
		node_id TEXT,
		text    TEXT,
		data    TEXT,
		PRIMARY KEY (call_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_at ON transcript(call_id, at);

	CREATE TABLE IF NOT EXISTS flows (
		id           TEXT NOT NULL,
		version      INTEGER NOT NULL,
		data         TEXT NOT NULL,
		published_at INTEGER NOT NULL,
		PRIMARY KEY (id, version)
	);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if c.ExpectedSeq == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (call_id, flow_id, flow_version, status, last_seq, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(call_id) DO NOTHING`,
			sess.CallID, sess.FlowID, sess.FlowVersion, string(sess.Status), sess.LastSeq, string(data),
			sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
		)
	} else {
		if err := closed(tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE call_id = ?`, sess.CallID), sess.CallID); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET flow_id = ?, flow_version = ?, status = ?, last_seq = ?, data = ?, updated_at = ?
			WHERE call_id = ? AND last_seq = ?`,
			sess.FlowID, sess.FlowVersion, string(sess.Status), sess.LastSeq, string(data), sess.UpdatedAt.UnixNano(),
			sess.CallID, c.ExpectedSeq,
		)
	}
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s moved past seq %d: %w", sess.CallID, c.ExpectedSeq, domain.ErrConflict)
	}

	for _, e := range c.Entries {
		var payload []byte
		if len(e.Data) > 0 {
			if payload, err = json.Marshal(e.Data); err != nil {
				return fmt.Errorf("failed to marshal entry %d: %w", e.Seq, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcript (call_id, seq, id, at, origin, kind, node_id, text, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.CallID, e.Seq, e.ID, e.At.UnixNano(), string(e.Origin), string(e.Kind), e.NodeID, e.Text, nullable(payload),
		); err != nil {
			return fmt.Errorf("append entry %d: %w", e.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetSession loads the session snapshot.
func (s *Store) GetSession(ctx context.Context, callID string) (*domain.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE call_id = ?`, callID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(data)
}

// QueryTranscript pages the transcript in seq order.
func (s *Store) QueryTranscript(ctx context.Context, callID string, q ports.TranscriptQuery) ([]domain.TranscriptEntry, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE call_id = ?`, callID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}

	query := `SELECT seq, id, at, origin, kind, node_id, text, data FROM transcript WHERE call_id = ? AND seq > ?`
	args := []any{callID, q.AfterSeq}
	if !q.From.IsZero() {
		query += ` AND at >= ?`
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		query += ` AND at <= ?`
		args = append(args, q.To.UnixNano())
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, q.PageLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	out := []domain.TranscriptEntry{}
	for rows.Next() {
		var (
			e            domain.TranscriptEntry
			at           int64
			origin, kind string
			nodeID, text sql.NullString
			data         sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &at, &origin, &kind, &nodeID, &text, &data); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CallID = callID
		e.At = time.Unix(0, at).UTC()
		e.Origin = domain.Origin(origin)
		e.Kind = domain.EntryKind(kind)
		e.NodeID = nodeID.String
		e.Text = text.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
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
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, f.FlowID)
	}

	query := `SELECT data FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, call_id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []*domain.Session{}
	for rows.Next() {
		var data string
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
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flows (id, version, data, published_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id, version) DO NOTHING`,
		def.ID, def.Version, string(data), def.PublishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("flow %s v%d already stored: %w", def.ID, def.Version, domain.ErrConflict)
	}
	return nil
}

// LoadFlows returns every stored flow version ordered by id and version.
func (s *Store) LoadFlows(ctx context.Context) ([]*domain.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM flows ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("load flows: %w", err)
	}
	defer rows.Close()

	var defs []*domain.FlowDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		def, err := flow.Parse([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode flow: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func decodeSession(data string) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Context == nil {
		sess.Context = make(map[string]any)
	}
	return &sess, nil
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// closed fails with domain.ErrSessionClosed when the stored status is terminal.
// A missing row is left to the compare-and-set.
func closed(row *sql.Row, callID string) error {
	var status string
	switch err := row.Scan(&status); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("read session %s: %w", callID, err)
	}
	if st := domain.SessionStatus(status); st.Terminal() {
		return fmt.Errorf("session %s is %s: %w", callID, st, domain.ErrSessionClosed)
	}
	return nil
}
