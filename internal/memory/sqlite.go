package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable Store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the conversation database at dbPath.
// Write transactions take the lock up front so concurrent appends queue
// on the busy timeout instead of failing on lock upgrade.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore uses an already opened database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		persona_mode TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		persona_mode TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE (conversation_id, seq)
	);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureConversation creates the conversation if needed and returns it.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, id string) (*Conversation, error) {
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, now, now); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// GetConversation returns ErrNotFound for unknown ids.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.persona_mode, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c WHERE c.id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// SetPersonaMode pins the conversation to a persona mode. The
// conversation is created if it does not exist yet.
func (s *SQLiteStore) SetPersonaMode(ctx context.Context, id, mode string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, persona_mode, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET persona_mode = excluded.persona_mode, updated_at = excluded.updated_at`,
		id, mode, now, now)
	if err != nil {
		return fmt.Errorf("set persona mode: %w", err)
	}
	return nil
}

// RecentMessages returns the last n messages in ascending Seq order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, id string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT id, conversation_id, seq, role, content, tool_call_id, model, persona_mode, created_at
			FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, id, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return scanMessages(rows)
}

// Messages returns the full log in Seq order.
func (s *SQLiteStore) Messages(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, role, content, tool_call_id, model, persona_mode, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	return scanMessages(rows)
}

// AppendMessages writes msgs with consecutive ordinals following the
// current maximum, all in one transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, id string, msgs []NewMessage) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, m := range msgs {
		if !validRole(m.Role) {
			return nil, fmt.Errorf("append messages: invalid role %q", m.Role)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	ts := formatTime(now)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		id, ts, ts); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, id).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last seq: %w", err)
	}

	out := make([]Message, 0, len(msgs))
	for i, nm := range msgs {
		msgID, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("message id: %w", err)
		}
		m := Message{
			ID:             msgID.String(),
			ConversationID: id,
			Seq:            last + int64(i) + 1,
			Role:           nm.Role,
			Content:        nm.Content,
			ToolCallID:     nm.ToolCallID,
			Model:          nm.Model,
			PersonaMode:    nm.PersonaMode,
			CreatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, seq, role, content, tool_call_id, model, persona_mode, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Seq, m.Role, m.Content, m.ToolCallID, m.Model, m.PersonaMode, ts); err != nil {
			return nil, fmt.Errorf("insert message %d: %w", m.Seq, err)
		}
		out = append(out, m)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ts, id); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// ListConversations returns conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.persona_mode, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c ORDER BY c.updated_at DESC, c.id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var created, updated string
	if err := row.Scan(&c.ID, &c.PersonaMode, &created, &updated, &c.MessageCount); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content,
			&m.ToolCallID, &m.Model, &m.PersonaMode, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
