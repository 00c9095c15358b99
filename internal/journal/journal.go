// Package journal keeps a local SQLite transcript of finished messages, so a
// conversation can be read back without the server.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lichenr3/Galatea/internal/conversation"
)

var _ conversation.Recorder = (*Journal)(nil)

// Journal is a SQLite-backed transcript store. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path. Any DSN accepted by
// modernc.org/sqlite works, including "file:name?mode=memory&cache=shared".
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enable WAL: %w", err)
	}
	j := &Journal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			character_id    TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			UNIQUE (conversation_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: init schema: %w", err)
		}
	}
	return nil
}

// Record stores m under conversationID. Recording the same message id again
// replaces its content but keeps its position.
func (j *Journal) Record(ctx context.Context, conversationID, characterID string, m conversation.Message) error {
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, character_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, message_id) DO UPDATE SET content = excluded.content`,
		conversationID, m.ID, characterID, string(m.Role), m.Content, ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: record %s/%s: %w", conversationID, m.ID, err)
	}
	return nil
}

// Transcript returns the recorded messages of conversationID in the order
// they were first recorded.
func (j *Journal) Transcript(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT message_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("journal: transcript %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []conversation.Message
	for rows.Next() {
		var (
			m    conversation.Message
			role string
			ns   int64
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &ns); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		m.Role = conversation.Role(role)
		m.Status = conversation.StatusFinished
		m.Timestamp = time.Unix(0, ns)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: transcript %s: %w", conversationID, err)
	}
	return out, nil
}

// Forget deletes everything recorded for conversationID.
func (j *Journal) Forget(ctx context.Context, conversationID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("journal: forget %s: %w", conversationID, err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
