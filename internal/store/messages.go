package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ConversationMessage is one entry of a session's message history.
type ConversationMessage struct {
	ID        int64
	SessionID string
	Sender    string // "user" or an agent id
	AgentID   string
	Content   string
	InputMode string // "text" or "voice"
	Timestamp time.Time
}

// AddMessage appends a message to a session's history.
func (s *Store) AddMessage(ctx context.Context, m *ConversationMessage) error {
	const q = `
		INSERT INTO conversation_messages (session_id, sender, agent_id, content, input_mode, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, q, m.SessionID, m.Sender, m.AgentID, m.Content, m.InputMode, ts); err != nil {
		return fmt.Errorf("store: add message: %w", err)
	}
	return nil
}

// Messages returns a page of a session's history, newest last. offset and
// limit page through the history; limit <= 0 defaults to 50.
func (s *Store) Messages(ctx context.Context, sessionID string, offset, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, session_id, sender, agent_id, content, input_mode, ts
		FROM   conversation_messages
		WHERE  session_id = $1
		ORDER  BY ts
		OFFSET $2 LIMIT $3`
	rows, err := s.pool.Query(ctx, q, sessionID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ConversationMessage, error) {
		var m ConversationMessage
		err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &m.AgentID, &m.Content, &m.InputMode, &m.Timestamp)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []ConversationMessage{}
	}
	return msgs, nil
}
