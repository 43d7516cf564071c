package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Role is the speaker of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the three stored roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message represents a single conversational turn persisted by the live session.
type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
	Metadata  string    `json:"metadata,omitempty"`
}

// Session is one conversational run of a user.
type Session struct {
	UserID    int64      `json:"user_id"`
	SessionID string     `json:"session_id"`
	RoomName  string     `json:"room_name,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status"`
	Metadata  string     `json:"metadata,omitempty"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveMessage persists a message and returns its id. The session row is created on
// first use and the queue entry is written by the capture trigger, all in one
// transaction: either the message, its session and its queue entry exist, or none do.
func (s *Store) SaveMessage(ctx context.Context, msg Message) (int64, error) {
	if !msg.Role.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin message insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chat_sessions (user_id, session_id, started_at, status) VALUES (?,?,?,'active');`,
		msg.UserID, msg.SessionID, msg.CreatedAt); err != nil {
		return 0, fmt.Errorf("ensure session: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO chat_messages (user_id, session_id, role, content, metadata, timestamp) VALUES (?,?,?,?,?,?);`,
		msg.UserID, msg.SessionID, string(msg.Role), msg.Content, nullString(msg.Metadata), msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message insert: %w", err)
	}
	return id, nil
}

const messageColumns = `id, user_id, session_id, role, content, timestamp, metadata`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m        Message
			role     string
			ts       sql.NullTime
			metadata sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &role, &m.Content, &ts, &metadata); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = ts.Time
		m.Metadata = metadata.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessagesByIDs returns the messages with the given ids in ascending id order.
// Ids without a row are absent from the result.
func (s *Store) GetMessagesByIDs(ctx context.Context, ids []int64) ([]Message, error) {
	var out []Message
	for _, chunk := range chunkIDs(ids, idChunkSize) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+messageColumns+` FROM chat_messages WHERE id IN (`+inClause(len(chunk))+`) ORDER BY id ASC;`,
			int64Args(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("query messages by id: %w", err)
		}
		msgs, err := scanMessages(rows)
		if err != nil {
			return nil, fmt.Errorf("scan messages: %w", err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// GetMessagesForSession returns every message of a session in chronological order,
// regardless of owning user.
func (s *Store) GetMessagesForSession(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

// StartSession opens (or reopens) a session.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_sessions (user_id, session_id, room_name, metadata, started_at, status)
VALUES (?,?,?,?,?,'active')
ON CONFLICT(user_id, session_id) DO UPDATE SET room_name = excluded.room_name, metadata = excluded.metadata,
    started_at = excluded.started_at, ended_at = NULL, status = 'active';`,
		sess.UserID, sess.SessionID, nullString(sess.RoomName), nullString(sess.Metadata), sess.StartedAt)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

// EndSession marks a session as ended.
func (s *Store) EndSession(ctx context.Context, userID int64, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET ended_at = ?, status = 'ended' WHERE user_id = ? AND session_id = ?;`,
		s.now(), userID, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ListSessions returns a user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID int64, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, session_id, room_name, started_at, ended_at, status, metadata
FROM chat_sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ?;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess      Session
			room, md  sql.NullString
			startedAt sql.NullTime
			endedAt   sql.NullTime
		)
		if err := rows.Scan(&sess.UserID, &sess.SessionID, &room, &startedAt, &endedAt, &sess.Status, &md); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.RoomName = room.String
		sess.Metadata = md.String
		sess.StartedAt = startedAt.Time
		if endedAt.Valid {
			t := endedAt.Time
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its messages. Queue entries and analysis rows
// that reference those messages are left in place; the processor retires orphaned
// queue entries on its next run.
func (s *Store) DeleteSession(ctx context.Context, userID int64, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin session delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ? AND session_id = ?;`, userID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE user_id = ? AND session_id = ?;`, userID, sessionID); err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit session delete: %w", err)
	}
	return n, nil
}
