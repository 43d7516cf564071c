package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QueueEntry is a pending-processing marker for one message.
type QueueEntry struct {
	MessageID  int64     `json:"message_id"`
	InsertedAt time.Time `json:"inserted_at"`
	Processed  bool      `json:"processed"`
}

// ListPending returns the ids of unprocessed queue entries in insertion order.
func (s *Store) ListPending(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_message_id FROM log_inserts WHERE processed = 0 ORDER BY chat_message_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueueEntry returns the queue row of a message, or false if there is none.
func (s *Store) QueueEntry(ctx context.Context, messageID int64) (QueueEntry, bool, error) {
	var (
		e          QueueEntry
		insertedAt sql.NullTime
		processed  int
	)
	err := s.db.QueryRowContext(ctx, `SELECT chat_message_id, inserted_at, processed FROM log_inserts WHERE chat_message_id = ?;`, messageID).
		Scan(&e.MessageID, &insertedAt, &processed)
	if err != nil {
		if isNoRows(err) {
			return QueueEntry{}, false, nil
		}
		return QueueEntry{}, false, fmt.Errorf("query queue entry: %w", err)
	}
	e.InsertedAt = insertedAt.Time
	e.Processed = processed != 0
	return e, true, nil
}

// MarkProcessed flags the given ids as processed in one transaction. Unknown ids are ignored.
func (s *Store) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark processed: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range chunkIDs(ids, idChunkSize) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE log_inserts SET processed = 1 WHERE chat_message_id IN (`+inClause(len(chunk))+`);`,
			int64Args(chunk)...); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark processed: %w", err)
	}
	return nil
}

// Skip records why a message was handled without an analysis.
type Skip struct {
	MessageID int64
	Reason    string
}

// RecordSkipped remembers handled-but-unanalyzed messages so Backfill does not
// enqueue them again. Recording the same message twice keeps the latest reason.
func (s *Store) RecordSkipped(ctx context.Context, skips []Skip) error {
	if len(skips) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record skipped: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, sk := range skips {
		if _, err := tx.ExecContext(ctx, `INSERT INTO skipped_messages (message_id, reason, skipped_at) VALUES (?,?,?)
ON CONFLICT(message_id) DO UPDATE SET reason = excluded.reason, skipped_at = excluded.skipped_at;`,
			sk.MessageID, sk.Reason, now); err != nil {
			return fmt.Errorf("record skipped message %d: %w", sk.MessageID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record skipped: %w", err)
	}
	return nil
}

// ClearProcessed deletes processed entries and returns how many were removed.
// Callers must only invoke it after MarkProcessed has returned successfully.
func (s *Store) ClearProcessed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_inserts WHERE processed = 1;`)
	if err != nil {
		return 0, fmt.Errorf("clear processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Backfill enqueues every stored message that has no queue entry, no analysis row
// and no skip record, e.g. history written before the capture trigger existed.
func (s *Store) Backfill(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO log_inserts (chat_message_id, inserted_at, processed)
SELECT m.id, ?, 0 FROM chat_messages m
WHERE NOT EXISTS (SELECT 1 FROM log_inserts l WHERE l.chat_message_id = m.id)
  AND NOT EXISTS (SELECT 1 FROM message_analytics a WHERE a.message_id = m.id)
  AND NOT EXISTS (SELECT 1 FROM skipped_messages k WHERE k.message_id = m.id)
ORDER BY m.id;`, s.now())
	if err != nil {
		return 0, fmt.Errorf("backfill queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats summarises table sizes for health checks.
type Stats struct {
	TotalMessages     int64 `json:"total_messages"`
	QueueEntries      int64 `json:"queue_entries"`
	Unprocessed       int64 `json:"unprocessed"`
	AnalyticsRows     int64 `json:"analytics_rows"`
	DuplicateAnalyses int64 `json:"duplicate_analyses"`
	SkippedMessages   int64 `json:"skipped_messages"`
}

// Stats returns current table counts. DuplicateAnalyses counts extra result rows for
// messages analyzed more than once (reprocessing after an interrupted run).
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
    (SELECT COUNT(*) FROM chat_messages),
    (SELECT COUNT(*) FROM log_inserts),
    (SELECT COUNT(*) FROM log_inserts WHERE processed = 0),
    (SELECT COUNT(*) FROM message_analytics),
    (SELECT COUNT(*) - COUNT(DISTINCT message_id) FROM message_analytics WHERE message_id IS NOT NULL),
    (SELECT COUNT(*) FROM skipped_messages);`).
		Scan(&st.TotalMessages, &st.QueueEntries, &st.Unprocessed, &st.AnalyticsRows, &st.DuplicateAnalyses, &st.SkippedMessages)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}
