package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "friday.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveMsg(t *testing.T, s *Store, session string, role Role, content string) int64 {
	t.Helper()
	id, err := s.SaveMessage(context.Background(), Message{UserID: 1, SessionID: session, Role: role, Content: content})
	require.NoError(t, err)
	return id
}

func TestSaveMessage_EnqueuesExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, saveMsg(t, s, "room_abc", RoleUser, "hello"))
	}

	for _, id := range ids {
		entry, ok, err := s.QueueEntry(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "message %d has no queue entry", id)
		require.False(t, entry.Processed)
	}

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, ids, pending)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, st.TotalMessages)
	require.EqualValues(t, 3, st.QueueEntries)
}

func TestSaveMessage_InvalidRoleWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.SaveMessage(ctx, Message{UserID: 1, SessionID: "s", Role: "robot", Content: "beep"})
	require.ErrorIs(t, err, ErrInvalidRole)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.TotalMessages)
	require.Zero(t, st.QueueEntries)
}

func TestSaveMessage_FailedEnqueueAbortsInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A stale queue row squatting on the next message id makes the trigger's insert fail.
	_, err := s.db.Exec(`INSERT INTO log_inserts (chat_message_id, processed) VALUES (1, 1);`)
	require.NoError(t, err)

	_, err = s.SaveMessage(ctx, Message{UserID: 1, SessionID: "s", Role: RoleUser, Content: "hi"})
	require.Error(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.TotalMessages)
}

func TestMarkProcessedAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := saveMsg(t, s, "s", RoleUser, "one")
	b := saveMsg(t, s, "s", RoleUser, "two")

	require.NoError(t, s.MarkProcessed(ctx, []int64{a, 9999}))
	require.NoError(t, s.MarkProcessed(ctx, nil))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{b}, pending)

	n, err := s.ClearProcessed(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, ok, err := s.QueueEntry(ctx, a)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkProcessed_LargeBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < idChunkSize+20; i++ {
		ids = append(ids, saveMsg(t, s, "bulk", RoleUser, "x"))
	}
	require.NoError(t, s.MarkProcessed(ctx, ids))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	msgs, err := s.GetMessagesByIDs(ctx, ids)
	require.NoError(t, err)
	require.Len(t, msgs, len(ids))
}

func TestGetMessagesForSession_Ordered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	_, err := s.SaveMessage(ctx, Message{UserID: 1, SessionID: "s", Role: RoleAssistant, Content: "later", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, Message{UserID: 2, SessionID: "s", Role: RoleUser, Content: "earlier", CreatedAt: base, Metadata: `{"type":"message"}`})
	require.NoError(t, err)
	saveMsg(t, s, "other", RoleUser, "elsewhere")

	msgs, err := s.GetMessagesForSession(ctx, "s")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "earlier", msgs[0].Content)
	require.Equal(t, `{"type":"message"}`, msgs[0].Metadata)
	require.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestSessions_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StartSession(ctx, Session{UserID: 7, SessionID: "room_1", RoomName: "Room 1"}))
	_, err := s.SaveMessage(ctx, Message{UserID: 7, SessionID: "room_1", Role: RoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.EndSession(ctx, 7, "room_1"))

	sessions, err := s.ListSessions(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "ended", sessions[0].Status)
	require.NotNil(t, sessions[0].EndedAt)
	require.Equal(t, "Room 1", sessions[0].RoomName)
}

func TestDeleteSession_LeavesQueueEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := saveMsg(t, s, "doomed", RoleUser, "bye")
	n, err := s.DeleteSession(ctx, 1, "doomed")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	msgs, err := s.GetMessagesByIDs(ctx, []int64{id})
	require.NoError(t, err)
	require.Empty(t, msgs)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{id}, pending)
}

func TestBackfill(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	analyzed := saveMsg(t, s, "s", RoleUser, "analyzed")
	missing := saveMsg(t, s, "s", RoleUser, "never queued")
	queued := saveMsg(t, s, "s", RoleUser, "still queued")

	_, err := s.SaveAnalysis(ctx, AnalysisResult{MessageID: analyzed, UserID: 1, SessionID: "s", Message: "analyzed",
		Role: "user", SequenceNumber: 1, MessageLength: 1, SentimentLabel: "neutral", EmotionLabel: "neutral"})
	require.NoError(t, err)
	// Simulate history that predates the capture trigger.
	_, err = s.db.Exec(`DELETE FROM log_inserts WHERE chat_message_id IN (?, ?);`, analyzed, missing)
	require.NoError(t, err)

	n, err := s.Backfill(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{missing, queued}, pending)
}

func TestBackfill_SkipsRecordedMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blank := saveMsg(t, s, "s", RoleUser, "   ")
	other := saveMsg(t, s, "s", RoleAssistant, "hi")
	require.NoError(t, s.RecordSkipped(ctx, []Skip{{MessageID: blank, Reason: "empty"}, {MessageID: other, Reason: "filtered"}}))
	require.NoError(t, s.RecordSkipped(ctx, []Skip{{MessageID: blank, Reason: "empty"}}))
	require.NoError(t, s.MarkProcessed(ctx, []int64{blank, other}))
	_, err := s.ClearProcessed(ctx)
	require.NoError(t, err)

	n, err := s.Backfill(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, st.SkippedMessages)
	require.Zero(t, st.QueueEntries)
}

func TestClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second owner must not take a live claim")

	ok, err = s.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "owner may refresh its own claim")

	require.NoError(t, s.Release(ctx, "b"))
	owner, _, held, err := s.LockHolder(ctx)
	require.NoError(t, err)
	require.True(t, held)
	require.Equal(t, "a", owner)

	require.NoError(t, s.Release(ctx, "a"))
	ok, err = s.Claim(ctx, "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaim_ExpiredIsStolen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	s.now = func() time.Time { return past }
	ok, err := s.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s.now = func() time.Time { return time.Now().UTC() }
	ok, err = s.Claim(ctx, "fresh", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	owner, _, _, err := s.LockHolder(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh", owner)
}
