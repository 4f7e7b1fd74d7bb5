package store

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/domain"
	apperrors "chatsync/errors"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func serverMsg(id, conv string, seq int64, at time.Time) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		Type:           domain.MessageText,
		Content:        "hello " + id,
		Status:         domain.StatusSent,
		CreatedAt:      at,
		ServerSeq:      seq,
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func Test_Ingest_Orders_By_Sequence(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.Ingest(serverMsg("m3", "c1", 3, base.Add(3*time.Second)))
	s.Ingest(serverMsg("m1", "c1", 1, base.Add(1*time.Second)))
	s.Ingest(serverMsg("m2", "c1", 2, base.Add(2*time.Second)))

	req.Equal([]string{"m1", "m2", "m3"}, ids(s.Messages("c1")))
}

func Test_Ingest_Deduplicates_On_Id(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	m := serverMsg("m1", "c1", 1, base)
	req.True(s.Ingest(m))
	req.False(s.Ingest(m))
	req.False(s.Ingest(m))

	req.Len(s.Messages("c1"), 1)
}

func Test_Ingest_Falls_Back_To_Timestamp_Without_Sequence(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.Ingest(serverMsg("late", "c1", 0, base.Add(10*time.Second)))
	s.Ingest(serverMsg("early", "c1", 0, base))

	req.Equal([]string{"early", "late"}, ids(s.Messages("c1")))
}

func Test_Reconcile_Replaces_Optimistic_Entry(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	optimistic := domain.NewOptimisticMessage("c1", "alice", domain.MessageText, "hi", nil, base)
	s.AppendOptimistic(optimistic)

	confirmed := serverMsg("m1", "c1", 1, base)
	s.Reconcile(optimistic.ID, confirmed)

	msgs := s.Messages("c1")
	req.Len(msgs, 1)
	req.Equal("m1", msgs[0].ID)
	req.Equal(domain.StatusSent, msgs[0].Status)

	_, found := s.Get(optimistic.ID)
	req.False(found)
}

// The send response and the push echo of the same message may land in
// either order; both interleavings must converge to one stored entry.
func Test_Echo_Before_Confirmation_Converges(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	optimistic := domain.NewOptimisticMessage("c1", "alice", domain.MessageText, "hi", nil, base)
	s.AppendOptimistic(optimistic)

	confirmed := serverMsg("m1", "c1", 1, base)
	req.True(s.Ingest(confirmed))
	s.Reconcile(optimistic.ID, confirmed)

	msgs := s.Messages("c1")
	req.Equal([]string{"m1"}, ids(msgs))
}

func Test_Echo_After_Confirmation_Converges(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	optimistic := domain.NewOptimisticMessage("c1", "alice", domain.MessageText, "hi", nil, base)
	s.AppendOptimistic(optimistic)

	confirmed := serverMsg("m1", "c1", 1, base)
	s.Reconcile(optimistic.ID, confirmed)
	req.False(s.Ingest(confirmed))

	req.Equal([]string{"m1"}, ids(s.Messages("c1")))
}

func Test_Reconcile_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	optimistic := domain.NewOptimisticMessage("c1", "alice", domain.MessageText, "hi", nil, base)
	s.AppendOptimistic(optimistic)

	confirmed := serverMsg("m1", "c1", 1, base)
	s.Reconcile(optimistic.ID, confirmed)
	s.Reconcile(optimistic.ID, confirmed)

	req.Len(s.Messages("c1"), 1)
}

func Test_Status_Advances_Forward_Only(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())
	s.Ingest(serverMsg("m1", "c1", 1, base))

	req.NoError(s.UpdateStatus("m1", domain.StatusDelivered))
	req.NoError(s.UpdateStatus("m1", domain.StatusRead))

	err := s.UpdateStatus("m1", domain.StatusDelivered)
	req.ErrorIs(err, apperrors.ErrStatusRegression)

	m, found := s.Get("m1")
	req.True(found)
	req.Equal(domain.StatusRead, m.Status)
}

func Test_Status_Update_For_Unknown_Message(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	err := s.UpdateStatus("ghost", domain.StatusDelivered)
	req.ErrorIs(err, apperrors.ErrUnknownMessage)
}

func Test_Bulk_Read_Skips_Unknown_Ids(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())
	s.Ingest(serverMsg("m1", "c1", 1, base))
	s.Ingest(serverMsg("m2", "c1", 2, base.Add(time.Second)))

	s.UpdateStatusBulk([]string{"m1", "ghost", "m2"}, domain.StatusRead)

	for _, m := range s.Messages("c1") {
		req.Equal(domain.StatusRead, m.Status)
	}
}

func Test_Failed_Send_Keeps_Message_With_Failed_Status(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	optimistic := domain.NewOptimisticMessage("c1", "alice", domain.MessageText, "hi", nil, base)
	s.AppendOptimistic(optimistic)
	req.NoError(s.MarkFailed(optimistic.ID))

	m, found := s.Get(optimistic.ID)
	req.True(found)
	req.Equal(domain.StatusFailed, m.Status)

	// Terminal: no acknowledgement may resurrect it.
	req.ErrorIs(s.UpdateStatus(optimistic.ID, domain.StatusSent), apperrors.ErrStatusRegression)
}

func Test_Drop_Removes_Failed_Entry_For_Retry(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	optimistic := domain.NewOptimisticMessage("c1", "alice", domain.MessageText, "hi", nil, base)
	s.AppendOptimistic(optimistic)
	req.NoError(s.MarkFailed(optimistic.ID))

	dropped, ok := s.Drop(optimistic.ID)
	req.True(ok)
	req.Equal("hi", dropped.Content)
	req.Empty(s.Messages("c1"))
}

// A push arriving while the history page is in flight must survive the
// merge, whether or not the page also contains it.
func Test_History_Load_Buffers_Concurrent_Pushes(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.BeginHistoryLoad("c1")
	req.True(s.Ingest(serverMsg("live", "c1", 4, base.Add(4*time.Second))))

	history := []domain.Message{
		serverMsg("h1", "c1", 1, base.Add(1*time.Second)),
		serverMsg("h2", "c1", 2, base.Add(2*time.Second)),
	}
	s.CompleteHistoryLoad("c1", history)

	req.Equal([]string{"h1", "h2", "live"}, ids(s.Messages("c1")))
}

func Test_History_Load_Deduplicates_Buffered_Push(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.BeginHistoryLoad("c1")
	s.Ingest(serverMsg("h2", "c1", 2, base.Add(2*time.Second)))

	history := []domain.Message{
		serverMsg("h1", "c1", 1, base.Add(1*time.Second)),
		serverMsg("h2", "c1", 2, base.Add(2*time.Second)),
	}
	s.CompleteHistoryLoad("c1", history)

	req.Equal([]string{"h1", "h2"}, ids(s.Messages("c1")))
}

// A duplicate reference landing mid-history-load still merges its status
// and sequence into the stored entry instead of being discarded.
func Test_Duplicate_During_History_Load_Merges(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.Ingest(serverMsg("m1", "c1", 1, base))
	s.BeginHistoryLoad("c1")

	delivered := serverMsg("m1", "c1", 1, base)
	delivered.Status = domain.StatusDelivered
	req.False(s.Ingest(delivered))

	m, found := s.Get("m1")
	req.True(found)
	req.Equal(domain.StatusDelivered, m.Status)

	// History still carries the older status; the merge must not regress it.
	s.CompleteHistoryLoad("c1", []domain.Message{serverMsg("m1", "c1", 1, base)})
	m, _ = s.Get("m1")
	req.Equal(domain.StatusDelivered, m.Status)
	req.Len(s.Messages("c1"), 1)
}

func Test_Duplicate_Of_Buffered_Push_Merges_Status(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.BeginHistoryLoad("c1")
	req.True(s.Ingest(serverMsg("live", "c1", 0, base)))

	sequenced := serverMsg("live", "c1", 5, base)
	sequenced.Status = domain.StatusDelivered
	req.False(s.Ingest(sequenced))

	s.CompleteHistoryLoad("c1", nil)

	m, found := s.Get("live")
	req.True(found)
	req.Equal(domain.StatusDelivered, m.Status)
	req.EqualValues(5, m.ServerSeq)
}

func Test_Failed_History_Load_Keeps_Buffered_Pushes(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.BeginHistoryLoad("c1")
	s.Ingest(serverMsg("live", "c1", 1, base))

	loadErr := errors.New("boom")
	s.FailHistoryLoad("c1", loadErr)

	req.Equal([]string{"live"}, ids(s.Messages("c1")))
	req.ErrorIs(s.LoadError("c1"), loadErr)

	s.BeginHistoryLoad("c1")
	req.NoError(s.LoadError("c1"))
}

func Test_Merge_Assigns_Sequence_And_Repositions(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	// Unsequenced message sorts by timestamp, after m1.
	s.Ingest(serverMsg("m1", "c1", 0, base.Add(1*time.Second)))
	s.Ingest(serverMsg("m2", "c1", 0, base.Add(2*time.Second)))
	req.Equal([]string{"m1", "m2"}, ids(s.Messages("c1")))

	// The server later sequences m2 before m1.
	s.Ingest(serverMsg("m2", "c1", 1, base.Add(2*time.Second)))
	s.Ingest(serverMsg("m1", "c1", 2, base.Add(1*time.Second)))

	req.Equal([]string{"m2", "m1"}, ids(s.Messages("c1")))
}

func Test_Conversations_Are_Isolated(t *testing.T) {
	req := require.New(t)
	s := NewMessageStore(slog.Default())

	s.Ingest(serverMsg("a", "c1", 1, base))
	s.Ingest(serverMsg("b", "c2", 1, base))

	req.Equal([]string{"a"}, ids(s.Messages("c1")))
	req.Equal([]string{"b"}, ids(s.Messages("c2")))
	req.Equal(2, s.Size())
}
