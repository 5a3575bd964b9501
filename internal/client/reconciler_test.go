package client

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"go-chat-sync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(id int64, key protocol.ConversationKey, sender int64, offset time.Duration) protocol.Message {
	return protocol.Message{
		ID:           id,
		Conversation: key,
		SenderID:     sender,
		Content:      "m",
		CreatedAt:    t0.Add(offset),
	}
}

func ids(msgs []protocol.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

var (
	withBob   = protocol.DirectKey(1, 2)
	withCarol = protocol.DirectKey(1, 3)
)

func TestSelectClearsWindowSynchronously(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)

	tk := r.Select(withBob)
	require.True(t, r.Resolve(tk, []protocol.Message{msg(1, withBob, 2, 0)}, nil))
	require.Equal(t, 1, r.Len())

	r.Select(withCarol)
	assert.Zero(t, r.Len(), "old conversation must not survive under the new header")
	assert.Equal(t, Loading, r.State())
	assert.Equal(t, withCarol, r.Selected())
}

func TestLiveEventsAreGatedWhileLoading(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)

	tk := r.Select(withBob)
	assert.False(t, r.ApplyNewMessage(msg(1, withBob, 2, 0)), "events during Loading are discarded")

	require.True(t, r.Resolve(tk, []protocol.Message{msg(1, withBob, 2, 0)}, nil))
	assert.Equal(t, Live, r.State())
	assert.True(t, r.ApplyNewMessage(msg(2, withBob, 2, time.Second)))
	assert.False(t, r.ApplyNewMessage(msg(3, withCarol, 3, time.Second)), "other conversation")
	assert.Equal(t, []int64{1, 2}, ids(r.Messages()))
}

func TestSwitchRaceXYXKeepsOnlyLatestFetch(t *testing.T) {
	t.Parallel()

	xMsgs := []protocol.Message{msg(1, withBob, 2, 0), msg(2, withBob, 1, time.Second)}
	yMsgs := []protocol.Message{msg(10, withCarol, 3, 0)}

	orders := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, order := range orders {
		r := NewReconciler(1)
		tickets := []Ticket{r.Select(withBob), r.Select(withCarol), r.Select(withBob)}
		results := [][]protocol.Message{xMsgs, yMsgs, xMsgs}

		accepted := 0
		for _, i := range order {
			if r.Resolve(tickets[i], results[i], nil) {
				accepted++
				assert.Equal(t, 2, i, "only the last selection may commit")
			}
		}
		assert.Equal(t, 1, accepted, "order %v", order)
		assert.Equal(t, withBob, r.Selected())
		assert.Equal(t, []int64{1, 2}, ids(r.Messages()), "order %v", order)
	}
}

func TestReselectingSameConversationStartsFresh(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)

	first := r.Select(withBob)
	second := r.Select(withBob)

	assert.False(t, r.Resolve(first, []protocol.Message{msg(1, withBob, 2, 0)}, nil))
	assert.Equal(t, Loading, r.State())
	assert.True(t, r.Resolve(second, []protocol.Message{msg(2, withBob, 2, 0)}, nil))
	assert.Equal(t, []int64{2}, ids(r.Messages()))
}

func TestFailedFetchFailsOpen(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)

	tk := r.Select(withBob)
	require.True(t, r.Resolve(tk, []protocol.Message{msg(1, withBob, 2, 0)}, errors.New("timeout")))
	assert.Equal(t, Live, r.State())
	assert.Zero(t, r.Len())

	assert.True(t, r.ApplyNewMessage(msg(5, withBob, 2, 0)), "live events resume after a failed fetch")
}

func TestMergeIsInsertIfAbsent(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)
	tk := r.Select(withBob)
	original := msg(1, withBob, 2, 0)
	require.True(t, r.Resolve(tk, []protocol.Message{original}, nil))

	dup := original
	dup.Content = "rewritten"
	assert.False(t, r.ApplyNewMessage(dup))

	m2 := msg(2, withBob, 2, time.Second)
	assert.True(t, r.ApplyNewMessage(m2))
	before := r.Messages()
	assert.False(t, r.ApplyNewMessage(m2))
	assert.Equal(t, before, r.Messages())
	assert.Equal(t, "m", r.Messages()[0].Content)
}

func TestDisplayOrderFollowsTimestamps(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)
	tk := r.Select(withBob)
	require.True(t, r.Resolve(tk, nil, nil))

	all := []protocol.Message{
		msg(1, withBob, 2, 0),
		msg(2, withBob, 1, time.Second),
		msg(3, withBob, 2, 2*time.Second),
		msg(4, withBob, 2, 2*time.Second),
		msg(5, withBob, 1, 3*time.Second),
	}
	shuffled := append([]protocol.Message(nil), all...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, m := range shuffled {
		r.ApplyNewMessage(m)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids(r.Messages()))
}

func TestConversationDeletedRemovesExactlyListedIDs(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)
	tk := r.Select(withBob)
	require.True(t, r.Resolve(tk, []protocol.Message{
		msg(1, withBob, 2, 0), msg(2, withBob, 2, time.Second), msg(3, withBob, 1, 2*time.Second),
	}, nil))

	assert.False(t, r.ApplyConversationDeleted(protocol.ConversationDeleted{Conversation: withCarol, MessageIDs: []int64{1}}))
	assert.True(t, r.ApplyConversationDeleted(protocol.ConversationDeleted{Conversation: withBob, MessageIDs: []int64{1, 3, 99}}))
	assert.Equal(t, []int64{2}, ids(r.Messages()))

	assert.True(t, r.ApplyMessageDeleted(protocol.MessageDeleted{Conversation: withBob, MessageID: 2}))
	assert.Zero(t, r.Len())
}

func TestReadReceiptMutatesInPlace(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)
	tk := r.Select(withBob)
	require.True(t, r.Resolve(tk, []protocol.Message{msg(1, withBob, 1, 0)}, nil))

	ev := protocol.MessageRead{MessageID: 1, Conversation: withBob, ReadBy: 2, ReadAt: t0}
	assert.True(t, r.ApplyRead(ev))
	assert.False(t, r.ApplyRead(ev), "second receipt from the same reader")
	assert.False(t, r.ApplyRead(protocol.MessageRead{MessageID: 42, Conversation: withBob, ReadBy: 2}))

	got := r.Messages()[0]
	assert.True(t, got.IsRead())
	assert.True(t, got.ReadByUser(2))
}

func TestFetchResultDropsMessagesHiddenFromSelf(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)
	hidden := msg(2, withBob, 2, time.Second)
	hidden.DeletedFor = []int64{1}

	tk := r.Select(withBob)
	require.True(t, r.Resolve(tk, []protocol.Message{msg(1, withBob, 2, 0), hidden, msg(9, withCarol, 3, 0)}, nil))
	assert.Equal(t, []int64{1}, ids(r.Messages()))
}

// A sends m1 to B while B looks at another conversation. B's open window is
// untouched and m1 appears once B opens the conversation with A.
func TestMessageForUnopenedConversationAppearsOnSelect(t *testing.T) {
	t.Parallel()
	const a, b, c = 1, 2, 3
	bView := NewReconciler(b)
	withA := protocol.DirectKey(a, b)
	withC := protocol.DirectKey(b, c)

	tk := bView.Select(withC)
	require.True(t, bView.Resolve(tk, []protocol.Message{msg(5, withC, c, 0)}, nil))

	m1 := msg(6, withA, a, time.Second)
	assert.False(t, bView.ApplyNewMessage(m1))
	assert.Equal(t, []int64{5}, ids(bView.Messages()))

	tk = bView.Select(withA)
	require.True(t, bView.Resolve(tk, []protocol.Message{m1}, nil))
	assert.False(t, bView.ApplyNewMessage(m1), "late duplicate of a fetched message")
	assert.Equal(t, []int64{6}, ids(bView.Messages()))
}

func TestCloseInvalidatesPendingFetch(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)
	tk := r.Select(withBob)
	r.Close()

	assert.False(t, r.Resolve(tk, []protocol.Message{msg(1, withBob, 2, 0)}, nil))
	assert.Equal(t, Idle, r.State())
	assert.True(t, r.Selected().IsZero())
}

func TestUpdatesSignal(t *testing.T) {
	t.Parallel()
	r := NewReconciler(1)
	r.Select(withBob)

	select {
	case <-r.Updates():
	default:
		t.Fatal("expected an update signal after Select")
	}
}
