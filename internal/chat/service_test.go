package chat

import (
	"context"
	"errors"
	"testing"

	"go-chat-sync/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	store  *memStore
	router *Router
	svc    *Service
	alice  *testConn
	bob    *testConn
	carol  *testConn
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store: newMemStore("alice", "bob", "carol"),
		alice: newTestConn("alice", 1),
		bob:   newTestConn("bob", 2),
		carol: newTestConn("carol", 3),
	}
	_, f.router = newTestRouter(t, f.alice, f.bob, f.carol)
	f.svc = NewService(f.store, f.router, 50, nil)
	return f
}

func TestSendDirectStoresThenRoutes(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, protocol.MessageText, msg.Type)
	assert.Equal(t, "alice", msg.SenderName)
	assert.Equal(t, protocol.DirectKey(1, 2), msg.Conversation)

	assert.Equal(t, []int64{msg.ID}, messageIDs(t, f.alice.received(protocol.EventNewMessage)))
	assert.Equal(t, []int64{msg.ID}, messageIDs(t, f.bob.received(protocol.EventNewMessage)))
	assert.Empty(t, f.carol.received(protocol.EventNewMessage))

	fetched, err := f.svc.Fetch(ctx, 2, protocol.DirectKey(2, 1), 0)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, msg.ID, fetched[0].ID)
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"empty content", SendRequest{RecipientID: 2, Content: "   "}, ErrInvalidInput},
		{"no target", SendRequest{Content: "x"}, ErrInvalidInput},
		{"both targets", SendRequest{RecipientID: 2, GroupID: 5, Content: "x"}, ErrInvalidInput},
		{"bad type", SendRequest{RecipientID: 2, Content: "x", MessageType: "video"}, ErrInvalidInput},
		{"unknown recipient", SendRequest{RecipientID: 99, Content: "x"}, ErrNotFound},
		{"not a group member", SendRequest{GroupID: 5, Content: "x"}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, 1, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.bob.received(protocol.EventNewMessage))
}

func TestStoreFailureSkipsFanOut(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "kept"})
	require.NoError(t, err)
	f.bob.reset()

	f.store.failWrites = errors.New("disk full")

	_, err = f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "lost"})
	require.Error(t, err)
	assert.Empty(t, f.bob.received(protocol.EventNewMessage))

	err = f.svc.MarkRead(ctx, msg.ID, 2)
	require.Error(t, err)
	assert.Empty(t, f.alice.received(protocol.EventMessageRead))

	err = f.svc.DeleteMessage(ctx, msg.ID, 1, ScopeEveryone)
	require.Error(t, err)
	assert.Empty(t, f.bob.received(protocol.EventMessageDeleted))
}

func TestSendGroupRequiresJoinedChannelForLiveDelivery(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	f.store.addGroup(5, 1, 2, 3)

	require.NoError(t, f.svc.JoinGroupChannel(ctx, f.alice, 5))
	require.NoError(t, f.svc.JoinGroupChannel(ctx, f.bob, 5))

	msg, err := f.svc.Send(ctx, 1, SendRequest{GroupID: 5, Content: "team"})
	require.NoError(t, err)
	assert.Equal(t, protocol.GroupKey(5), msg.Conversation)
	assert.Len(t, f.alice.received(protocol.EventNewMessage), 1)
	assert.Len(t, f.bob.received(protocol.EventNewMessage), 1)
	assert.Empty(t, f.carol.received(protocol.EventNewMessage))

	history, err := f.svc.Fetch(ctx, 3, protocol.GroupKey(5), 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestJoinGroupChannelChecksMembership(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	f.store.addGroup(5, 1, 2)

	err := f.svc.JoinGroupChannel(context.Background(), f.carol, 5)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.False(t, f.router.InGroup(f.carol, 5))
}

func TestFetchRejectsOutsiders(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)

	_, err := f.svc.Fetch(context.Background(), 3, protocol.DirectKey(1, 2), 10)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Fetch(context.Background(), 3, protocol.ConversationKey{}, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFetchClampsLimitAndKeepsNewest(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	f.svc = NewService(f.store, f.router, 3, nil)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "m"})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	got, err := f.svc.Fetch(ctx, 1, protocol.DirectKey(1, 2), 100)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2:], []int64{got[0].ID, got[1].ID, got[2].ID})

	empty, err := f.svc.Fetch(ctx, 1, protocol.DirectKey(1, 3), 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestMarkReadRoutesOnce(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "read me"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.MarkRead(ctx, msg.ID, 1), ErrForbidden)
	assert.ErrorIs(t, f.svc.MarkRead(ctx, msg.ID, 3), ErrForbidden)
	assert.ErrorIs(t, f.svc.MarkRead(ctx, 999, 2), ErrNotFound)

	require.NoError(t, f.svc.MarkRead(ctx, msg.ID, 2))
	require.NoError(t, f.svc.MarkRead(ctx, msg.ID, 2))
	assert.Len(t, f.alice.received(protocol.EventMessageRead), 1)
	assert.Empty(t, f.bob.received(protocol.EventMessageRead))

	n, err := f.svc.UnreadCount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteMessageScopes(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	m1, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "one"})
	require.NoError(t, err)
	m2, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "two"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteMessage(ctx, m1.ID, 2, ScopeEveryone), ErrForbidden)

	// Hiding for yourself tells nobody.
	require.NoError(t, f.svc.DeleteMessage(ctx, m2.ID, 2, ScopeMe))
	assert.Empty(t, f.alice.received(protocol.EventMessageDeleted))
	bobView, err := f.svc.Fetch(ctx, 2, protocol.DirectKey(1, 2), 0)
	require.NoError(t, err)
	assert.Len(t, bobView, 1)
	assert.ErrorIs(t, f.svc.DeleteMessage(ctx, m2.ID, 2, ScopeMe), ErrNotFound)

	require.NoError(t, f.svc.DeleteMessage(ctx, m1.ID, 1, ScopeEveryone))
	assert.Len(t, f.bob.received(protocol.EventMessageDeleted), 1)
	assert.Empty(t, f.alice.received(protocol.EventMessageDeleted))

	aliceView, err := f.svc.Fetch(ctx, 1, protocol.DirectKey(1, 2), 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{m2.ID}, []int64{aliceView[0].ID})
}

func TestDeleteConversationForEveryone(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	m1, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 2, Content: "one"})
	require.NoError(t, err)
	m2, err := f.svc.Send(ctx, 2, SendRequest{RecipientID: 1, Content: "two"})
	require.NoError(t, err)
	other, err := f.svc.Send(ctx, 1, SendRequest{RecipientID: 3, Content: "elsewhere"})
	require.NoError(t, err)

	ids, err := f.svc.DeleteConversation(ctx, protocol.DirectKey(1, 2), 2, ScopeEveryone)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{m1.ID, m2.ID}, ids)

	frames := f.alice.received(protocol.EventConversationDeleted)
	require.Len(t, frames, 1)
	var cd protocol.ConversationDeleted
	require.NoError(t, frames[0].Bind(&cd))
	assert.ElementsMatch(t, []int64{m1.ID, m2.ID}, cd.MessageIDs)
	assert.Empty(t, f.bob.received(protocol.EventConversationDeleted))

	left, err := f.svc.Fetch(ctx, 1, protocol.DirectKey(1, 3), 0)
	require.NoError(t, err)
	assert.Equal(t, other.ID, left[0].ID)

	again, err := f.svc.DeleteConversation(ctx, protocol.DirectKey(1, 2), 2, ScopeEveryone)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDeleteGroupConversationRequiresAdmin(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()
	f.store.addGroup(5, 1, 2, 3)

	_, err := f.svc.Send(ctx, 2, SendRequest{GroupID: 5, Content: "hi"})
	require.NoError(t, err)

	_, err = f.svc.DeleteConversation(ctx, protocol.GroupKey(5), 2, ScopeEveryone)
	assert.ErrorIs(t, err, ErrForbidden)

	ids, err := f.svc.DeleteConversation(ctx, protocol.GroupKey(5), 1, ScopeEveryone)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
	assert.Len(t, f.bob.received(protocol.EventConversationDeleted), 1)
	assert.Len(t, f.carol.received(protocol.EventConversationDeleted), 1)
	assert.Empty(t, f.alice.received(protocol.EventConversationDeleted))
}

func TestTypingAuthorization(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	f.store.addGroup(5, 1, 2)

	assert.ErrorIs(t, f.svc.Typing(f.carol, protocol.DirectKey(1, 2), true), ErrForbidden)
	assert.ErrorIs(t, f.svc.Typing(f.alice, protocol.GroupKey(5), true), ErrForbidden)

	require.NoError(t, f.svc.Typing(f.alice, protocol.DirectKey(1, 2), true))
	assert.Len(t, f.bob.received(protocol.EventUserTyping), 1)

	require.NoError(t, f.svc.JoinGroupChannel(context.Background(), f.alice, 5))
	require.NoError(t, f.svc.Typing(f.alice, protocol.GroupKey(5), false))
}

func TestGroups(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateGroup(ctx, 1, CreateGroupRequest{Name: " ", MemberIDs: []int64{2}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	g, err := f.svc.CreateGroup(ctx, 1, CreateGroupRequest{Name: "team", MemberIDs: []int64{2, 2, 1}})
	require.NoError(t, err)
	require.Len(t, g.Members, 2)
	assert.Equal(t, RoleAdmin, g.Members[0].Role)
	assert.Equal(t, int64(1), g.AdminID)

	mine, err := f.svc.ListGroups(ctx, 2)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	none, err := f.svc.ListGroups(ctx, 3)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = f.svc.GetGroup(ctx, g.ID, 3)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetGroup(ctx, 12345, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
