package chat

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	myMiddleware "go-chat-sync/internal/middleware"
	"go-chat-sync/internal/presence"
	"go-chat-sync/internal/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandlerServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := newMemStore("alice", "bob", "carol")
	store.addGroup(7, 1, 2)

	reg := presence.NewRegistry(nil, nil)
	router := NewRouter(reg, nil, nil)
	svc := NewService(store, router, 50, nil)
	hub := NewHub(reg, presence.NewBroadcaster(reg, nil, nil), router, svc, HubConfig{}, nil, nil)

	r := chi.NewRouter()
	r.Use(myMiddleware.NewAuthMiddleware(tokenIsUserID{}).Handle)
	NewHandler(hub, svc, nil).Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// call performs an authenticated request as userID and returns the status
// and body.
func call(t *testing.T, srv *httptest.Server, userID int64, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+strconv.FormatInt(userID, 10))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func sendDirect(t *testing.T, srv *httptest.Server, from, to int64, content string) protocol.Message {
	t.Helper()
	status, body := call(t, srv, from, http.MethodPost, "/api/messages/send", SendRequest{RecipientID: to, Content: content})
	require.Equal(t, http.StatusCreated, status, string(body))
	var m protocol.Message
	require.NoError(t, json.Unmarshal(body, &m))
	return m
}

func TestHandlerRequiresAuth(t *testing.T) {
	t.Parallel()
	srv := newHandlerServer(t)

	status, _ := call(t, srv, 0, http.MethodGet, "/api/messages/unread/count", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHandlerSendAndHistory(t *testing.T) {
	t.Parallel()
	srv := newHandlerServer(t)

	m := sendDirect(t, srv, 1, 2, "hi bob")
	assert.Equal(t, protocol.DirectKey(1, 2), m.Conversation)
	assert.Equal(t, protocol.MessageText, m.Type)

	status, body := call(t, srv, 2, http.MethodGet, "/api/messages?conversation=direct:1:2", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []protocol.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, m.ID, msgs[0].ID)

	cases := []struct {
		name   string
		user   int64
		method string
		path   string
		body   any
		want   int
	}{
		{"empty content", 1, http.MethodPost, "/api/messages/send", SendRequest{RecipientID: 2, Content: "  "}, http.StatusBadRequest},
		{"unknown recipient", 1, http.MethodPost, "/api/messages/send", SendRequest{RecipientID: 99, Content: "x"}, http.StatusNotFound},
		{"not a group member", 3, http.MethodPost, "/api/messages/send", SendRequest{GroupID: 7, Content: "x"}, http.StatusForbidden},
		{"bad conversation key", 1, http.MethodGet, "/api/messages?conversation=nope", nil, http.StatusBadRequest},
		{"bad limit", 1, http.MethodGet, "/api/messages?conversation=direct:1:2&limit=abc", nil, http.StatusBadRequest},
		{"foreign conversation", 3, http.MethodGet, "/api/messages?conversation=direct:1:2", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		status, body := call(t, srv, tc.user, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.want, status, "%s: %s", tc.name, body)
	}
}

func TestHandlerReadAndUnread(t *testing.T) {
	t.Parallel()
	srv := newHandlerServer(t)
	m := sendDirect(t, srv, 1, 2, "read me")
	readPath := "/api/messages/read/" + strconv.FormatInt(m.ID, 10)

	unread := func() int {
		status, body := call(t, srv, 2, http.MethodGet, "/api/messages/unread/count", nil)
		require.Equal(t, http.StatusOK, status)
		var res UnreadCount
		require.NoError(t, json.Unmarshal(body, &res))
		return res.UnreadCount
	}
	assert.Equal(t, 1, unread())

	status, _ := call(t, srv, 1, http.MethodPut, readPath, nil)
	assert.Equal(t, http.StatusForbidden, status, "sender cannot mark own message read")

	status, _ = call(t, srv, 2, http.MethodPut, readPath, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Zero(t, unread())

	status, _ = call(t, srv, 2, http.MethodPut, "/api/messages/read/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = call(t, srv, 2, http.MethodPut, "/api/messages/read/999", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandlerDeleteScopes(t *testing.T) {
	t.Parallel()
	srv := newHandlerServer(t)
	m1 := sendDirect(t, srv, 1, 2, "one")
	m2 := sendDirect(t, srv, 1, 2, "two")
	path := "/api/messages/" + strconv.FormatInt(m1.ID, 10)

	status, _ := call(t, srv, 2, http.MethodDelete, path+"?scope=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, srv, 2, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusForbidden, status, "only the sender deletes for everyone")

	status, _ = call(t, srv, 2, http.MethodDelete, path+"?scope=me", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := call(t, srv, 2, http.MethodGet, "/api/messages?conversation=direct:1:2", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []protocol.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, m2.ID, msgs[0].ID)

	status, body = call(t, srv, 1, http.MethodDelete, "/api/messages/conversation/direct:1:2?scope=everyone", nil)
	require.Equal(t, http.StatusOK, status)
	var res protocol.ConversationDeleted
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, protocol.DirectKey(1, 2), res.Conversation)
	assert.ElementsMatch(t, []int64{m1.ID, m2.ID}, res.MessageIDs)
	assert.Equal(t, int64(1), res.DeletedBy)

	status, _ = call(t, srv, 3, http.MethodDelete, "/api/messages/conversation/direct:1:2", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = call(t, srv, 1, http.MethodDelete, "/api/messages/conversation/garbage", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandlerGroups(t *testing.T) {
	t.Parallel()
	srv := newHandlerServer(t)

	status, _ := call(t, srv, 1, http.MethodPost, "/api/groups", CreateGroupRequest{MemberIDs: []int64{2}})
	assert.Equal(t, http.StatusBadRequest, status, "name is required")

	status, body := call(t, srv, 1, http.MethodPost, "/api/groups", CreateGroupRequest{Name: "team", MemberIDs: []int64{2}})
	require.Equal(t, http.StatusCreated, status, string(body))
	var g Group
	require.NoError(t, json.Unmarshal(body, &g))
	assert.Equal(t, int64(1), g.AdminID)
	groupPath := "/api/groups/" + strconv.FormatInt(g.ID, 10)

	status, body = call(t, srv, 2, http.MethodGet, "/api/groups", nil)
	require.Equal(t, http.StatusOK, status)
	var groups []Group
	require.NoError(t, json.Unmarshal(body, &groups))
	ids := make([]int64, len(groups))
	for i, gr := range groups {
		ids[i] = gr.ID
	}
	assert.ElementsMatch(t, []int64{7, g.ID}, ids)

	status, _ = call(t, srv, 2, http.MethodGet, groupPath, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = call(t, srv, 3, http.MethodGet, groupPath, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = call(t, srv, 1, http.MethodGet, "/api/groups/999", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = call(t, srv, 1, http.MethodGet, "/api/groups/x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestParseDeleteScope(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DeleteScope{"": ScopeEveryone, "everyone": ScopeEveryone, "me": ScopeMe} {
		got, err := ParseDeleteScope(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDeleteScope("all")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
