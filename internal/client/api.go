package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-chat-sync/internal/protocol"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResult struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
}

type UserStatus struct {
	ID       int64      `json:"id"`
	Username string     `json:"username"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type SendRequest struct {
	RecipientID int64                `json:"recipient_id,omitempty"`
	GroupID     int64                `json:"group_id,omitempty"`
	Content     string               `json:"content"`
	MessageType protocol.MessageType `json:"message_type,omitempty"`
}

// API is a thin client for the REST side of the server.
type API struct {
	base  string
	http  *http.Client
	token string
}

func NewAPI(baseURL string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// WithToken returns a copy of a authenticated with token.
func (a *API) WithToken(token string) *API {
	cp := *a
	cp.token = token
	return &cp
}

func (a *API) Token() string { return a.token }

// SocketURL is the websocket endpoint for the current token.
func (a *API) SocketURL() string {
	u := a.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?token=" + url.QueryEscape(a.token)
}

func (a *API) Register(ctx context.Context, creds Credentials) error {
	return a.do(ctx, http.MethodPost, "/register", creds, nil)
}

// Login authenticates and stores the token on a.
func (a *API) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	var res LoginResult
	if err := a.do(ctx, http.MethodPost, "/login", creds, &res); err != nil {
		return nil, err
	}
	a.token = res.AccessToken
	return &res, nil
}

func (a *API) Users(ctx context.Context) ([]UserStatus, error) {
	var users []UserStatus
	err := a.do(ctx, http.MethodGet, "/api/users", nil, &users)
	return users, err
}

func (a *API) Send(ctx context.Context, req SendRequest) (*protocol.Message, error) {
	var msg protocol.Message
	if err := a.do(ctx, http.MethodPost, "/api/messages/send", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (a *API) Fetch(ctx context.Context, key protocol.ConversationKey, limit int) ([]protocol.Message, error) {
	q := url.Values{"conversation": {key.String()}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []protocol.Message
	err := a.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &msgs)
	return msgs, err
}

func (a *API) MarkRead(ctx context.Context, messageID int64) error {
	return a.do(ctx, http.MethodPut, "/api/messages/read/"+strconv.FormatInt(messageID, 10), nil, nil)
}

func (a *API) UnreadCount(ctx context.Context) (int, error) {
	var res struct {
		UnreadCount int `json:"unread_count"`
	}
	err := a.do(ctx, http.MethodGet, "/api/messages/unread/count", nil, &res)
	return res.UnreadCount, err
}

func (a *API) DeleteMessage(ctx context.Context, messageID int64, scope string) error {
	path := "/api/messages/" + strconv.FormatInt(messageID, 10) + "?scope=" + url.QueryEscape(scope)
	return a.do(ctx, http.MethodDelete, path, nil, nil)
}

func (a *API) DeleteConversation(ctx context.Context, key protocol.ConversationKey, scope string) ([]int64, error) {
	path := "/api/messages/conversation/" + url.PathEscape(key.String()) + "?scope=" + url.QueryEscape(scope)
	var res protocol.ConversationDeleted
	if err := a.do(ctx, http.MethodDelete, path, nil, &res); err != nil {
		return nil, err
	}
	return res.MessageIDs, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
