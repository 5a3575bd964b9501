package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-chat-sync/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second

	// typingIdle is how long after the last keystroke the session reports
	// that the user stopped typing.
	typingIdle = time.Second
)

// Options tune a Session. Zero values pick defaults.
type Options struct {
	HistoryLimit int
	TypingTTL    time.Duration
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
}

// Session is one logged-in user's live connection: it drives a Reconciler
// and a PresenceView from the socket and uses the API for history and
// mutations.
type Session struct {
	api      *API
	self     int64
	conn     *websocket.Conn
	log      *zap.Logger
	limit    int
	Messages *Reconciler
	Presence *PresenceView

	writeMu sync.Mutex

	// groupMu serializes channel switches so leave/join frames go out in
	// the order the state changed.
	groupMu sync.Mutex
	group   int64 // group channel joined for the current selection

	mu          sync.Mutex
	typing      bool
	typingTimer *time.Timer

	done chan struct{}
}

// Connect opens the socket for an authenticated API and sends join. Run must
// be called to start processing events.
func Connect(ctx context.Context, api *API, self int64, opts Options) (*Session, error) {
	if api.Token() == "" {
		return nil, errors.New("api has no token, log in first")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	conn, resp, err := dialer.DialContext(ctx, api.SocketURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	resp.Body.Close()

	s := &Session{
		api:      api,
		self:     self,
		conn:     conn,
		log:      log.With(zap.Int64("user_id", self)),
		limit:    opts.HistoryLimit,
		Messages: NewReconciler(self),
		Presence: NewPresenceView(opts.TypingTTL),
		done:     make(chan struct{}),
	}
	if err := s.emit(protocol.EventJoin, protocol.JoinPayload{UserID: self}); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) Self() int64 { return s.self }

func (s *Session) API() *API { return s.api }

// Run reads events until the connection closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		frames, err := protocol.DecodeBatch(raw)
		for _, f := range frames {
			s.Handle(f)
		}
		if err != nil {
			s.log.Warn("malformed frame from server", zap.Error(err))
		}
	}
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Handle applies one server event to the local state.
func (s *Session) Handle(f protocol.Frame) {
	var err error
	switch f.Type {
	case protocol.EventPresenceSnapshot:
		var p protocol.PresenceSnapshot
		if err = f.Bind(&p); err == nil {
			s.Presence.ApplySnapshot(p.UserIDs)
		}
	case protocol.EventUserOnline, protocol.EventUserOffline:
		var p protocol.UserPresence
		if err = f.Bind(&p); err == nil {
			if f.Type == protocol.EventUserOnline {
				s.Presence.SetOnline(p.UserID)
			} else {
				s.Presence.SetOffline(p.UserID)
			}
		}
	case protocol.EventUserTyping:
		var p protocol.UserTyping
		if err = f.Bind(&p); err == nil {
			s.Presence.ApplyTyping(p)
		}
	case protocol.EventNewMessage:
		var m protocol.Message
		if err = f.Bind(&m); err == nil {
			s.Messages.ApplyNewMessage(m)
		}
	case protocol.EventMessageRead:
		var p protocol.MessageRead
		if err = f.Bind(&p); err == nil {
			s.Messages.ApplyRead(p)
		}
	case protocol.EventMessageDeleted:
		var p protocol.MessageDeleted
		if err = f.Bind(&p); err == nil {
			s.Messages.ApplyMessageDeleted(p)
		}
	case protocol.EventConversationDeleted:
		var p protocol.ConversationDeleted
		if err = f.Bind(&p); err == nil {
			s.Messages.ApplyConversationDeleted(p)
		}
	case protocol.EventJoinedGroup, protocol.EventLeftGroup:
		s.log.Debug("group channel", zap.String("event", f.Type))
	case protocol.EventError:
		var p protocol.ErrorPayload
		if err = f.Bind(&p); err == nil {
			s.log.Warn("server rejected event", zap.String("code", p.Code), zap.String("message", p.Message))
		}
	default:
		s.log.Debug("ignoring event", zap.String("event", f.Type))
	}
	if err != nil {
		s.log.Warn("bad event payload", zap.String("event", f.Type), zap.Error(err))
	}
}

// Select opens key: the window is emptied before anything goes over the
// network, the group channel follows the selection, and the history fetch
// completes the switch unless another selection overtook it. A failed fetch
// leaves an empty live window; its error is returned for reporting only.
func (s *Session) Select(ctx context.Context, key protocol.ConversationKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.stopTyping()
	ticket := s.Messages.Select(key)

	if err := s.switchGroupChannel(); err != nil {
		s.log.Warn("switch group channel", zap.Error(err))
	}

	msgs, err := s.api.Fetch(ctx, key, s.limit)
	if !s.Messages.Resolve(ticket, msgs, err) {
		s.log.Debug("discarded stale fetch", zap.Stringer("conversation", key))
		return nil
	}
	if err != nil {
		s.log.Warn("history fetch failed", zap.Stringer("conversation", key), zap.Error(err))
		return err
	}
	return nil
}

// switchGroupChannel moves the joined group channel to match the current
// selection. Concurrent callers converge on the latest selection.
func (s *Session) switchGroupChannel() error {
	s.groupMu.Lock()
	defer s.groupMu.Unlock()

	next := int64(0)
	if key := s.Messages.Selected(); key.IsGroup() {
		next = key.GroupID
	}
	if s.group == next {
		return nil
	}
	if s.group != 0 {
		if err := s.emit(protocol.EventLeaveGroup, protocol.GroupPayload{GroupID: s.group}); err != nil {
			return err
		}
		s.group = 0
	}
	if next != 0 {
		if err := s.emit(protocol.EventJoinGroup, protocol.GroupPayload{GroupID: next}); err != nil {
			return err
		}
		s.group = next
	}
	return nil
}

// Send posts content to the open conversation. The message shows up in the
// window through the live echo, never from this call.
func (s *Session) Send(ctx context.Context, content string) (*protocol.Message, error) {
	key := s.Messages.Selected()
	if key.IsZero() {
		return nil, errors.New("no conversation selected")
	}
	req := SendRequest{Content: content}
	if key.IsGroup() {
		req.GroupID = key.GroupID
	} else {
		req.RecipientID = key.Peer(s.self)
	}
	s.stopTyping()
	return s.api.Send(ctx, req)
}

// Typing reports a keystroke in the open conversation. The first call sends
// typing=true; typing=false follows once keystrokes stop for a second.
func (s *Session) Typing() error {
	key := s.Messages.Selected()
	if key.IsZero() {
		return nil
	}
	s.mu.Lock()
	wasTyping := s.typing
	s.typing = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(typingIdle, s.stopTyping)
	s.mu.Unlock()

	if wasTyping {
		return nil
	}
	return s.emit(protocol.EventTyping, protocol.TypingPayload{Conversation: key, IsTyping: true})
}

func (s *Session) stopTyping() {
	s.mu.Lock()
	wasTyping := s.typing
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	key := s.Messages.Selected()
	if !wasTyping || key.IsZero() {
		return
	}
	if err := s.emit(protocol.EventTyping, protocol.TypingPayload{Conversation: key, IsTyping: false}); err != nil {
		s.log.Debug("send typing stop", zap.Error(err))
	}
}

// MarkRead acknowledges a message over the socket.
func (s *Session) MarkRead(messageID int64) error {
	return s.emit(protocol.EventMessageRead, protocol.ReadReceiptPayload{MessageID: messageID})
}

// DeleteMessage deletes through the API and applies the result locally; the
// server does not echo deletes back to the deleter.
func (s *Session) DeleteMessage(ctx context.Context, messageID int64, scope string) error {
	if err := s.api.DeleteMessage(ctx, messageID, scope); err != nil {
		return err
	}
	s.Messages.Remove(messageID)
	return nil
}

func (s *Session) DeleteConversation(ctx context.Context, scope string) error {
	key := s.Messages.Selected()
	if key.IsZero() {
		return errors.New("no conversation selected")
	}
	ids, err := s.api.DeleteConversation(ctx, key, scope)
	if err != nil {
		return err
	}
	if s.Messages.Selected() == key {
		s.Messages.Remove(ids...)
	}
	return nil
}

// RequestPresence asks the server for a fresh presence snapshot.
func (s *Session) RequestPresence() error {
	return s.emit(protocol.EventGetOnlineUsers, nil)
}

func (s *Session) emit(eventType string, payload any) error {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close says goodbye and closes the socket.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.mu.Unlock()
	s.Presence.Close()

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.writeMu.Unlock()
	return s.conn.Close()
}
