package chat

import (
	"sync"

	"go-chat-sync/internal/metrics"
	"go-chat-sync/internal/presence"
	"go-chat-sync/internal/protocol"

	"go.uber.org/zap"
)

// ReadReceipt is a persisted read, ready to be routed to the message sender.
type ReadReceipt struct {
	Message protocol.Message
	Reader  int64
	Receipt protocol.Receipt
}

// Deletion describes messages removed for everyone but the deleter. Single
// selects messageDeleted over conversationDeleted on the wire.
type Deletion struct {
	Conversation protocol.ConversationKey
	MessageIDs   []int64
	DeletedBy    int64
	Audience     []int64
	Single       bool
}

// Router decides which connections receive an event and queues it on them.
// Targets without a live connection are skipped silently: nothing is retried
// or buffered for later.
type Router struct {
	registry *presence.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	channels map[int64]map[string]presence.Conn // group id -> joined connections
	joined   map[string]map[int64]struct{}      // conn id -> group ids
}

func NewRouter(reg *presence.Registry, log *zap.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		registry: reg,
		log:      log,
		metrics:  m,
		channels: make(map[int64]map[string]presence.Conn),
		joined:   make(map[string]map[int64]struct{}),
	}
}

// JoinGroup subscribes c to the live channel of groupID. Membership must have
// been checked by the caller.
func (r *Router) JoinGroup(c presence.Conn, groupID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := r.channels[groupID]
	if ch == nil {
		ch = make(map[string]presence.Conn)
		r.channels[groupID] = ch
	}
	ch[c.ID()] = c

	groups := r.joined[c.ID()]
	if groups == nil {
		groups = make(map[int64]struct{})
		r.joined[c.ID()] = groups
	}
	groups[groupID] = struct{}{}
	r.metrics.GroupChannels.Set(float64(len(r.channels)))
}

func (r *Router) LeaveGroup(c presence.Conn, groupID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(c.ID(), groupID)
	r.metrics.GroupChannels.Set(float64(len(r.channels)))
}

// Detach drops every channel subscription held by c. Called on disconnect.
func (r *Router) Detach(c presence.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for groupID := range r.joined[c.ID()] {
		r.leaveLocked(c.ID(), groupID)
	}
	delete(r.joined, c.ID())
	r.metrics.GroupChannels.Set(float64(len(r.channels)))
}

func (r *Router) leaveLocked(connID string, groupID int64) {
	if ch := r.channels[groupID]; ch != nil {
		delete(ch, connID)
		if len(ch) == 0 {
			delete(r.channels, groupID)
		}
	}
	if groups := r.joined[connID]; groups != nil {
		delete(groups, groupID)
		if len(groups) == 0 {
			delete(r.joined, connID)
		}
	}
}

func (r *Router) InGroup(c presence.Conn, groupID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[groupID][c.ID()]
	return ok
}

func (r *Router) channelConns(groupID int64) []presence.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch := r.channels[groupID]
	out := make([]presence.Conn, 0, len(ch))
	for _, c := range ch {
		out = append(out, c)
	}
	return out
}

// RouteMessage delivers a newly stored message. Direct messages go to every
// connection of both participants, the sender included, so the live stream
// is the only way a client learns about a new message. Group messages go to
// the connections that joined the group channel.
func (r *Router) RouteMessage(msg protocol.Message) int {
	var targets []presence.Conn
	if msg.Conversation.IsGroup() {
		targets = r.channelConns(msg.Conversation.GroupID)
	} else {
		targets = r.userConns(msg.Conversation.UserA, msg.Conversation.UserB)
	}
	return r.send(protocol.EventNewMessage, msg, targets)
}

// RouteTyping tells the other side that from is typing. Direct typing goes
// to the peer only; group typing goes to the channel minus the typist.
func (r *Router) RouteTyping(from int64, key protocol.ConversationKey, isTyping bool) int {
	var targets []presence.Conn
	switch {
	case key.IsDirect():
		peer := key.Peer(from)
		if peer == from {
			return 0
		}
		targets = r.userConns(peer)
	case key.IsGroup():
		targets = excludeUser(r.channelConns(key.GroupID), from)
	}
	return r.send(protocol.EventUserTyping, protocol.UserTyping{
		UserID:       from,
		Conversation: key,
		IsTyping:     isTyping,
	}, targets)
}

// RouteReadReceipt notifies the message sender. A reader acknowledging their
// own message produces no event.
func (r *Router) RouteReadReceipt(rr ReadReceipt) int {
	if rr.Reader == rr.Message.SenderID {
		return 0
	}
	return r.send(protocol.EventMessageRead, protocol.MessageRead{
		MessageID:    rr.Message.ID,
		Conversation: rr.Message.Conversation,
		ReadBy:       rr.Reader,
		ReadAt:       rr.Receipt.ReadAt,
	}, r.userConns(rr.Message.SenderID))
}

// RouteDeletion tells every member of the audience except the deleter, who
// already applied the change locally.
func (r *Router) RouteDeletion(d Deletion) int {
	if len(d.MessageIDs) == 0 {
		return 0
	}
	audience := make([]int64, 0, len(d.Audience))
	for _, id := range d.Audience {
		if id != d.DeletedBy {
			audience = append(audience, id)
		}
	}
	targets := r.userConns(audience...)
	if d.Single {
		return r.send(protocol.EventMessageDeleted, protocol.MessageDeleted{
			MessageID:    d.MessageIDs[0],
			Conversation: d.Conversation,
			DeletedBy:    d.DeletedBy,
		}, targets)
	}
	return r.send(protocol.EventConversationDeleted, protocol.ConversationDeleted{
		Conversation: d.Conversation,
		MessageIDs:   d.MessageIDs,
		DeletedBy:    d.DeletedBy,
	}, targets)
}

// userConns collects the connections of the given users, once each.
func (r *Router) userConns(userIDs ...int64) []presence.Conn {
	seen := make(map[int64]struct{}, len(userIDs))
	var out []presence.Conn
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, r.registry.ConnectionsFor(id)...)
	}
	return out
}

func excludeUser(conns []presence.Conn, userID int64) []presence.Conn {
	out := conns[:0]
	for _, c := range conns {
		if c.UserID() != userID {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) send(eventType string, payload any, targets []presence.Conn) int {
	if len(targets) == 0 {
		r.metrics.EventsDropped.WithLabelValues(eventType, "unreachable").Inc()
		return 0
	}
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		r.log.Error("encode event", zap.String("event", eventType), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, c := range targets {
		if c.Deliver(frame) {
			delivered++
			r.metrics.EventsDelivered.WithLabelValues(eventType).Inc()
			continue
		}
		r.metrics.EventsDropped.WithLabelValues(eventType, "buffer_full").Inc()
		r.log.Warn("dropped event for slow connection",
			zap.String("event", eventType),
			zap.String("conn_id", c.ID()),
			zap.Int64("user_id", c.UserID()))
	}
	return delivered
}
