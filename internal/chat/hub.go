package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go-chat-sync/internal/metrics"
	"go-chat-sync/internal/presence"
	"go-chat-sync/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HubConfig tunes the per-connection transport.
type HubConfig struct {
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      rate.Limit
	RateBurst      int
	StoreTimeout   time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Hub owns every live socket on this process. It turns inbound frames into
// registry, router and service calls; it never writes to a socket itself.
type Hub struct {
	registry    *presence.Registry
	broadcaster *presence.Broadcaster
	router      *Router
	service     *Service

	cfg      HubConfig
	upgrader websocket.Upgrader
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[*Client]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewHub(reg *presence.Registry, b *presence.Broadcaster, router *Router, svc *Service, cfg HubConfig, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	h := &Hub{
		registry:    reg,
		broadcaster: b,
		router:      router,
		service:     svc,
		cfg:         cfg.withDefaults(),
		log:         log,
		metrics:     m,
		clients:     make(map[*Client]struct{}),
	}
	origins := newOriginPolicy(h.cfg.AllowedOrigins, log)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}
	return h
}

// Upgrade turns an authenticated request into a live client and starts its
// pumps. The client is not in the registry until it sends join.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID int64, username string) error {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return errors.New("hub is shutting down")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := newClient(h, conn, userID, username)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.Close()
		return errors.New("hub is shutting down")
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	c.log.Debug("socket attached")
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
	return nil
}

// detach runs once per client when its read pump exits.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.router.Detach(c)
	h.registry.Unregister(c)
	c.closeSend()
	c.log.Debug("socket detached")
}

func (h *Hub) handleRaw(c *Client, raw []byte) {
	frames, err := protocol.DecodeBatch(raw)
	for _, f := range frames {
		// The limiter is charged per event, batched or not.
		if !c.limiter.Allow() {
			h.metrics.EventsDropped.WithLabelValues("inbound", "rate_limited").Inc()
			h.replyError(c, "rate_limited", "too many events, "+f.Type+" discarded")
			continue
		}
		h.Dispatch(c, f)
	}
	if err != nil {
		h.replyError(c, "bad_request", err.Error())
	}
}

// Dispatch handles one inbound frame from c.
func (h *Hub) Dispatch(c *Client, f protocol.Frame) {
	if f.Type != protocol.EventJoin && !h.registry.Has(c) {
		h.replyError(c, "not_joined", "send join before "+f.Type)
		return
	}

	var err error
	switch f.Type {
	case protocol.EventJoin:
		err = h.handleJoin(c, f)
	case protocol.EventGetOnlineUsers:
		h.broadcaster.SendSnapshot(c)
	case protocol.EventJoinGroup:
		err = h.handleJoinGroup(c, f)
	case protocol.EventLeaveGroup:
		err = h.handleLeaveGroup(c, f)
	case protocol.EventTyping:
		var p protocol.TypingPayload
		if err = bind(f, &p); err == nil {
			err = h.service.Typing(c, p.Conversation, p.IsTyping)
		}
	case protocol.EventMessageRead:
		err = h.handleRead(c, f)
	default:
		h.replyError(c, "unknown_event", "unknown event "+f.Type)
		return
	}
	if err != nil {
		c.log.Debug("event rejected", zap.String("event", f.Type), zap.Error(err))
		h.replyError(c, errorCode(err), err.Error())
	}
}

func (h *Hub) handleJoin(c *Client, f protocol.Frame) error {
	var p protocol.JoinPayload
	if len(f.Data) > 0 {
		if err := bind(f, &p); err != nil {
			return err
		}
	}
	// The token decides who the socket belongs to; a payload id is only
	// accepted when it agrees.
	if p.UserID != 0 && p.UserID != c.userID {
		return ErrForbidden
	}
	if h.registry.Register(c.userID, c) {
		c.log.Info("user joined")
	}
	h.broadcaster.SendSnapshot(c)
	return nil
}

func (h *Hub) handleJoinGroup(c *Client, f protocol.Frame) error {
	var p protocol.GroupPayload
	if err := bind(f, &p); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.service.JoinGroupChannel(ctx, c, p.GroupID); err != nil {
		return err
	}
	h.reply(c, protocol.EventJoinedGroup, p)
	return nil
}

func (h *Hub) handleLeaveGroup(c *Client, f protocol.Frame) error {
	var p protocol.GroupPayload
	if err := bind(f, &p); err != nil {
		return err
	}
	h.service.LeaveGroupChannel(c, p.GroupID)
	h.reply(c, protocol.EventLeftGroup, p)
	return nil
}

func (h *Hub) handleRead(c *Client, f protocol.Frame) error {
	var p protocol.ReadReceiptPayload
	if err := bind(f, &p); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreTimeout)
	defer cancel()
	return h.service.MarkRead(ctx, p.MessageID, c.userID)
}

func bind(f protocol.Frame, v any) error {
	if err := f.Bind(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (h *Hub) reply(c *Client, eventType string, payload any) {
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		h.log.Error("encode reply", zap.String("event", eventType), zap.Error(err))
		return
	}
	if !c.Deliver(frame) {
		h.metrics.EventsDropped.WithLabelValues(eventType, "buffer_full").Inc()
	}
}

func (h *Hub) replyError(c *Client, code, msg string) {
	h.reply(c, protocol.EventError, protocol.ErrorPayload{Code: code, Message: msg})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput):
		return "bad_request"
	}
	return "internal"
}

// ClientCount reports attached sockets, joined or not.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every socket and waits for the pumps to exit, or for
// timeout. Each closed socket is unregistered through the normal detach path.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.log.Info("closing client connections", zap.Int("count", len(clients)))
	for _, c := range clients {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("close failed", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
