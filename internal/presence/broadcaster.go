package presence

import (
	"go-chat-sync/internal/metrics"
	"go-chat-sync/internal/protocol"

	"go.uber.org/zap"
)

// Broadcaster publishes the presence set. On every transition it tells the
// other connections about the changed user and then sends the full set to
// every connection, so a client that missed a delta still converges on the
// next broadcast.
type Broadcaster struct {
	registry *Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewBroadcaster subscribes the broadcaster to reg's transitions.
func NewBroadcaster(reg *Registry, log *zap.Logger, m *metrics.Metrics) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = reg.metrics
	}
	b := &Broadcaster{registry: reg, log: log, metrics: m}
	reg.AddListener(b)
	return b
}

// Snapshot returns the presence set as of the call.
func (b *Broadcaster) Snapshot() []int64 {
	return b.registry.Online()
}

// SendSnapshot answers an explicit pull from a single connection.
func (b *Broadcaster) SendSnapshot(c Conn) bool {
	frame, err := protocol.Encode(protocol.EventPresenceSnapshot, protocol.PresenceSnapshot{UserIDs: b.Snapshot()})
	if err != nil {
		b.log.Error("encode presence snapshot", zap.Error(err))
		return false
	}
	return b.deliver(c, protocol.EventPresenceSnapshot, frame)
}

func (b *Broadcaster) OnTransition(tr Transition) {
	deltaType := protocol.EventUserOffline
	if tr.Online {
		deltaType = protocol.EventUserOnline
	}
	delta, err := protocol.Encode(deltaType, protocol.UserPresence{UserID: tr.UserID})
	if err != nil {
		b.log.Error("encode presence delta", zap.Error(err))
		return
	}
	snapshot, err := protocol.Encode(protocol.EventPresenceSnapshot, protocol.PresenceSnapshot{UserIDs: tr.Present})
	if err != nil {
		b.log.Error("encode presence snapshot", zap.Error(err))
		return
	}

	for _, c := range tr.Conns {
		if c.UserID() != tr.UserID {
			b.deliver(c, deltaType, delta)
		}
		b.deliver(c, protocol.EventPresenceSnapshot, snapshot)
	}
	b.log.Debug("presence broadcast",
		zap.Int64("user_id", tr.UserID),
		zap.Bool("online", tr.Online),
		zap.Int("connections", len(tr.Conns)))
}

func (b *Broadcaster) deliver(c Conn, eventType string, frame []byte) bool {
	if c.Deliver(frame) {
		b.metrics.EventsDelivered.WithLabelValues(eventType).Inc()
		return true
	}
	b.metrics.EventsDropped.WithLabelValues(eventType, "buffer_full").Inc()
	return false
}
