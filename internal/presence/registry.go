// Package presence tracks which users are reachable over a persistent
// connection and publishes the online set whenever it changes.
package presence

import (
	"sort"
	"sync"

	"go-chat-sync/internal/metrics"

	"go.uber.org/zap"
)

// Conn is a live persistent connection as seen by the registry. Deliver must
// not block: it queues the frame or reports false.
type Conn interface {
	ID() string
	UserID() int64
	Deliver(frame []byte) bool
}

// Transition describes a user going online or offline. Present and Conns are
// captured in the same critical section as the change, so listeners see the
// registry exactly as it was right after the transition.
type Transition struct {
	UserID  int64
	Online  bool
	Present []int64
	Conns   []Conn
}

// TransitionListener is invoked synchronously, while the registry write lock
// is held. Implementations must not call back into the registry and must not
// perform blocking I/O.
type TransitionListener interface {
	OnTransition(tr Transition)
}

type registration struct {
	userID int64
	conn   Conn
}

// Registry maps users to their set of live connections. A user is online iff
// the set is non-empty.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[int64]map[string]Conn
	byConn    map[string]registration
	listeners []TransitionListener

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRegistry(log *zap.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		byUser:  make(map[int64]map[string]Conn),
		byConn:  make(map[string]registration),
		log:     log,
		metrics: m,
	}
}

func (r *Registry) AddListener(l TransitionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register adds c under userID. It returns false if c is already registered.
func (r *Registry) Register(userID int64, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[c.ID()]; exists {
		return false
	}

	conns := r.byUser[userID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}
	conns[c.ID()] = c
	r.byConn[c.ID()] = registration{userID: userID, conn: c}

	r.metrics.ConnectionsActive.Set(float64(len(r.byConn)))
	r.log.Debug("connection registered",
		zap.Int64("user_id", userID),
		zap.String("conn_id", c.ID()),
		zap.Int("user_conns", len(conns)))

	if first {
		r.transitionLocked(userID, true)
	}
	return true
}

// Unregister removes c. Unknown connections are ignored so late or duplicate
// disconnect signals are harmless.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byConn[c.ID()]
	if !ok {
		return
	}
	delete(r.byConn, c.ID())

	userID := reg.userID
	conns := r.byUser[userID]
	delete(conns, c.ID())

	r.metrics.ConnectionsActive.Set(float64(len(r.byConn)))
	r.log.Debug("connection unregistered",
		zap.Int64("user_id", userID),
		zap.String("conn_id", c.ID()),
		zap.Int("user_conns", len(conns)))

	if len(conns) == 0 {
		delete(r.byUser, userID)
		r.transitionLocked(userID, false)
	}
}

func (r *Registry) transitionLocked(userID int64, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	r.metrics.Transitions.WithLabelValues(state).Inc()
	r.metrics.UsersOnline.Set(float64(len(r.byUser)))
	r.log.Info("presence transition", zap.Int64("user_id", userID), zap.String("state", state))

	if len(r.listeners) == 0 {
		return
	}
	tr := Transition{
		UserID:  userID,
		Online:  online,
		Present: r.onlineLocked(),
		Conns:   r.allLocked(),
	}
	for _, l := range r.listeners {
		l.OnTransition(tr)
	}
}

// ConnectionsFor returns a snapshot of the user's connections.
func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Has reports whether c is currently registered.
func (r *Registry) Has(c Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[c.ID()]
	return ok
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Online returns the presence set in ascending id order.
func (r *Registry) Online() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// All returns every registered connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allLocked()
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

func (r *Registry) onlineLocked() []int64 {
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) allLocked() []Conn {
	out := make([]Conn, 0, len(r.byConn))
	for _, reg := range r.byConn {
		out = append(out, reg.conn)
	}
	return out
}
