// Package client is the consuming side of the chat protocol: it keeps the
// open conversation and the presence set of one user in sync with the server.
package client

import (
	"sort"
	"sync"

	"go-chat-sync/internal/protocol"
)

// State is the reconciler's position in a conversation switch.
type State int

const (
	Idle State = iota
	Loading
	Live
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Live:
		return "live"
	}
	return "unknown"
}

// Ticket identifies one selection. A fetch result is only accepted with the
// ticket of the selection that is still current.
type Ticket struct {
	Conversation protocol.ConversationKey
	gen          uint64
}

// Reconciler owns the messages of the currently open conversation. It merges
// one historical fetch per selection with the live event stream.
//
// Selecting a conversation empties the window immediately and gates live
// events off until the matching fetch resolves. Every check reads the current
// selection under the lock, so callbacks never act on a stale target.
type Reconciler struct {
	self int64

	mu       sync.Mutex
	state    State
	selected protocol.ConversationKey
	gen      uint64
	window   map[int64]protocol.Message

	updates chan struct{}
}

func NewReconciler(self int64) *Reconciler {
	return &Reconciler{
		self:    self,
		window:  make(map[int64]protocol.Message),
		updates: make(chan struct{}, 1),
	}
}

// Updates receives a signal after every change to the window or state.
// Signals coalesce.
func (r *Reconciler) Updates() <-chan struct{} { return r.updates }

func (r *Reconciler) changed() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// Select starts a fresh Loading cycle for key, including when key is already
// selected. The caller fetches history and hands it to Resolve together with
// the returned ticket.
func (r *Reconciler) Select(key protocol.ConversationKey) Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.selected = key
	r.state = Loading
	r.window = make(map[int64]protocol.Message)
	r.changed()
	return Ticket{Conversation: key, gen: r.gen}
}

// Resolve completes the fetch started for t. It reports false when a newer
// selection has superseded t; the result is then dropped. A failed fetch
// still goes Live, with an empty window.
func (r *Reconciler) Resolve(t Ticket, msgs []protocol.Message, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.gen != r.gen || r.state != Loading {
		return false
	}
	window := make(map[int64]protocol.Message, len(msgs))
	if err == nil {
		for _, m := range msgs {
			if m.Conversation != t.Conversation || m.DeletedForUser(r.self) {
				continue
			}
			window[m.ID] = m.Clone()
		}
	}
	r.window = window
	r.state = Live
	r.changed()
	return true
}

// Close leaves the current conversation. Pending fetches become stale.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.selected = protocol.ConversationKey{}
	r.state = Idle
	r.window = make(map[int64]protocol.Message)
	r.changed()
}

// liveFor reports whether events for key may be applied now. Caller holds mu.
func (r *Reconciler) liveFor(key protocol.ConversationKey) bool {
	return r.state == Live && key == r.selected
}

// ApplyNewMessage inserts m if it belongs to the open conversation and its id
// is not in the window yet. An existing entry is never replaced.
func (r *Reconciler) ApplyNewMessage(m protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveFor(m.Conversation) || m.DeletedForUser(r.self) {
		return false
	}
	if _, exists := r.window[m.ID]; exists {
		return false
	}
	r.window[m.ID] = m.Clone()
	r.changed()
	return true
}

// ApplyRead records a read receipt on a message in the window.
func (r *Reconciler) ApplyRead(ev protocol.MessageRead) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveFor(ev.Conversation) {
		return false
	}
	m, ok := r.window[ev.MessageID]
	if !ok || m.ReadByUser(ev.ReadBy) {
		return false
	}
	m.ReadBy = append(m.ReadBy, protocol.Receipt{UserID: ev.ReadBy, ReadAt: ev.ReadAt})
	r.window[m.ID] = m
	r.changed()
	return true
}

// ApplyMessageDeleted removes one message.
func (r *Reconciler) ApplyMessageDeleted(ev protocol.MessageDeleted) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveFor(ev.Conversation) {
		return false
	}
	return r.removeLocked(ev.MessageID) > 0
}

// ApplyConversationDeleted removes exactly the listed messages.
func (r *Reconciler) ApplyConversationDeleted(ev protocol.ConversationDeleted) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.liveFor(ev.Conversation) {
		return false
	}
	return r.removeLocked(ev.MessageIDs...) > 0
}

// Remove applies a delete this user made. It is not gated: the change was
// confirmed by the server, not pushed by it.
func (r *Reconciler) Remove(ids ...int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(ids...)
}

func (r *Reconciler) removeLocked(ids ...int64) int {
	n := 0
	for _, id := range ids {
		if _, ok := r.window[id]; ok {
			delete(r.window, id)
			n++
		}
	}
	if n > 0 {
		r.changed()
	}
	return n
}

// Messages returns the window ordered by creation time.
func (r *Reconciler) Messages() []protocol.Message {
	r.mu.Lock()
	out := make([]protocol.Message, 0, len(r.window))
	for _, m := range r.window {
		out = append(out, m.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return protocol.Before(out[i], out[j]) })
	return out
}

func (r *Reconciler) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.window[id]
	return ok
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.window)
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) Selected() protocol.ConversationKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected
}
