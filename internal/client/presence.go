package client

import (
	"sort"
	"sync"
	"time"

	"go-chat-sync/internal/protocol"
)

// DefaultTypingTTL is how long a typing indicator survives without a refresh.
const DefaultTypingTTL = 3 * time.Second

type typingKey struct {
	userID       int64
	conversation protocol.ConversationKey
}

type typingEntry struct {
	timer *time.Timer
}

// PresenceView is the local copy of the online set plus the typing
// indicators shown to this user. Typing expires on a local timer because a
// peer that stops typing does not reliably say so.
type PresenceView struct {
	ttl time.Duration

	mu     sync.Mutex
	online map[int64]struct{}
	typing map[typingKey]*typingEntry

	updates chan struct{}
}

func NewPresenceView(ttl time.Duration) *PresenceView {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &PresenceView{
		ttl:     ttl,
		online:  make(map[int64]struct{}),
		typing:  make(map[typingKey]*typingEntry),
		updates: make(chan struct{}, 1),
	}
}

func (v *PresenceView) Updates() <-chan struct{} { return v.updates }

func (v *PresenceView) changed() {
	select {
	case v.updates <- struct{}{}:
	default:
	}
}

// ApplySnapshot replaces the online set.
func (v *PresenceView) ApplySnapshot(ids []int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.online = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		v.online[id] = struct{}{}
	}
	for k := range v.typing {
		if _, ok := v.online[k.userID]; !ok {
			v.stopLocked(k)
		}
	}
	v.changed()
}

func (v *PresenceView) SetOnline(userID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.online[userID] = struct{}{}
	v.changed()
}

// SetOffline also clears the user's typing indicators.
func (v *PresenceView) SetOffline(userID int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.online, userID)
	for k := range v.typing {
		if k.userID == userID {
			v.stopLocked(k)
		}
	}
	v.changed()
}

func (v *PresenceView) IsOnline(userID int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.online[userID]
	return ok
}

// Online returns the online set in ascending order.
func (v *PresenceView) Online() []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, 0, len(v.online))
	for id := range v.online {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplyTyping starts, refreshes or stops an indicator.
func (v *PresenceView) ApplyTyping(ev protocol.UserTyping) {
	k := typingKey{userID: ev.UserID, conversation: ev.Conversation}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopLocked(k)
	if ev.IsTyping {
		entry := &typingEntry{}
		entry.timer = time.AfterFunc(v.ttl, func() { v.expire(k, entry) })
		v.typing[k] = entry
	}
	v.changed()
}

// expire fires from the timer. A refresh replaces the entry, so an old
// timer that lost the race to Stop finds a different entry and does nothing.
func (v *PresenceView) expire(k typingKey, entry *typingEntry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.typing[k] != entry {
		return
	}
	delete(v.typing, k)
	v.changed()
}

func (v *PresenceView) stopLocked(k typingKey) {
	if e, ok := v.typing[k]; ok {
		e.timer.Stop()
		delete(v.typing, k)
	}
}

func (v *PresenceView) IsTyping(userID int64, key protocol.ConversationKey) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.typing[typingKey{userID: userID, conversation: key}]
	return ok
}

// TypingIn lists the users currently typing in key.
func (v *PresenceView) TypingIn(key protocol.ConversationKey) []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []int64
	for k := range v.typing {
		if k.conversation == key {
			out = append(out, k.userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every pending expiry timer.
func (v *PresenceView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.typing {
		v.stopLocked(k)
	}
}
