package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-chat-sync/internal/protocol"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	clock    time.Time
	users    map[int64]string
	messages map[int64]*protocol.Message
	groups   map[int64]*Group

	failWrites error
}

func newMemStore(users ...string) *memStore {
	s := &memStore{
		clock:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		users:    make(map[int64]string),
		messages: make(map[int64]*protocol.Message),
		groups:   make(map[int64]*Group),
	}
	for i, name := range users {
		s.users[int64(i+1)] = name
	}
	return s
}

func (s *memStore) addGroup(id, admin int64, members ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &Group{ID: id, Name: "group", AdminID: admin, Members: []GroupMember{{UserID: admin, Role: RoleAdmin}}}
	for _, m := range members {
		g.Members = append(g.Members, GroupMember{UserID: m, Username: s.users[m], Role: RoleMember})
	}
	s.groups[id] = g
}

func (s *memStore) CreateMessage(_ context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	s.nextID++
	s.clock = s.clock.Add(time.Millisecond)
	msg.ID = s.nextID
	msg.CreatedAt = s.clock
	msg.SenderName = s.users[msg.SenderID]
	msg.ReadBy = []protocol.Receipt{}
	stored := msg.Clone()
	s.messages[msg.ID] = &stored
	return nil
}

func (s *memStore) GetMessage(_ context.Context, id int64) (*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := m.Clone()
	return &out, nil
}

func (s *memStore) visible(key protocol.ConversationKey, viewerID int64) []protocol.Message {
	var out []protocol.Message
	for _, m := range s.messages {
		if m.Conversation == key && !m.DeletedForUser(viewerID) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return protocol.Before(out[i], out[j]) })
	return out
}

func (s *memStore) FetchConversation(_ context.Context, key protocol.ConversationKey, viewerID int64, limit int) ([]protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.visible(key, viewerID)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) ConversationMessageIDs(_ context.Context, key protocol.ConversationKey, viewerID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, m := range s.visible(key, viewerID) {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *memStore) MarkRead(_ context.Context, messageID, readerID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return false, s.failWrites
	}
	m, ok := s.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if m.ReadByUser(readerID) {
		return false, nil
	}
	m.ReadBy = append(m.ReadBy, protocol.Receipt{UserID: readerID, ReadAt: at})
	return true, nil
}

func (s *memStore) SoftDeleteForUsers(_ context.Context, messageIDs, userIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		for _, u := range userIDs {
			if !m.DeletedForUser(u) {
				m.DeletedFor = append(m.DeletedFor, u)
			}
		}
	}
	return nil
}

func (s *memStore) UnreadCount(_ context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.RecipientID == userID && !m.ReadByUser(userID) && !m.DeletedForUser(userID) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) UserExists(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *memStore) CreateGroup(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	g.ID = int64(len(s.groups) + 100)
	g.CreatedAt = s.clock
	for i := range g.Members {
		g.Members[i].Username = s.users[g.Members[i].UserID]
	}
	stored := *g
	stored.Members = append([]GroupMember(nil), g.Members...)
	s.groups[g.ID] = &stored
	return nil
}

func (s *memStore) GetGroup(_ context.Context, groupID int64) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *g
	out.Members = append([]GroupMember(nil), g.Members...)
	return &out, nil
}

func (s *memStore) ListGroupsForUser(_ context.Context, userID int64) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Group
	for _, g := range s.groups {
		for _, m := range g.Members {
			if m.UserID == userID {
				out = append(out, *g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListGroupMembers(_ context.Context, groupID int64) ([]GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, nil
	}
	return append([]GroupMember(nil), g.Members...), nil
}
