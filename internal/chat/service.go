package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-chat-sync/internal/presence"
	"go-chat-sync/internal/protocol"

	"go.uber.org/zap"
)

// Store is the persistence collaborator. Implementations return ErrNotFound
// for missing rows.
type Store interface {
	CreateMessage(ctx context.Context, msg *protocol.Message) error
	GetMessage(ctx context.Context, id int64) (*protocol.Message, error)
	FetchConversation(ctx context.Context, key protocol.ConversationKey, viewerID int64, limit int) ([]protocol.Message, error)
	ConversationMessageIDs(ctx context.Context, key protocol.ConversationKey, viewerID int64) ([]int64, error)
	MarkRead(ctx context.Context, messageID, readerID int64, at time.Time) (bool, error)
	SoftDeleteForUsers(ctx context.Context, messageIDs, userIDs []int64) error
	UnreadCount(ctx context.Context, userID int64) (int, error)
	UserExists(ctx context.Context, userID int64) (bool, error)

	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, groupID int64) (*Group, error)
	ListGroupsForUser(ctx context.Context, userID int64) ([]Group, error)
	ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error)
}

// Service implements the request side of chat: every mutation is written to
// the store first and only then handed to the router, so anything a client
// saw live is also returned by its next fetch.
type Service struct {
	store        Store
	router       *Router
	historyLimit int
	now          func() time.Time
	log          *zap.Logger
}

func NewService(store Store, router *Router, historyLimit int, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Service{
		store:        store,
		router:       router,
		historyLimit: historyLimit,
		now:          time.Now,
		log:          log,
	}
}

func (s *Service) Send(ctx context.Context, senderID int64, req SendRequest) (*protocol.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = protocol.MessageText
	}
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, msgType)
	}
	if (req.RecipientID == 0) == (req.GroupID == 0) {
		return nil, fmt.Errorf("%w: exactly one of recipient_id and group_id is required", ErrInvalidInput)
	}

	msg := &protocol.Message{
		SenderID: senderID,
		Content:  content,
		Type:     msgType,
	}
	if req.RecipientID != 0 {
		ok, err := s.store.UserExists(ctx, req.RecipientID)
		if err != nil {
			return nil, fmt.Errorf("lookup recipient: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("recipient %d: %w", req.RecipientID, ErrNotFound)
		}
		msg.RecipientID = req.RecipientID
		msg.Conversation = protocol.DirectKey(senderID, req.RecipientID)
	} else {
		if _, err := s.requireMember(ctx, req.GroupID, senderID); err != nil {
			return nil, err
		}
		msg.GroupID = req.GroupID
		msg.Conversation = protocol.GroupKey(req.GroupID)
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	n := s.router.RouteMessage(*msg)
	s.log.Debug("message routed",
		zap.Int64("message_id", msg.ID),
		zap.Stringer("conversation", msg.Conversation),
		zap.Int("connections", n))
	return msg, nil
}

// Fetch returns up to limit of the newest messages visible to viewerID,
// oldest first.
func (s *Service) Fetch(ctx context.Context, viewerID int64, key protocol.ConversationKey, limit int) ([]protocol.Message, error) {
	if err := s.authorize(ctx, key, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	msgs, err := s.store.FetchConversation(ctx, key, viewerID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	return msgs, nil
}

// MarkRead records that readerID read messageID. Only a recipient can mark
// a message read; repeated reads are accepted but routed once.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID int64) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("message %d: %w", messageID, err)
	}
	if msg.SenderID == readerID {
		return fmt.Errorf("%w: sender cannot mark own message read", ErrForbidden)
	}
	if err := s.authorize(ctx, msg.Conversation, readerID); err != nil {
		return err
	}

	at := s.now().UTC()
	changed, err := s.store.MarkRead(ctx, messageID, readerID, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if changed {
		s.router.RouteReadReceipt(ReadReceipt{
			Message: *msg,
			Reader:  readerID,
			Receipt: protocol.Receipt{UserID: readerID, ReadAt: at},
		})
	}
	return nil
}

func (s *Service) DeleteMessage(ctx context.Context, messageID, userID int64, scope DeleteScope) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("message %d: %w", messageID, err)
	}
	if err := s.authorize(ctx, msg.Conversation, userID); err != nil {
		return err
	}
	if msg.DeletedForUser(userID) {
		return fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}

	if scope == ScopeMe {
		return s.softDelete(ctx, []int64{messageID}, []int64{userID})
	}
	if msg.SenderID != userID {
		return fmt.Errorf("%w: only the sender can delete for everyone", ErrForbidden)
	}
	audience, err := s.participants(ctx, msg.Conversation)
	if err != nil {
		return err
	}
	if err := s.softDelete(ctx, []int64{messageID}, audience); err != nil {
		return err
	}
	s.router.RouteDeletion(Deletion{
		Conversation: msg.Conversation,
		MessageIDs:   []int64{messageID},
		DeletedBy:    userID,
		Audience:     audience,
		Single:       true,
	})
	return nil
}

// DeleteConversation removes every message of key that userID can still see
// and returns their ids.
func (s *Service) DeleteConversation(ctx context.Context, key protocol.ConversationKey, userID int64, scope DeleteScope) ([]int64, error) {
	if err := s.authorize(ctx, key, userID); err != nil {
		return nil, err
	}
	if scope == ScopeEveryone && key.IsGroup() {
		role, err := s.requireMember(ctx, key.GroupID, userID)
		if err != nil {
			return nil, err
		}
		if role != RoleAdmin {
			return nil, fmt.Errorf("%w: only the group admin can clear the group", ErrForbidden)
		}
	}

	ids, err := s.store.ConversationMessageIDs(ctx, key, userID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	if len(ids) == 0 {
		return []int64{}, nil
	}

	if scope == ScopeMe {
		return ids, s.softDelete(ctx, ids, []int64{userID})
	}
	audience, err := s.participants(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.softDelete(ctx, ids, audience); err != nil {
		return nil, err
	}
	s.router.RouteDeletion(Deletion{
		Conversation: key,
		MessageIDs:   ids,
		DeletedBy:    userID,
		Audience:     audience,
	})
	return ids, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	n, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// JoinGroupChannel subscribes c to live group events after checking that its
// user belongs to the group.
func (s *Service) JoinGroupChannel(ctx context.Context, c presence.Conn, groupID int64) error {
	if _, err := s.requireMember(ctx, groupID, c.UserID()); err != nil {
		return err
	}
	s.router.JoinGroup(c, groupID)
	return nil
}

func (s *Service) LeaveGroupChannel(c presence.Conn, groupID int64) {
	s.router.LeaveGroup(c, groupID)
}

// Typing relays a typing indicator. It never touches the store: direct keys
// are checked against the key itself, group keys against the joined channel.
func (s *Service) Typing(c presence.Conn, key protocol.ConversationKey, isTyping bool) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	switch {
	case key.IsDirect() && !key.Includes(c.UserID()):
		return fmt.Errorf("%w: not a participant of %s", ErrForbidden, key)
	case key.IsGroup() && !s.router.InGroup(c, key.GroupID):
		return fmt.Errorf("%w: group channel %d not joined", ErrForbidden, key.GroupID)
	}
	s.router.RouteTyping(c.UserID(), key, isTyping)
	return nil
}

func (s *Service) CreateGroup(ctx context.Context, adminID int64, req CreateGroupRequest) (*Group, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len(req.MemberIDs) == 0 {
		return nil, fmt.Errorf("%w: name and members are required", ErrInvalidInput)
	}
	g := &Group{
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		AdminID:     adminID,
		Members:     []GroupMember{{UserID: adminID, Role: RoleAdmin}},
	}
	seen := map[int64]struct{}{adminID: {}}
	for _, id := range req.MemberIDs {
		if _, dup := seen[id]; dup || id <= 0 {
			continue
		}
		seen[id] = struct{}{}
		g.Members = append(g.Members, GroupMember{UserID: id, Role: RoleMember})
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return g, nil
}

func (s *Service) ListGroups(ctx context.Context, userID int64) ([]Group, error) {
	groups, err := s.store.ListGroupsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if groups == nil {
		groups = []Group{}
	}
	return groups, nil
}

func (s *Service) GetGroup(ctx context.Context, groupID, viewerID int64) (*Group, error) {
	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("group %d: %w", groupID, err)
	}
	for _, m := range g.Members {
		if m.UserID == viewerID {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: not a member of group %d", ErrForbidden, groupID)
}

func (s *Service) authorize(ctx context.Context, key protocol.ConversationKey, userID int64) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if key.IsDirect() {
		if !key.Includes(userID) {
			return fmt.Errorf("%w: not a participant of %s", ErrForbidden, key)
		}
		return nil
	}
	_, err := s.requireMember(ctx, key.GroupID, userID)
	return err
}

func (s *Service) requireMember(ctx context.Context, groupID, userID int64) (GroupRole, error) {
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("group %d members: %w", groupID, err)
	}
	for _, m := range members {
		if m.UserID == userID {
			return m.Role, nil
		}
	}
	return "", fmt.Errorf("%w: not a member of group %d", ErrForbidden, groupID)
}

// participants lists everyone with visibility of key's messages.
func (s *Service) participants(ctx context.Context, key protocol.ConversationKey) ([]int64, error) {
	if key.IsDirect() {
		if key.UserA == key.UserB {
			return []int64{key.UserA}, nil
		}
		return []int64{key.UserA, key.UserB}, nil
	}
	members, err := s.store.ListGroupMembers(ctx, key.GroupID)
	if err != nil {
		return nil, fmt.Errorf("group %d members: %w", key.GroupID, err)
	}
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}

func (s *Service) softDelete(ctx context.Context, messageIDs, userIDs []int64) error {
	if err := s.store.SoftDeleteForUsers(ctx, messageIDs, userIDs); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	return nil
}
