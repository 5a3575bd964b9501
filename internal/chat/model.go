package chat

import (
	"errors"
	"time"

	"go-chat-sync/internal/protocol"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type GroupRole string

const (
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

type Group struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	AdminID     int64         `json:"admin_id"`
	Members     []GroupMember `json:"members"`
	CreatedAt   time.Time     `json:"created_at"`
}

type GroupMember struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	Role     GroupRole `json:"role"`
}

type CreateGroupRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	MemberIDs   []int64 `json:"member_ids"`
}

// SendRequest is what the frontend posts to send a message. Exactly one of
// RecipientID and GroupID is set.
type SendRequest struct {
	RecipientID int64                `json:"recipient_id"`
	GroupID     int64                `json:"group_id"`
	Content     string               `json:"content"`
	MessageType protocol.MessageType `json:"message_type"`
}

type UnreadCount struct {
	UnreadCount int `json:"unread_count"`
}

// DeleteScope selects whose view a delete affects.
type DeleteScope string

const (
	ScopeEveryone DeleteScope = "everyone"
	ScopeMe       DeleteScope = "me"
)

func ParseDeleteScope(s string) (DeleteScope, error) {
	switch DeleteScope(s) {
	case "", ScopeEveryone:
		return ScopeEveryone, nil
	case ScopeMe:
		return ScopeMe, nil
	}
	return "", ErrInvalidInput
}
