// Package protocol defines the frames exchanged over the persistent
// connection between the chat server and its clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Inbound events (client -> server).
const (
	EventJoin           = "join"
	EventGetOnlineUsers = "getOnlineUsers"
	EventJoinGroup      = "joinGroup"
	EventLeaveGroup     = "leaveGroup"
	EventTyping         = "typing"
)

// Outbound events (server -> client).
const (
	EventPresenceSnapshot    = "onlineUsersList"
	EventUserOnline          = "userOnline"
	EventUserOffline         = "userOffline"
	EventNewMessage          = "newMessage"
	EventUserTyping          = "userTyping"
	EventMessageDeleted      = "messageDeleted"
	EventConversationDeleted = "conversationDeleted"
	EventJoinedGroup         = "joinedGroup"
	EventLeftGroup           = "leftGroup"
	EventError               = "error"
)

// EventMessageRead travels both ways: a reader reports it, the sender is told.
const EventMessageRead = "messageRead"

// Frame is one event on the wire.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	UserID int64 `json:"user_id"`
}

type GroupPayload struct {
	GroupID int64 `json:"group_id"`
}

type TypingPayload struct {
	Conversation ConversationKey `json:"conversation"`
	IsTyping     bool            `json:"is_typing"`
}

type ReadReceiptPayload struct {
	MessageID int64 `json:"message_id"`
}

type PresenceSnapshot struct {
	UserIDs []int64 `json:"user_ids"`
}

type UserPresence struct {
	UserID int64 `json:"user_id"`
}

type UserTyping struct {
	UserID       int64           `json:"user_id"`
	Conversation ConversationKey `json:"conversation"`
	IsTyping     bool            `json:"is_typing"`
}

type MessageRead struct {
	MessageID    int64           `json:"message_id"`
	Conversation ConversationKey `json:"conversation"`
	ReadBy       int64           `json:"read_by"`
	ReadAt       time.Time       `json:"read_at"`
}

type MessageDeleted struct {
	MessageID    int64           `json:"message_id"`
	Conversation ConversationKey `json:"conversation"`
	DeletedBy    int64           `json:"deleted_by"`
}

type ConversationDeleted struct {
	Conversation ConversationKey `json:"conversation"`
	MessageIDs   []int64         `json:"message_ids"`
	DeletedBy    int64           `json:"deleted_by"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals payload into a complete frame ready for the wire.
func Encode(eventType string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", eventType, err)
		}
		data = raw
	}
	return json.Marshal(Frame{Type: eventType, Data: data})
}

// Decode parses a single frame.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// DecodeBatch parses a websocket text message that may carry several
// newline-separated frames. Blank lines are skipped.
func DecodeBatch(raw []byte) ([]Frame, error) {
	var frames []Frame
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		f, err := Decode(line)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Bind unmarshals the frame payload into v.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s: %w", f.Type, err)
	}
	return nil
}
