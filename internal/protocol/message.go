package protocol

import "time"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageAudio MessageType = "audio"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio:
		return true
	}
	return false
}

// Receipt records that a user has read a message.
type Receipt struct {
	UserID int64     `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is the envelope exchanged between storage, the fan-out router and
// clients. IDs are assigned by storage and grow monotonically, which makes
// them usable as a tie-breaker when two messages share a timestamp.
type Message struct {
	ID           int64           `json:"id"`
	Conversation ConversationKey `json:"conversation"`
	SenderID     int64           `json:"sender_id"`
	SenderName   string          `json:"sender_name,omitempty"`
	RecipientID  int64           `json:"recipient_id,omitempty"`
	GroupID      int64           `json:"group_id,omitempty"`
	Content      string          `json:"content"`
	Type         MessageType     `json:"message_type"`
	CreatedAt    time.Time       `json:"created_at"`
	ReadBy       []Receipt       `json:"read_by"`
	DeletedFor   []int64         `json:"deleted_for,omitempty"`
}

// IsRead reports whether anyone other than the sender has read the message.
func (m *Message) IsRead() bool {
	for _, r := range m.ReadBy {
		if r.UserID != m.SenderID {
			return true
		}
	}
	return false
}

func (m *Message) ReadByUser(userID int64) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Message) DeletedForUser(userID int64) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.ReadBy = append([]Receipt(nil), m.ReadBy...)
	m.DeletedFor = append([]int64(nil), m.DeletedFor...)
	return m
}

// Before orders messages by creation time, falling back to id.
func Before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
