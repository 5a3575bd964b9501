package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

var ErrInvalidConversationKey = errors.New("invalid conversation key")

// ConversationKey identifies either a direct conversation (an unordered pair
// of users, stored low id first) or a group conversation. Exactly one of the
// two forms is active, selected by Kind.
type ConversationKey struct {
	Kind    ConversationKind
	UserA   int64
	UserB   int64
	GroupID int64
}

// DirectKey builds the key for the conversation between a and b. The order of
// the arguments does not matter.
func DirectKey(a, b int64) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{Kind: KindDirect, UserA: a, UserB: b}
}

func GroupKey(groupID int64) ConversationKey {
	return ConversationKey{Kind: KindGroup, GroupID: groupID}
}

func (k ConversationKey) IsZero() bool { return k == ConversationKey{} }

func (k ConversationKey) IsGroup() bool { return k.Kind == KindGroup }

func (k ConversationKey) IsDirect() bool { return k.Kind == KindDirect }

// Validate checks that exactly one of the direct pair and the group id is set.
func (k ConversationKey) Validate() error {
	switch k.Kind {
	case KindDirect:
		if k.UserA <= 0 || k.UserB <= 0 || k.GroupID != 0 || k.UserA > k.UserB {
			return ErrInvalidConversationKey
		}
	case KindGroup:
		if k.GroupID <= 0 || k.UserA != 0 || k.UserB != 0 {
			return ErrInvalidConversationKey
		}
	default:
		return ErrInvalidConversationKey
	}
	return nil
}

// Includes reports whether userID is one side of a direct conversation.
// Group membership lives in storage, so group keys always report false.
func (k ConversationKey) Includes(userID int64) bool {
	return k.IsDirect() && (k.UserA == userID || k.UserB == userID)
}

// Peer returns the other side of a direct conversation as seen by self.
// A self-conversation returns self.
func (k ConversationKey) Peer(self int64) int64 {
	if !k.IsDirect() {
		return 0
	}
	if k.UserA == self {
		return k.UserB
	}
	return k.UserA
}

func (k ConversationKey) String() string {
	switch k.Kind {
	case KindDirect:
		return fmt.Sprintf("direct:%d:%d", k.UserA, k.UserB)
	case KindGroup:
		return fmt.Sprintf("group:%d", k.GroupID)
	}
	return ""
}

// ParseConversationKey accepts the forms produced by String. Direct keys are
// normalized, so "direct:9:2" parses to the same key as "direct:2:9".
func ParseConversationKey(s string) (ConversationKey, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch {
	case len(parts) == 3 && parts[0] == string(KindDirect):
		a, errA := strconv.ParseInt(parts[1], 10, 64)
		b, errB := strconv.ParseInt(parts[2], 10, 64)
		if errA != nil || errB != nil {
			return ConversationKey{}, ErrInvalidConversationKey
		}
		k := DirectKey(a, b)
		return k, k.Validate()
	case len(parts) == 2 && parts[0] == string(KindGroup):
		g, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return ConversationKey{}, ErrInvalidConversationKey
		}
		k := GroupKey(g)
		return k, k.Validate()
	}
	return ConversationKey{}, ErrInvalidConversationKey
}

func (k ConversationKey) MarshalText() ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return []byte(k.String()), nil
}

func (k *ConversationKey) UnmarshalText(text []byte) error {
	parsed, err := ParseConversationKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
