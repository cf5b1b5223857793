package model

import (
	"strings"
	"time"

	"github.com/sakif/clipsync/internal/apperror"
)

// Conversation is a two-party direct-message thread.
//
// The ID is derived from the participants, so one pair can only ever map
// to one document:
//
//	ConversationID("bob", "alice") == ConversationID("alice", "bob") == "alice_bob"
type Conversation struct {
	ID              string           `json:"id"`
	Participants    []string         `json:"participants"`
	LastMessageText string           `json:"lastMessageText"`
	LastMessageAt   time.Time        `json:"lastMessageAt"`
	LastSenderID    string           `json:"lastSenderId,omitempty"`
	UnreadCount     map[string]int64 `json:"unreadCount"`
	CreatedAt       time.Time        `json:"createdAt"`

	// Peer is the other participant as seen by the user the list was built
	// for. Only conversation lists fill it in, and it stays nil when the
	// peer's record is missing.
	Peer *UserSummary `json:"peer,omitempty"`
}

// HasParticipant reports whether uid takes part in c.
func (c *Conversation) HasParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// Other returns the participant that is not uid.
func (c *Conversation) Other(uid string) string {
	for _, p := range c.Participants {
		if p != uid {
			return p
		}
	}
	return ""
}

// Message is one entry of a conversation's log. Messages are immutable.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// MaxMessageLength is counted in runes, not bytes.
const MaxMessageLength = 4000

// conversationSep joins the two uids. UIDs never contain it.
const conversationSep = "_"

// ConversationID returns the canonical key for the unordered pair {a, b}.
func ConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + conversationSep + b
}

// ParseConversationID splits a conversation id back into its sorted pair.
func ParseConversationID(id string) (string, string, error) {
	low, high, ok := strings.Cut(id, conversationSep)
	if !ok || ValidateUID("conversationId", low) != nil || ValidateUID("conversationId", high) != nil ||
		low >= high {
		return "", "", apperror.ValidationFailed("conversationId", "invalid conversation id")
	}
	return low, high, nil
}
