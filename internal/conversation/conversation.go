// Package conversation holds the client's authoritative view of every
// conversation and folds the inbound message stream into it.
//
// A [Store] owns all conversation and message data. User actions (create,
// select, delete, send) are store operations; server traffic reaches the
// store only through a [Reducer]. Readers get deep copies, so nothing outside
// this package can mutate store state.
package conversation

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Sentinel errors returned by [Store] operations.
var (
	ErrNoActiveConversation = errors.New("conversation: no active conversation")
	ErrEmptyMessage         = errors.New("conversation: message is empty")
	ErrNotFound             = errors.New("conversation: not found")
)

// previewRunes is the length of a conversation preview before it is cut.
const previewRunes = 50

// Role identifies who wrote a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Status is the lifecycle state of a message. AI messages move from
// streaming to finished exactly once; user and history messages start
// finished.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusFinished  Status = "finished"
)

// Message is one entry of a conversation.
type Message struct {
	// ID is a UUID for user messages, the server's message_id for AI
	// messages, and "<conversation>-<index>" for loaded history.
	ID        string
	Role      Role
	Content   string
	Status    Status
	Timestamp time.Time
}

// Conversation is a snapshot of one conversation.
type Conversation struct {
	ID            string
	CharacterID   string
	CharacterName string
	AvatarURL     string
	Preview       string
	MessageCount  int
	Messages      []Message
}

// clone returns a deep copy of c.
func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// Preview shortens s to at most 50 runes, marking a cut with "...".
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewRunes]) + "..."
}

// EventKind classifies a store change notification.
type EventKind int

const (
	// EventConversations means conversations were added, removed or their
	// metadata changed.
	EventConversations EventKind = iota
	// EventActive means the active conversation changed.
	EventActive
	// EventMessage means a message was added or grew. Event.Message holds a
	// copy of it.
	EventMessage
	// EventHistory means stored history was loaded into a conversation.
	EventHistory
	// EventActivity means the AI activity indicator changed.
	EventActivity
)

// Event is delivered to the observer registered with [WithObserver].
type Event struct {
	Kind           EventKind
	ConversationID string
	Message        Message
}
