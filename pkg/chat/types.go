package chat

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultTitle is used until the backend supplies a title.
const DefaultTitle = "New Chat"

const errorMarkerPrefix = "Sorry, I encountered an error processing your request"

// Attachment is a file uploaded together with a user message.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

func (a Attachment) Size() int { return len(a.Data) }

// Message is one turn of a conversation.
//
// Assistant messages start out empty and only ever grow while their stream is
// open. User messages are never mutated after creation.
type Message struct {
	ID        string       `json:"id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Files     []Attachment `json:"files,omitempty"`
	// Error is set when Content carries an error marker or suffix.
	Error string `json:"error,omitempty"`
}

func (m Message) Clone() Message {
	out := m
	if len(m.Files) > 0 {
		out.Files = append([]Attachment(nil), m.Files...)
	}
	return out
}

// State is the observable state of a chat session.
type State struct {
	// SessionID is empty until the backend acknowledged a session.
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Messages     []Message `json:"messages"`
	Loading      bool      `json:"loading"`
	Initializing bool      `json:"initializing"`
}

// NewState returns the fresh "new chat" state.
func NewState() State {
	return State{Title: DefaultTitle}
}

func (s State) HasSession() bool { return s.SessionID != "" }

func (s State) Clone() State {
	out := s
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// MessageIndex returns the position of the message with the given id, searching
// from the end since live updates target the newest messages.
func (s State) MessageIndex(id string) int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// LastAssistant returns the newest assistant message, if any.
func (s State) LastAssistant() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// ErrorMarker is the content an assistant placeholder gets when its request failed
// before any text arrived.
func ErrorMarker(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errorMarkerPrefix + ". Please try again."
	}
	return fmt.Sprintf("%s: %s", errorMarkerPrefix, reason)
}

// InterruptedSuffix is appended to partial assistant content when its stream failed.
func InterruptedSuffix(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("\n\n[response interrupted: %s]", reason)
}

func IsErrorMarker(content string) bool {
	return strings.HasPrefix(content, errorMarkerPrefix)
}
