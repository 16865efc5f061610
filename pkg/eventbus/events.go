// Package eventbus carries session state changes to renderers over watermill.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/pkg/errors"
)

type Type string

const (
	TypeSessionReset     Type = "session.reset"
	TypeSessionHydrating Type = "session.hydrating"
	TypeSessionHydrated  Type = "session.hydrated"
	TypeSessionAdopted   Type = "session.adopted"
	TypeMessageAppended  Type = "message.appended"
	TypeMessageChunk     Type = "message.chunk"
	TypeMessageFailed    Type = "message.failed"
	TypeStreamOpened     Type = "stream.opened"
	TypeStreamClosed     Type = "stream.closed"
	TypeStateLoading     Type = "state.loading"
)

// Event is one observable change of a chat session. Seq is strictly increasing
// per session and orders events published from different goroutines.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Role      chat.Role `json:"role,omitempty"`
	// Chunk is the appended text of a message.chunk event.
	Chunk string `json:"chunk,omitempty"`
	// Content is the full message content where relevant.
	Content      string    `json:"content,omitempty"`
	Error        string    `json:"error,omitempty"`
	Title        string    `json:"title,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Count        int       `json:"count,omitempty"`
	Loading      bool      `json:"loading"`
	Initializing bool      `json:"initializing"`
	Time         time.Time `json:"time"`
}

func (e Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return b, nil
}

func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, errors.Wrap(err, "unmarshal event")
	}
	if e.Type == "" {
		return Event{}, errors.New("event without type")
	}
	return e, nil
}
