package chat

import (
	"fmt"
	"sync"
	"time"
)

// MessageIDs hands out role-prefixed, time-derived message ids.
//
// The numeric part is the creation time in nanoseconds, bumped by one whenever the
// clock did not advance, so ids from one source are strictly increasing.
type MessageIDs struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewMessageIDs(now func() time.Time) *MessageIDs {
	if now == nil {
		now = time.Now
	}
	return &MessageIDs{now: now}
}

// Next returns a fresh id for role and the timestamp it was derived from.
func (g *MessageIDs) Next(role Role) (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ts := g.now()
	n := ts.UnixNano()
	if n <= g.last {
		n = g.last + 1
	}
	g.last = n
	return fmt.Sprintf("%s_%d", role, n), ts
}

// HistoryMessageID derives the stable id of the i-th history entry's message.
func HistoryMessageID(role Role, index int) string {
	return fmt.Sprintf("%s_history_%d", role, index)
}
