package stream

import "sync"

// Slot owns the single active connection of a session. Installing a new
// connection always cancels the previous one first.
type Slot struct {
	mu     sync.Mutex
	active *Connection
}

// Replace cancels the current connection, if any, and installs c.
func (s *Slot) Replace(c *Connection) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	if prev != nil && prev != c {
		prev.Cancel()
	}
	s.active = c
	return prev
}

// Release clears the slot if c is still the active connection.
func (s *Slot) Release(c *Connection) bool {
	if c == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != c {
		return false
	}
	s.active = nil
	return true
}

// IsCurrent reports whether c is the active connection.
func (s *Slot) IsCurrent(c *Connection) bool {
	if c == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == c
}

func (s *Slot) Active() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CancelActive cancels and clears the active connection.
func (s *Slot) CancelActive() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.active
	s.active = nil
	if prev != nil {
		prev.Cancel()
	}
	return prev
}
