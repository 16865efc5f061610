package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemorySessionIndex mirrors the ordering and merge semantics of the SQLite index.
type InMemorySessionIndex struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	now      func() time.Time
}

var _ SessionIndex = &InMemorySessionIndex{}

func NewInMemorySessionIndex() *InMemorySessionIndex {
	return &InMemorySessionIndex{
		sessions: map[string]SessionRecord{},
		now:      time.Now,
	}
}

func (s *InMemorySessionIndex) Close() error { return nil }

func (s *InMemorySessionIndex) Upsert(_ context.Context, record SessionRecord) error {
	if s == nil {
		return errors.New("in-memory session index: nil index")
	}
	now := s.now().UnixMilli()
	record = normalizeSessionRecord(record, now)
	if record.SessionID == "" {
		return errors.New("in-memory session index: sessionID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.SessionID] = mergeSessionRecord(s.sessions[record.SessionID], record, now)
	return nil
}

func (s *InMemorySessionIndex) Get(_ context.Context, sessionID string) (SessionRecord, bool, error) {
	if s == nil {
		return SessionRecord{}, false, errors.New("in-memory session index: nil index")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionRecord{}, false, errors.New("in-memory session index: sessionID is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	return record, ok, nil
}

func (s *InMemorySessionIndex) List(_ context.Context, limit int, sinceMs int64) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory session index: nil index")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		if sinceMs > 0 && record.LastActivityMs < sinceMs {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].SessionID < records[j].SessionID
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *InMemorySessionIndex) Delete(_ context.Context, sessionID string) error {
	if s == nil {
		return errors.New("in-memory session index: nil index")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, strings.TrimSpace(sessionID))
	return nil
}
