package chatsession

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/go-go-golems/sessionchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/sessionchat/pkg/sessionid"
	"github.com/stretchr/testify/require"
)

type streamItem struct {
	chunk string
	err   error
}

type fakeStream struct {
	items     chan streamItem
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan streamItem, 32), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (string, error) {
	select {
	case it := <-s.items:
		return it.chunk, it.err
	case <-s.closed:
		return "", chatapi.ErrStreamClosed
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) send(chunks ...string) {
	for _, c := range chunks {
		s.items <- streamItem{chunk: c}
	}
}

func (s *fakeStream) fail(err error) { s.items <- streamItem{err: err} }

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeBackend struct {
	mu       sync.Mutex
	requests []chatapi.InitiateRequest
	streams  map[string]*fakeStream
	n        int

	initiate    func(ctx context.Context, req chatapi.InitiateRequest) (*chatapi.InitiateResponse, error)
	openErr     error
	history     map[string]*chatapi.HistoryResponse
	historyErr  error
	historyHook func(ctx context.Context)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		streams: map[string]*fakeStream{},
		history: map[string]*chatapi.HistoryResponse{},
	}
}

func (b *fakeBackend) Initiate(ctx context.Context, req chatapi.InitiateRequest) (*chatapi.InitiateResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.n++
	n := b.n
	hook := b.initiate
	b.mu.Unlock()
	if hook != nil {
		return hook(ctx, req)
	}
	return &chatapi.InitiateResponse{StreamID: fmt.Sprintf("st-%d", n)}, nil
}

func (b *fakeBackend) OpenStream(_ context.Context, streamID string) (chatapi.ChunkStream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return b.stream(streamID), nil
}

func (b *fakeBackend) FetchHistory(ctx context.Context, sessionID string) (*chatapi.HistoryResponse, error) {
	if b.historyHook != nil {
		b.historyHook(ctx)
	}
	if b.historyErr != nil {
		return nil, b.historyErr
	}
	h, ok := b.history[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, chatapi.ErrSessionNotFound)
	}
	return h, nil
}

// stream returns the fake stream for an id, creating it so tests can push
// chunks before or after the session subscribed.
func (b *fakeBackend) stream(id string) *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[id]
	if !ok {
		s = newFakeStream()
		b.streams[id] = s
	}
	return s
}

func (b *fakeBackend) lastRequest(t *testing.T) chatapi.InitiateRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.requests)
	return b.requests[len(b.requests)-1]
}

func (b *fakeBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

type recordingNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *recordingNavigator) GoToSession(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, "/"+id)
}

func (n *recordingNavigator) GoToNewChat() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, "/")
}

func (n *recordingNavigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

type collector struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (c *collector) Publish(ev eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) Types() []eventbus.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]eventbus.Type, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *collector) Events() []eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]eventbus.Event(nil), c.events...)
}

type harness struct {
	backend *fakeBackend
	nav     *recordingNavigator
	events  *collector
	index   *chatstore.InMemorySessionIndex
	session *Session
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		nav:     &recordingNavigator{},
		events:  &collector{},
		index:   chatstore.NewInMemorySessionIndex(),
	}
	base := []Option{
		WithNavigator(h.nav),
		WithEventPublisher(h.events),
		WithSessionIndex(h.index),
		WithSessionIDGenerator(sessionid.GeneratorFunc(func() string { return "session_fixed" })),
	}
	s, err := New(h.backend, append(base, opts...)...)
	require.NoError(t, err)
	h.session = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

func (h *harness) waitStream(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.session.WaitStream(ctx))
}

func (h *harness) eventuallyState(t *testing.T, cond func(st chat.State) bool) chat.State {
	t.Helper()
	var last chat.State
	require.Eventually(t, func() bool {
		last = h.session.Snapshot()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func contents(st chat.State) []string {
	out := make([]string, 0, len(st.Messages))
	for _, m := range st.Messages {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

var errEOF = io.EOF
