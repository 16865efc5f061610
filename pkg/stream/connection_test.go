package stream

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type item struct {
	chunk string
	err   error
}

// chanStream yields items pushed on its channel until closed.
type chanStream struct {
	items     chan item
	closed    chan struct{}
	closeOnce sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{items: make(chan item, 16), closed: make(chan struct{})}
}

func (s *chanStream) Next() (string, error) {
	select {
	case it := <-s.items:
		return it.chunk, it.err
	case <-s.closed:
		return "", chatapi.ErrStreamClosed
	}
}

func (s *chanStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type openerFunc func(ctx context.Context, streamID string) (chatapi.ChunkStream, error)

func (f openerFunc) OpenStream(ctx context.Context, streamID string) (chatapi.ChunkStream, error) {
	return f(ctx, streamID)
}

func staticOpener(s chatapi.ChunkStream) Opener {
	return openerFunc(func(context.Context, string) (chatapi.ChunkStream, error) { return s, nil })
}

type recorder struct {
	mu      sync.Mutex
	chunks  []string
	reasons []CloseReason
	errs    []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnChunk: func(_ *Connection, chunk string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chunks = append(r.chunks, chunk)
		},
		OnClose: func(_ *Connection, reason CloseReason, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reasons = append(r.reasons, reason)
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() (string, []CloseReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, ""), append([]CloseReason(nil), r.reasons...)
}

func waitDone(t *testing.T, c *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestConnection_CompletesOnEOF(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newChanStream()
	rec := &recorder{}
	c := NewConnection("st-1", rec.callbacks())
	require.Equal(t, StateIdle, c.State())

	require.NoError(t, c.Open(context.Background(), staticOpener(src)))
	require.Equal(t, StateStreaming, c.State())

	src.items <- item{chunk: "Hi"}
	src.items <- item{chunk: " there"}
	src.items <- item{err: io.EOF}
	waitDone(t, c)

	content, reasons := rec.snapshot()
	require.Equal(t, "Hi there", content)
	require.Equal(t, []CloseReason{ReasonComplete}, reasons)
	require.Equal(t, StateClosed, c.State())
	reason, err := c.Result()
	require.Equal(t, ReasonComplete, reason)
	require.NoError(t, err)

	require.ErrorIs(t, c.Open(context.Background(), staticOpener(src)), ErrNotIdle)
}

func TestConnection_TransportError(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newChanStream()
	rec := &recorder{}
	c := NewConnection("st-1", rec.callbacks())
	require.NoError(t, c.Open(context.Background(), staticOpener(src)))

	src.items <- item{chunk: "partial"}
	src.items <- item{err: errors.New("connection reset")}
	waitDone(t, c)

	content, reasons := rec.snapshot()
	require.Equal(t, "partial", content)
	require.Equal(t, []CloseReason{ReasonError}, reasons)
	_, err := c.Result()
	require.EqualError(t, err, "connection reset")
}

func TestConnection_CancelStopsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newChanStream()
	rec := &recorder{}
	c := NewConnection("st-1", rec.callbacks())
	require.NoError(t, c.Open(context.Background(), staticOpener(src)))

	src.items <- item{chunk: "a"}
	require.Eventually(t, func() bool {
		content, _ := rec.snapshot()
		return content == "a"
	}, time.Second, 5*time.Millisecond)

	c.Cancel()
	c.Cancel()
	waitDone(t, c)

	src.items <- item{chunk: "late"}
	time.Sleep(20 * time.Millisecond)

	content, reasons := rec.snapshot()
	require.Equal(t, "a", content)
	require.Empty(t, reasons)
	reason, err := c.Result()
	require.Equal(t, ReasonCancelled, reason)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestConnection_CancelBeforeOpen(t *testing.T) {
	c := NewConnection("st-1", Callbacks{})
	c.Cancel()
	waitDone(t, c)
	require.ErrorIs(t, c.Open(context.Background(), staticOpener(newChanStream())), ErrNotIdle)
}

func TestConnection_CancelWhileOpening(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	src := newChanStream()
	opener := openerFunc(func(ctx context.Context, _ string) (chatapi.ChunkStream, error) {
		close(entered)
		<-ctx.Done()
		return src, nil
	})

	c := NewConnection("st-1", Callbacks{})
	errCh := make(chan error, 1)
	go func() { errCh <- c.Open(context.Background(), opener) }()

	<-entered
	require.Equal(t, StateOpening, c.State())
	c.Cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after Cancel")
	}
	waitDone(t, c)
	select {
	case <-src.closed:
	default:
		t.Fatal("stream opened after cancel was not closed")
	}
}

func TestConnection_OpenError(t *testing.T) {
	rec := &recorder{}
	c := NewConnection("st-1", rec.callbacks())
	boom := errors.New("dial failed")
	err := c.Open(context.Background(), openerFunc(func(context.Context, string) (chatapi.ChunkStream, error) {
		return nil, boom
	}))
	require.ErrorIs(t, err, boom)
	waitDone(t, c)
	reason, _ := c.Result()
	require.Equal(t, ReasonError, reason)
	_, reasons := rec.snapshot()
	require.Empty(t, reasons)
}

func TestConnection_IDsAreUnique(t *testing.T) {
	a := NewConnection("x", Callbacks{})
	b := NewConnection("x", Callbacks{})
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, "x", a.StreamID())
}

func TestSlot_ReplaceCancelsPredecessor(t *testing.T) {
	defer goleak.VerifyNone(t)

	var slot Slot
	srcA := newChanStream()
	a := NewConnection("a", Callbacks{})
	require.NoError(t, a.Open(context.Background(), staticOpener(srcA)))
	require.Nil(t, slot.Replace(a))
	require.True(t, slot.IsCurrent(a))

	b := NewConnection("b", Callbacks{})
	require.Equal(t, a, slot.Replace(b))
	require.Equal(t, StateClosed, a.State())
	waitDone(t, a)
	require.False(t, slot.IsCurrent(a))
	require.True(t, slot.IsCurrent(b))

	require.False(t, slot.Release(a))
	require.Equal(t, b, slot.Active())
	require.True(t, slot.Release(b))
	require.Nil(t, slot.Active())
	require.False(t, slot.IsCurrent(nil))

	c := NewConnection("c", Callbacks{})
	slot.Replace(c)
	require.Equal(t, c, slot.CancelActive())
	require.Equal(t, StateClosed, c.State())
	require.Nil(t, slot.CancelActive())
}
