// Package stream manages the lifecycle of the push connection that carries one
// assistant reply.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotIdle is returned when Open is called on a used connection.
	ErrNotIdle = errors.New("stream: connection is not idle")
	// ErrCancelled is returned by Open when Cancel won the race.
	ErrCancelled = errors.New("stream: connection cancelled")
)

type State int

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonComplete
	ReasonError
	ReasonCancelled
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonComplete:
		return "complete"
	case ReasonError:
		return "error"
	case ReasonCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Opener subscribes to a reply stream. *chatapi.Client implements it.
type Opener interface {
	OpenStream(ctx context.Context, streamID string) (chatapi.ChunkStream, error)
}

// Callbacks receive the events of a streaming connection. They run on the
// connection's reader goroutine, never while the connection holds its lock.
type Callbacks struct {
	OnChunk func(c *Connection, chunk string)
	// OnClose fires once when the stream completes or fails. It does not fire
	// for Cancel or for a failed Open.
	OnClose func(c *Connection, reason CloseReason, err error)
}

var nextID atomic.Uint64

// Connection is a single-use stream subscription.
type Connection struct {
	id       uint64
	streamID string
	cb       Callbacks
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	reason CloseReason
	err    error
	src    chatapi.ChunkStream
	cancel context.CancelFunc
	done   chan struct{}
	chunks int
}

func NewConnection(streamID string, cb Callbacks) *Connection {
	id := nextID.Add(1)
	return &Connection{
		id:       id,
		streamID: streamID,
		cb:       cb,
		done:     make(chan struct{}),
		logger: log.With().
			Str("component", "stream").
			Uint64("conn_id", id).
			Str("stream_id", streamID).
			Logger(),
	}
}

// ID is unique within the process and identifies this connection as a handle.
func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) StreamID() string { return c.streamID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the close reason and error once the connection is closed.
func (c *Connection) Result() (CloseReason, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.err
}

// Done is closed once the connection is closed and its reader has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open subscribes to the stream and starts delivering chunks. There is no open
// acknowledgement in the protocol, so a successful subscription moves straight
// to StateStreaming.
func (c *Connection) Open(ctx context.Context, opener Opener) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	ctx, cancel := context.WithCancel(ctx)
	c.state = StateOpening
	c.cancel = cancel
	c.mu.Unlock()

	src, err := opener.OpenStream(ctx, c.streamID)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		if src != nil {
			_ = src.Close()
		}
		close(c.done)
		return ErrCancelled
	}
	if err != nil {
		c.state = StateClosed
		c.reason = ReasonError
		c.err = err
		c.mu.Unlock()
		cancel()
		close(c.done)
		c.logger.Debug().Err(err).Msg("stream open failed")
		return err
	}
	c.state = StateStreaming
	c.src = src
	c.mu.Unlock()

	c.logger.Debug().Msg("stream open")
	go c.readLoop(src)
	return nil
}

func (c *Connection) readLoop(src chatapi.ChunkStream) {
	defer close(c.done)
	for {
		chunk, err := src.Next()
		if err != nil {
			c.finish(src, err)
			return
		}

		c.mu.Lock()
		if c.state != StateStreaming {
			c.mu.Unlock()
			return
		}
		c.chunks++
		onChunk := c.cb.OnChunk
		c.mu.Unlock()

		if onChunk != nil {
			onChunk(c, chunk)
		}
	}
}

func (c *Connection) finish(src chatapi.ChunkStream, err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if errors.Is(err, io.EOF) {
		c.reason = ReasonComplete
	} else {
		c.reason = ReasonError
		c.err = err
	}
	reason, closeErr, chunks := c.reason, c.err, c.chunks
	onClose := c.cb.OnClose
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	_ = src.Close()
	c.logger.Debug().Str("reason", reason.String()).Int("chunks", chunks).Err(closeErr).Msg("stream closed")
	if onClose != nil {
		onClose(c, reason, closeErr)
	}
}

// Cancel closes the connection from any state. It never invokes callbacks and
// no chunk is delivered once it returned, except one whose callback was
// already running.
func (c *Connection) Cancel() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	c.reason = ReasonCancelled
	c.err = ErrCancelled
	src, cancel := c.src, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		_ = src.Close()
	}
	if prev == StateIdle {
		close(c.done)
	}
	c.logger.Debug().Str("from", prev.String()).Msg("stream cancelled")
}
