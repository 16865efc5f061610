package chatapi

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type wsStream struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (c *Client) openWebSocket(ctx context.Context, streamID string) (ChunkStream, error) {
	u := c.endpoint("chat", "stream", streamID)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header.Clone())
	if err != nil {
		if resp != nil {
			apiErr := readAPIError(resp)
			_ = resp.Body.Close()
			return nil, errors.Wrap(apiErr, "open websocket stream")
		}
		return nil, errors.Wrap(err, "open websocket stream")
	}
	c.logger.Debug().Str("stream_id", streamID).Msg("websocket stream opened")
	return &wsStream{
		conn:   conn,
		logger: c.logger.With().Str("stream_id", streamID).Logger(),
	}, nil
}

// Next reads text frames until one decodes as a chunk. A normal close is io.EOF.
func (s *wsStream) Next() (string, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return "", ErrStreamClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return "", io.EOF
			}
			return "", errors.Wrap(err, "read websocket stream")
		}
		if mt != websocket.TextMessage {
			continue
		}
		chunk, err := decodeChunk(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed stream frame")
			continue
		}
		return chunk, nil
	}
}

func (s *wsStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}
