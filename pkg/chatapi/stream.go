package chatapi

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("chunk stream closed")

// ChunkStream yields the text chunks of one assistant reply.
//
// Next returns io.EOF once the backend closed the stream cleanly. Close is
// idempotent and unblocks a pending Next.
type ChunkStream interface {
	Next() (string, error)
	Close() error
}

type chunkEvent struct {
	Chunk *string `json:"chunk"`
}

func decodeChunk(data []byte) (string, error) {
	var ev chunkEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", errors.Wrap(err, "decode chunk event")
	}
	if ev.Chunk == nil {
		return "", errors.New("chunk event without chunk field")
	}
	return *ev.Chunk, nil
}

// OpenStream subscribes to the reply stream identified by streamID using the
// configured transport.
func (c *Client) OpenStream(ctx context.Context, streamID string) (ChunkStream, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, ErrEmptyStreamID
	}
	switch c.transport {
	case TransportWebSocket:
		return c.openWebSocket(ctx, streamID)
	default:
		return c.openSSE(ctx, streamID)
	}
}
