package chatapi

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const maxSSELine = 1 << 20

type sseStream struct {
	streamID string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	cancel   context.CancelFunc
	logger   zerolog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (c *Client) openSSE(ctx context.Context, streamID string) (ChunkStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	u := c.endpoint("chat", "stream", streamID)
	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := readAPIError(resp)
		_ = resp.Body.Close()
		cancel()
		return nil, errors.Wrap(apiErr, "open event stream")
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	c.logger.Debug().Str("stream_id", streamID).Msg("event stream opened")
	return &sseStream{
		streamID: streamID,
		body:     resp.Body,
		scanner:  scanner,
		cancel:   cancel,
		logger:   c.logger.With().Str("stream_id", streamID).Logger(),
	}, nil
}

// Next assembles the next event from data lines and decodes its chunk.
// Undecodable events are skipped.
func (s *sseStream) Next() (string, error) {
	var data bytes.Buffer
	hasData := false
	for {
		if !s.scanner.Scan() {
			if s.isClosed() {
				return "", ErrStreamClosed
			}
			if err := s.scanner.Err(); err != nil {
				return "", errors.Wrap(err, "read event stream")
			}
			if hasData {
				// a final event without trailing blank line still counts
				if chunk, err := decodeChunk(data.Bytes()); err == nil {
					return chunk, nil
				}
			}
			return "", io.EOF
		}

		line := s.scanner.Bytes()
		if len(line) == 0 {
			if !hasData {
				continue
			}
			chunk, err := decodeChunk(data.Bytes())
			data.Reset()
			hasData = false
			if err != nil {
				s.logger.Warn().Err(err).Msg("skipping malformed stream event")
				continue
			}
			return chunk, nil
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		if len(field) == 0 {
			// comment / keep-alive
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if string(field) != "data" {
			continue
		}
		if hasData {
			data.WriteByte('\n')
		}
		data.Write(value)
		hasData = true
	}
}

func (s *sseStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		err = s.body.Close()
	})
	return err
}
