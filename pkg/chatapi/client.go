package chatapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StreamTransport selects how the stream endpoint is consumed.
type StreamTransport string

const (
	TransportSSE       StreamTransport = "sse"
	TransportWebSocket StreamTransport = "websocket"
)

const defaultRequestTimeout = 60 * time.Second

// ParseStreamTransport accepts "sse", "websocket" and "ws".
func ParseStreamTransport(s string) (StreamTransport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(TransportSSE):
		return TransportSSE, nil
	case string(TransportWebSocket), "ws":
		return TransportWebSocket, nil
	default:
		return "", errors.Errorf("unknown stream transport %q", s)
	}
}

// Client talks to the chat backend over its HTTP/SSE contract.
type Client struct {
	baseURL *url.URL
	// httpClient is used for bounded request/response calls.
	httpClient *http.Client
	// streamClient has no overall timeout; streams are long-lived.
	streamClient *http.Client
	transport    StreamTransport
	dialer       *websocket.Dialer
	header       http.Header
	logger       zerolog.Logger
}

type Option func(*Client) error

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) error {
		if c == nil {
			return errors.New("http client is nil")
		}
		cl.httpClient = c
		return nil
	}
}

// WithStreamHTTPClient replaces the client used for SSE streams.
func WithStreamHTTPClient(c *http.Client) Option {
	return func(cl *Client) error {
		if c == nil {
			return errors.New("stream http client is nil")
		}
		cl.streamClient = c
		return nil
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) error {
		if d <= 0 {
			return errors.Errorf("request timeout must be positive, got %s", d)
		}
		cl.httpClient.Timeout = d
		return nil
	}
}

func WithStreamTransport(t StreamTransport) Option {
	return func(cl *Client) error {
		parsed, err := ParseStreamTransport(string(t))
		if err != nil {
			return err
		}
		cl.transport = parsed
		return nil
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(cl *Client) error {
		if d == nil {
			return errors.New("websocket dialer is nil")
		}
		cl.dialer = d
		return nil
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) error {
		cl.header.Add(key, value)
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) error {
		cl.logger = l
		return nil
	}
}

func NewClient(baseURL string, options ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("chat api: empty base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "chat api: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("chat api: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		baseURL:      u,
		httpClient:   &http.Client{Timeout: defaultRequestTimeout},
		streamClient: &http.Client{},
		transport:    TransportSSE,
		dialer:       websocket.DefaultDialer,
		header:       http.Header{},
		logger:       log.With().Str("component", "chatapi").Logger(),
	}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "chat api: apply option")
		}
	}
	return c, nil
}

func (c *Client) Transport() StreamTransport { return c.transport }

// endpoint joins path segments onto the base url, escaping each segment.
func (c *Client) endpoint(segments ...string) *url.URL {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return c.baseURL.JoinPath(escaped...)
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, u.Path)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}
