package chatsession

import (
	"context"
	"time"

	"github.com/go-go-golems/sessionchat/pkg/history"
	"github.com/go-go-golems/sessionchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/sessionchat/pkg/sessionid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultInitiateTimeout = 60 * time.Second
	DefaultHistoryTimeout  = 30 * time.Second
	indexTimeout           = 5 * time.Second
)

type Option func(*Session) error

func WithIdentity(id Identity) Option {
	return func(s *Session) error {
		s.identity = id
		return nil
	}
}

func WithNavigator(n Navigator) Option {
	return func(s *Session) error {
		if n == nil {
			n = nopNavigator{}
		}
		s.nav = n
		return nil
	}
}

func WithEventPublisher(p EventPublisher) Option {
	return func(s *Session) error {
		s.events = p
		return nil
	}
}

func WithSessionIndex(idx chatstore.SessionIndex) Option {
	return func(s *Session) error {
		s.index = idx
		return nil
	}
}

// WithHistoryFetcher overrides the history source. By default the backend is
// used when it can fetch history.
func WithHistoryFetcher(f history.Fetcher) Option {
	return func(s *Session) error {
		if f == nil {
			return errors.New("history fetcher is nil")
		}
		s.loader = history.NewLoader(f)
		return nil
	}
}

func WithSessionIDGenerator(g sessionid.Generator) Option {
	return func(s *Session) error {
		if g == nil {
			return errors.New("session id generator is nil")
		}
		s.ids = g
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		s.now = now
		return nil
	}
}

func WithInitiateTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return errors.Errorf("initiate timeout must be positive, got %s", d)
		}
		s.initiateTimeout = d
		return nil
	}
}

func WithHistoryTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return errors.Errorf("history timeout must be positive, got %s", d)
		}
		s.historyTimeout = d
		return nil
	}
}

// WithBaseContext sets the context streams run on. Cancelling it tears the
// active stream down.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Session) error {
		if ctx == nil {
			return errors.New("base context is nil")
		}
		s.parentCtx = ctx
		return nil
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) error {
		s.logger = l
		return nil
	}
}
