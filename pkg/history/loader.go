// Package history turns a backend session history into the ordered message list
// a resumed chat starts from.
package history

import (
	"context"
	"sort"
	"strings"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/go-go-golems/sessionchat/pkg/sessionid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound means the backend does not know the session.
	ErrNotFound = errors.New("history: session not found")
	// ErrUnavailable means the history could not be fetched or decoded.
	ErrUnavailable = errors.New("history: unavailable")
	// ErrInvalidSessionID is returned for ids that cannot be requested.
	ErrInvalidSessionID = errors.New("history: invalid session id")
)

// Fetcher is the backend call the loader depends on. *chatapi.Client implements it.
type Fetcher interface {
	FetchHistory(ctx context.Context, sessionID string) (*chatapi.HistoryResponse, error)
}

// Result is a hydrated session.
type Result struct {
	SessionID string
	Title     string
	Messages  []chat.Message
}

type Loader struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

func NewLoader(fetcher Fetcher) *Loader {
	return &Loader{
		fetcher: fetcher,
		logger:  log.With().Str("component", "history").Logger(),
	}
}

// Load fetches and flattens the history of sessionID. Each entry becomes a user
// message followed by an assistant message, in timestamp order.
func (l *Loader) Load(ctx context.Context, sessionID string) (*Result, error) {
	if !sessionid.Valid(sessionID) {
		return nil, errors.Wrapf(ErrInvalidSessionID, "%q", sessionID)
	}

	resp, err := l.fetcher.FetchHistory(ctx, sessionID)
	if err != nil {
		if errors.Is(err, chatapi.ErrSessionNotFound) {
			l.logger.Info().Str("session_id", sessionID).Err(err).Msg("session not found")
			return nil, errors.Wrap(ErrNotFound, err.Error())
		}
		l.logger.Warn().Str("session_id", sessionID).Err(err).Msg("history fetch failed")
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	if resp == nil {
		return nil, errors.Wrap(ErrUnavailable, "empty history response")
	}

	res := &Result{
		SessionID: sessionID,
		Title:     strings.TrimSpace(resp.Title),
		Messages:  Flatten(resp.History),
	}
	if id := strings.TrimSpace(resp.SessionID); id != "" && !sessionid.Valid(id) {
		l.logger.Warn().Str("requested", sessionID).Str("session_id", id).Msg("backend returned an unusable session id, keeping the requested one")
	} else if id != "" {
		if id != sessionID {
			l.logger.Info().Str("requested", sessionID).Str("session_id", id).Msg("backend returned a different session id")
		}
		res.SessionID = id
	}
	if res.Title == "" {
		res.Title = chat.DefaultTitle
	}

	l.logger.Debug().
		Str("session_id", res.SessionID).
		Int("entries", len(resp.History)).
		Msg("history loaded")
	return res, nil
}

// Flatten sorts entries stably by timestamp and expands each into a user and an
// assistant message with stable derived ids.
func Flatten(entries []chatapi.HistoryEntry) []chat.Message {
	sorted := append([]chatapi.HistoryEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := make([]chat.Message, 0, 2*len(sorted))
	for i, e := range sorted {
		out = append(out,
			chat.Message{
				ID:        chat.HistoryMessageID(chat.RoleUser, i),
				Role:      chat.RoleUser,
				Content:   e.UserMessage,
				Timestamp: e.Timestamp,
			},
			chat.Message{
				ID:        chat.HistoryMessageID(chat.RoleAssistant, i),
				Role:      chat.RoleAssistant,
				Content:   e.LLMResponse,
				Timestamp: e.Timestamp,
			},
		)
	}
	return out
}
