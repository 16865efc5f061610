// Package chatsession is the chat session orchestrator. It owns the message
// list, the loading flags and the session id, and drives the backend through a
// send → stream → complete cycle or a history hydration.
//
// All state lives behind one mutex. Network calls run outside it, and every
// asynchronous completion re-checks a generation counter plus the identity of
// the active stream before it touches state, so superseded work is inert.
package chatsession

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/go-go-golems/sessionchat/pkg/history"
	"github.com/go-go-golems/sessionchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/sessionchat/pkg/sessionid"
	"github.com/go-go-golems/sessionchat/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed = errors.New("chatsession: session closed")
	// ErrSuperseded is returned when a newer send, navigation or reset took over
	// while the call was waiting on the network.
	ErrSuperseded = errors.New("chatsession: superseded")
	ErrNoHistory  = errors.New("chatsession: no history source configured")
)

type Session struct {
	backend  Backend
	loader   *history.Loader
	identity Identity
	nav      Navigator
	events   EventPublisher
	index    chatstore.SessionIndex
	ids      sessionid.Generator
	msgIDs   *chat.MessageIDs
	now      func() time.Time
	logger   zerolog.Logger

	initiateTimeout time.Duration
	historyTimeout  time.Duration

	parentCtx  context.Context
	baseCtx    context.Context
	cancelBase context.CancelFunc

	slot stream.Slot

	mu      sync.Mutex
	state   chat.State
	gen     uint64
	seq     uint64
	closed  bool
	effects []func()
}

func New(backend Backend, opts ...Option) (*Session, error) {
	if backend == nil {
		return nil, errors.New("chatsession: backend is nil")
	}
	s := &Session{
		backend:         backend,
		identity:        StaticIdentity(""),
		nav:             nopNavigator{},
		ids:             sessionid.Default,
		now:             time.Now,
		logger:          log.With().Str("component", "chatsession").Logger(),
		initiateTimeout: DefaultInitiateTimeout,
		historyTimeout:  DefaultHistoryTimeout,
		parentCtx:       context.Background(),
		state:           chat.NewState(),
	}
	if f, ok := backend.(history.Fetcher); ok {
		s.loader = history.NewLoader(f)
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "chatsession: apply option")
		}
	}
	s.msgIDs = chat.NewMessageIDs(s.now)
	s.baseCtx, s.cancelBase = context.WithCancel(s.parentCtx)
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() chat.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SessionID
}

// Streaming reports whether a reply stream is currently active.
func (s *Session) Streaming() bool {
	return s.slot.Active() != nil
}

// WaitStream blocks until the active reply stream, if any, has finished.
func (s *Session) WaitStream(ctx context.Context) error {
	conn := s.slot.Active()
	if conn == nil {
		return nil
	}
	return conn.Wait(ctx)
}

// SendMessage appends the user message and an empty assistant placeholder,
// submits the message and subscribes to the reply stream. It returns once the
// stream is open; chunks keep arriving in the background.
//
// Blank content without files is ignored.
func (s *Session) SendMessage(ctx context.Context, content string, files []chat.Attachment) error {
	if strings.TrimSpace(content) == "" && len(files) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.slot.CancelActive()
	s.gen++
	gen := s.gen

	userMsgID, userTS := s.msgIDs.Next(chat.RoleUser)
	assistantID, assistantTS := s.msgIDs.Next(chat.RoleAssistant)
	s.state.Messages = append(s.state.Messages,
		chat.Message{ID: userMsgID, Role: chat.RoleUser, Content: content, Timestamp: userTS, Files: cloneFiles(files)},
		chat.Message{ID: assistantID, Role: chat.RoleAssistant, Timestamp: assistantTS},
	)
	s.state.Loading = true
	s.state.Initializing = false

	candidate := s.state.SessionID
	if candidate == "" {
		candidate = s.ids.Generate()
	}
	s.emitLocked(eventbus.Event{Type: eventbus.TypeMessageAppended, MessageID: userMsgID, Role: chat.RoleUser, Content: content, Count: len(files)})
	s.emitLocked(eventbus.Event{Type: eventbus.TypeMessageAppended, MessageID: assistantID, Role: chat.RoleAssistant})
	s.emitLocked(eventbus.Event{Type: eventbus.TypeStateLoading})
	s.unlock()

	logger := s.logger.With().Str("session_id", candidate).Str("message_id", assistantID).Logger()
	logger.Info().Int("files", len(files)).Msg("sending message")

	ictx, cancel := context.WithTimeout(ctx, s.initiateTimeout)
	resp, err := s.backend.Initiate(ictx, chatapi.InitiateRequest{
		Message:   content,
		SessionID: candidate,
		UserID:    s.userID(),
		Files:     files,
	})
	cancel()

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.unlock()
		logger.Debug().Msg("initiate result discarded, superseded")
		return ErrSuperseded
	}
	if err != nil {
		reason := failureReason(err)
		s.failLocked(assistantID, reason)
		s.recordLocked(chatstore.SessionRecord{SessionID: s.state.SessionID, Status: chatstore.StatusError, LastError: reason})
		s.unlock()
		logger.Warn().Err(err).Msg("initiate failed")
		return errors.Wrap(err, "initiate")
	}

	sessionID := strings.TrimSpace(resp.SessionID)
	if sessionID != "" && !sessionid.Valid(sessionID) {
		logger.Warn().Str("backend_session_id", sessionID).Msg("backend returned an unusable session id, keeping ours")
		sessionID = ""
	}
	if sessionID == "" {
		sessionID = candidate
	}
	if sessionID != s.state.SessionID {
		s.state.SessionID = sessionID
		if title := strings.TrimSpace(resp.Title); title != "" {
			s.state.Title = title
		}
		s.emitLocked(eventbus.Event{Type: eventbus.TypeSessionAdopted, Title: s.state.Title})
		nav := s.nav
		s.effects = append(s.effects, func() { nav.GoToSession(sessionID) })
		logger.Info().Str("adopted", sessionID).Msg("session id adopted")
	} else if title := strings.TrimSpace(resp.Title); title != "" && title != s.state.Title {
		s.state.Title = title
		s.emitLocked(eventbus.Event{Type: eventbus.TypeSessionAdopted, Title: title})
	}

	conn := stream.NewConnection(resp.StreamID, s.callbacks(gen, assistantID))
	s.slot.Replace(conn)
	s.recordLocked(chatstore.SessionRecord{
		SessionID:    sessionID,
		Title:        s.state.Title,
		UserID:       s.userID(),
		MessageCount: len(s.state.Messages),
		Status:       chatstore.StatusActive,
	})
	s.unlock()

	openErr := conn.Open(s.baseCtx, s.backend)

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.unlock()
		return ErrSuperseded
	}
	if openErr != nil {
		s.slot.Release(conn)
		reason := failureReason(openErr)
		s.failLocked(assistantID, reason)
		s.recordLocked(chatstore.SessionRecord{SessionID: sessionID, Status: chatstore.StatusError, LastError: reason})
		s.unlock()
		logger.Warn().Err(openErr).Str("stream_id", resp.StreamID).Msg("stream open failed")
		return errors.Wrap(openErr, "open stream")
	}
	if s.slot.IsCurrent(conn) {
		s.emitLocked(eventbus.Event{Type: eventbus.TypeStreamOpened, MessageID: assistantID})
	}
	if s.state.Loading {
		s.state.Loading = false
		s.emitLocked(eventbus.Event{Type: eventbus.TypeStateLoading})
	}
	s.unlock()
	return nil
}

func (s *Session) callbacks(gen uint64, messageID string) stream.Callbacks {
	return stream.Callbacks{
		OnChunk: func(c *stream.Connection, chunk string) {
			s.applyChunk(gen, c, messageID, chunk)
		},
		OnClose: func(c *stream.Connection, reason stream.CloseReason, err error) {
			s.finishStream(gen, c, messageID, reason, err)
		},
	}
}

// currentLocked is the staleness guard for stream callbacks.
func (s *Session) currentLocked(gen uint64, c *stream.Connection) bool {
	return !s.closed && s.gen == gen && s.slot.IsCurrent(c)
}

func (s *Session) applyChunk(gen uint64, c *stream.Connection, messageID, chunk string) {
	s.mu.Lock()
	if !s.currentLocked(gen, c) {
		s.unlock()
		return
	}
	idx := s.state.MessageIndex(messageID)
	if idx < 0 {
		s.unlock()
		return
	}
	s.state.Messages[idx].Content += chunk
	s.emitLocked(eventbus.Event{Type: eventbus.TypeMessageChunk, MessageID: messageID, Role: chat.RoleAssistant, Chunk: chunk})
	if s.state.Loading {
		s.state.Loading = false
		s.emitLocked(eventbus.Event{Type: eventbus.TypeStateLoading})
	}
	s.unlock()
}

func (s *Session) finishStream(gen uint64, c *stream.Connection, messageID string, reason stream.CloseReason, err error) {
	s.mu.Lock()
	if !s.currentLocked(gen, c) {
		s.unlock()
		return
	}
	s.slot.Release(c)

	record := chatstore.SessionRecord{
		SessionID:    s.state.SessionID,
		MessageCount: len(s.state.Messages),
		Status:       chatstore.StatusActive,
	}
	ev := eventbus.Event{Type: eventbus.TypeStreamClosed, MessageID: messageID, Reason: reason.String()}
	if reason == stream.ReasonError {
		msg := failureReason(err)
		s.failLocked(messageID, msg)
		record.Status = chatstore.StatusError
		record.LastError = msg
		ev.Error = msg
		s.logger.Warn().Err(err).Str("session_id", s.state.SessionID).Str("message_id", messageID).Msg("stream failed")
	} else if s.state.Loading {
		s.state.Loading = false
	}
	if idx := s.state.MessageIndex(messageID); idx >= 0 {
		ev.Content = s.state.Messages[idx].Content
	}
	s.emitLocked(ev)
	s.recordLocked(record)
	s.unlock()
}

// failLocked applies the error policy to an assistant message: an empty
// placeholder becomes an error marker, partial content keeps what arrived and
// gets an interruption suffix.
func (s *Session) failLocked(messageID, reason string) {
	if idx := s.state.MessageIndex(messageID); idx >= 0 {
		m := &s.state.Messages[idx]
		if m.Content == "" {
			m.Content = chat.ErrorMarker(reason)
		} else {
			m.Content += chat.InterruptedSuffix(reason)
		}
		m.Error = reason
		s.emitLocked(eventbus.Event{Type: eventbus.TypeMessageFailed, MessageID: messageID, Role: chat.RoleAssistant, Content: m.Content, Error: reason})
	}
	if s.state.Loading {
		s.state.Loading = false
		s.emitLocked(eventbus.Event{Type: eventbus.TypeStateLoading})
	}
}

// StartNewChat drops the current conversation and returns to the empty state.
func (s *Session) StartNewChat() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.slot.CancelActive()
	s.state = chat.NewState()
	s.emitLocked(eventbus.Event{Type: eventbus.TypeSessionReset})
	nav := s.nav
	s.effects = append(s.effects, nav.GoToNewChat)
	s.unlock()
	s.logger.Debug().Msg("started new chat")
}

// Open hydrates an existing session from its history. An empty id starts a new
// chat. On failure the session ends up in the new-chat state and the navigator
// is sent to the new-chat route.
func (s *Session) Open(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		s.StartNewChat()
		return nil
	}
	if s.loader == nil {
		return ErrNoHistory
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.slot.CancelActive()
	s.state.Initializing = true
	s.state.Loading = false
	s.emitLocked(eventbus.Event{Type: eventbus.TypeSessionHydrating, SessionID: sessionID})
	s.unlock()

	hctx, cancel := context.WithTimeout(ctx, s.historyTimeout)
	res, err := s.loader.Load(hctx, sessionID)
	cancel()

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.unlock()
		return ErrSuperseded
	}
	nav := s.nav
	if err != nil {
		s.state = chat.NewState()
		s.emitLocked(eventbus.Event{Type: eventbus.TypeSessionReset, Error: err.Error()})
		status := chatstore.StatusError
		if errors.Is(err, history.ErrNotFound) {
			status = chatstore.StatusNotFound
		}
		s.markKnownLocked(sessionID, status, err.Error())
		s.effects = append(s.effects, nav.GoToNewChat)
		s.unlock()
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("hydration failed, starting new chat")
		return errors.Wrapf(err, "open session %s", sessionID)
	}

	s.state = chat.State{
		SessionID: res.SessionID,
		Title:     res.Title,
		Messages:  res.Messages,
	}
	s.emitLocked(eventbus.Event{Type: eventbus.TypeSessionHydrated, Title: res.Title, Count: len(res.Messages)})
	s.recordLocked(chatstore.SessionRecord{
		SessionID:    res.SessionID,
		Title:        res.Title,
		MessageCount: len(res.Messages),
		Status:       chatstore.StatusActive,
	})
	if res.SessionID != sessionID {
		id := res.SessionID
		s.effects = append(s.effects, func() { nav.GoToSession(id) })
	}
	s.unlock()
	s.logger.Info().Str("session_id", res.SessionID).Int("messages", len(res.Messages)).Msg("session hydrated")
	return nil
}

// Close tears the session down: the active stream is cancelled and every
// pending callback becomes inert. Close waits for the stream reader to exit, so
// it must not be called from an event subscriber that the reader is blocked on.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	prev := s.slot.CancelActive()
	s.state.Loading = false
	s.state.Initializing = false
	s.cancelBase()
	s.unlock()

	if prev != nil {
		<-prev.Done()
	}
	return nil
}

// unlock releases the mutex and runs the side effects queued while it was held,
// in order. Publishing, index writes and navigation never happen under the lock.
func (s *Session) unlock() {
	effects := s.effects
	s.effects = nil
	s.mu.Unlock()
	for _, fn := range effects {
		fn()
	}
}

func (s *Session) emitLocked(ev eventbus.Event) {
	if s.events == nil {
		return
	}
	s.seq++
	ev.Seq = s.seq
	if ev.SessionID == "" {
		ev.SessionID = s.state.SessionID
	}
	ev.Loading = s.state.Loading
	ev.Initializing = s.state.Initializing
	ev.Time = s.now()
	pub := s.events
	s.effects = append(s.effects, func() {
		if err := pub.Publish(ev); err != nil {
			s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("publish failed")
		}
	})
}

func (s *Session) recordLocked(record chatstore.SessionRecord) {
	if s.index == nil || record.SessionID == "" {
		return
	}
	record.LastActivityMs = s.now().UnixMilli()
	idx := s.index
	s.effects = append(s.effects, func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		if err := idx.Upsert(ctx, record); err != nil {
			s.logger.Warn().Err(err).Str("session_id", record.SessionID).Msg("session index update failed")
		}
	})
}

// markKnownLocked updates the status of a session only if the index already
// knows it; unknown ids that failed to load are not worth remembering.
func (s *Session) markKnownLocked(sessionID, status, lastError string) {
	if s.index == nil {
		return
	}
	idx := s.index
	activity := s.now().UnixMilli()
	s.effects = append(s.effects, func() {
		ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		defer cancel()
		if _, ok, err := idx.Get(ctx, sessionID); err != nil || !ok {
			return
		}
		if err := idx.Upsert(ctx, chatstore.SessionRecord{
			SessionID:      sessionID,
			LastActivityMs: activity,
			Status:         status,
			LastError:      lastError,
		}); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session index update failed")
		}
	})
}

func (s *Session) userID() string {
	if s.identity == nil {
		return AnonymousUserID
	}
	if id, ok := s.identity.CurrentUserID(); ok && strings.TrimSpace(id) != "" {
		return id
	}
	return AnonymousUserID
}

func cloneFiles(files []chat.Attachment) []chat.Attachment {
	if len(files) == 0 {
		return nil
	}
	return append([]chat.Attachment(nil), files...)
}

// failureReason turns an error into the short text shown to the user.
func failureReason(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *chatapi.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request timed out"
	}
	return err.Error()
}
