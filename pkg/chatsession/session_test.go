package chatsession

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/go-go-golems/sessionchat/pkg/history"
	"github.com/go-go-golems/sessionchat/pkg/persistence/chatstore"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSendMessage_HelloHiThere(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.initiate = func(ctx context.Context, req chatapi.InitiateRequest) (*chatapi.InitiateResponse, error) {
		close(entered)
		<-release
		return &chatapi.InitiateResponse{StreamID: "st-1"}, nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- h.session.SendMessage(context.Background(), "Hello", nil) }()

	<-entered
	st := h.session.Snapshot()
	require.Equal(t, []string{"user:Hello", "assistant:"}, contents(st))
	require.True(t, st.Loading)
	require.Empty(t, st.SessionID, "id is adopted only after initiate succeeded")
	close(release)
	require.NoError(t, <-errCh)

	st = h.session.Snapshot()
	require.Equal(t, "session_fixed", st.SessionID)
	require.False(t, st.Loading)
	require.Equal(t, []string{"/session_fixed"}, h.nav.Routes())

	req := h.backend.lastRequest(t)
	require.Equal(t, "Hello", req.Message)
	require.Equal(t, "session_fixed", req.SessionID)
	require.Equal(t, AnonymousUserID, req.UserID)

	s1 := h.backend.stream("st-1")
	s1.send("Hi", " there")
	s1.items <- streamItem{err: errEOF}
	h.waitStream(t)

	st = h.session.Snapshot()
	require.Equal(t, []string{"user:Hello", "assistant:Hi there"}, contents(st))
	require.False(t, st.Loading)
	require.Empty(t, st.Messages[1].Error)
	require.False(t, h.session.Streaming())

	rec, ok, err := h.index.Get(context.Background(), "session_fixed")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chatstore.StatusActive, rec.Status)
	require.Equal(t, 2, rec.MessageCount)
}

func TestSendMessage_InitiateFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.initiate = func(context.Context, chatapi.InitiateRequest) (*chatapi.InitiateResponse, error) {
		return nil, &chatapi.APIError{StatusCode: 503, Message: "backend unavailable"}
	}

	err := h.session.SendMessage(context.Background(), "Hello", nil)
	var apiErr *chatapi.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, 503, apiErr.StatusCode)

	st := h.session.Snapshot()
	require.Len(t, st.Messages, 2)
	require.Equal(t, "Hello", st.Messages[0].Content)
	require.Equal(t, chat.ErrorMarker("backend unavailable (503)"), st.Messages[1].Content)
	require.Equal(t, "backend unavailable (503)", st.Messages[1].Error)
	require.False(t, st.Loading)
	require.Empty(t, st.SessionID)
	require.Empty(t, h.nav.Routes())
	require.Equal(t, 1, h.backend.requestCount(), "no retry")
}

func TestSendMessage_InitiateFailureKeepsExistingID(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "first", nil))
	h.backend.stream("st-1").fail(errEOF)
	h.waitStream(t)

	h.backend.initiate = func(context.Context, chatapi.InitiateRequest) (*chatapi.InitiateResponse, error) {
		return nil, errors.New("connection refused")
	}
	require.Error(t, h.session.SendMessage(context.Background(), "second", nil))
	st := h.session.Snapshot()
	require.Equal(t, "session_fixed", st.SessionID)
	require.Equal(t, chat.ErrorMarker("connection refused"), st.Messages[3].Content)

	rec, _, err := h.index.Get(context.Background(), "session_fixed")
	require.NoError(t, err)
	require.Equal(t, chatstore.StatusError, rec.Status)
	require.Equal(t, "connection refused", rec.LastError)
}

func TestSendMessage_InitiateTimeout(t *testing.T) {
	h := newHarness(t, WithInitiateTimeout(20*time.Millisecond))
	h.backend.initiate = func(ctx context.Context, _ chatapi.InitiateRequest) (*chatapi.InitiateResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.Error(t, h.session.SendMessage(context.Background(), "Hello", nil))
	st := h.session.Snapshot()
	require.Equal(t, chat.ErrorMarker("request timed out"), st.Messages[1].Content)
	require.False(t, st.Loading)
}

func TestSendMessage_AdoptsBackendSessionID(t *testing.T) {
	h := newHarness(t, WithIdentity(StaticIdentity("u-42")))
	h.backend.initiate = func(_ context.Context, req chatapi.InitiateRequest) (*chatapi.InitiateResponse, error) {
		return &chatapi.InitiateResponse{StreamID: "st-" + req.Message, SessionID: "srv-1", Title: "Greeting"}, nil
	}

	require.NoError(t, h.session.SendMessage(context.Background(), "a", nil))
	require.Equal(t, "session_fixed", h.backend.lastRequest(t).SessionID)
	require.Equal(t, "u-42", h.backend.lastRequest(t).UserID)
	st := h.session.Snapshot()
	require.Equal(t, "srv-1", st.SessionID)
	require.Equal(t, "Greeting", st.Title)

	require.NoError(t, h.session.SendMessage(context.Background(), "b", nil))
	require.Equal(t, "srv-1", h.backend.lastRequest(t).SessionID)
	require.Equal(t, []string{"/srv-1"}, h.nav.Routes(), "navigation happens once per adopted id")
}

func TestSendMessage_IgnoresInvalidBackendSessionID(t *testing.T) {
	h := newHarness(t)
	h.backend.initiate = func(_ context.Context, req chatapi.InitiateRequest) (*chatapi.InitiateResponse, error) {
		return &chatapi.InitiateResponse{StreamID: "st-" + req.Message, SessionID: "bad/id", Title: "Greeting"}, nil
	}

	require.NoError(t, h.session.SendMessage(context.Background(), "a", nil))
	st := h.session.Snapshot()
	require.Equal(t, "session_fixed", st.SessionID)
	require.Equal(t, "Greeting", st.Title)
	require.Equal(t, []string{"/session_fixed"}, h.nav.Routes())

	require.NoError(t, h.session.SendMessage(context.Background(), "b", nil))
	require.Equal(t, "session_fixed", h.backend.lastRequest(t).SessionID)

	_, ok, err := h.index.Get(context.Background(), "bad/id")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSendMessage_EmptyIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "   \n", nil))
	require.Equal(t, 0, h.backend.requestCount())
	require.Empty(t, h.session.Snapshot().Messages)
	require.Empty(t, h.events.Types())

	files := []chat.Attachment{{Name: "a.txt", ContentType: "text/plain", Data: []byte("x")}}
	require.NoError(t, h.session.SendMessage(context.Background(), "", files))
	require.Equal(t, 1, h.backend.requestCount())
	st := h.session.Snapshot()
	require.Len(t, st.Messages, 2)
	require.Equal(t, "a.txt", st.Messages[0].Files[0].Name)
	require.Empty(t, st.Messages[1].Files)
}

func TestSendMessage_CancelsPreviousStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "one?", nil))
	s1 := h.backend.stream("st-1")
	s1.send("one")
	h.eventuallyState(t, func(st chat.State) bool { return st.Messages[1].Content == "one" })

	require.NoError(t, h.session.SendMessage(context.Background(), "two?", nil))
	require.True(t, s1.isClosed())
	s1.items <- streamItem{chunk: "stale"}

	s2 := h.backend.stream("st-2")
	s2.send("two")
	s2.fail(errEOF)
	h.waitStream(t)

	want := []string{"user:one?", "assistant:one", "user:two?", "assistant:two"}
	if diff := cmp.Diff(want, contents(h.session.Snapshot())); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestStartNewChat_DuringStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "Hello", nil))
	s1 := h.backend.stream("st-1")
	s1.send("Hi")
	h.eventuallyState(t, func(st chat.State) bool { return st.Messages[1].Content == "Hi" })

	h.session.StartNewChat()
	require.True(t, s1.isClosed())
	s1.items <- streamItem{chunk: " late"}
	time.Sleep(20 * time.Millisecond)

	st := h.session.Snapshot()
	require.Empty(t, st.Messages)
	require.Empty(t, st.SessionID)
	require.Equal(t, chat.DefaultTitle, st.Title)
	require.False(t, st.Loading)
	require.False(t, st.Initializing)
	require.Equal(t, []string{"/session_fixed", "/"}, h.nav.Routes())

	h.session.StartNewChat()
	require.Empty(t, h.session.Snapshot().Messages)

	require.NoError(t, h.session.SendMessage(context.Background(), "again", nil))
	h.backend.stream("st-2").send("fresh")
	st = h.eventuallyState(t, func(st chat.State) bool { return len(st.Messages) == 2 && st.Messages[1].Content == "fresh" })
	require.Equal(t, "user:again", contents(st)[0])
}

func TestStreamError_ReplacesEmptyPlaceholder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "Hello", nil))
	h.backend.stream("st-1").fail(errors.New("connection reset"))
	h.waitStream(t)

	st := h.session.Snapshot()
	require.Equal(t, chat.ErrorMarker("connection reset"), st.Messages[1].Content)
	require.Equal(t, "connection reset", st.Messages[1].Error)
	require.False(t, st.Loading)
}

func TestStreamError_KeepsPartialContent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "Hello", nil))
	s := h.backend.stream("st-1")
	s.send("partial")
	s.fail(errors.New("connection reset"))
	h.waitStream(t)

	st := h.session.Snapshot()
	require.Equal(t, "partial"+chat.InterruptedSuffix("connection reset"), st.Messages[1].Content)
	require.Equal(t, "connection reset", st.Messages[1].Error)

	rec, _, err := h.index.Get(context.Background(), "session_fixed")
	require.NoError(t, err)
	require.Equal(t, chatstore.StatusError, rec.Status)
}

func TestSendMessage_StreamOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.openErr = &chatapi.APIError{StatusCode: 410, Message: "stream expired"}

	err := h.session.SendMessage(context.Background(), "Hello", nil)
	require.Error(t, err)
	st := h.session.Snapshot()
	require.Equal(t, chat.ErrorMarker("stream expired (410)"), st.Messages[1].Content)
	require.False(t, st.Loading)
	require.False(t, h.session.Streaming())
}

func TestOpen_HydratesHistory(t *testing.T) {
	h := newHarness(t)
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	h.backend.history["s-old"] = &chatapi.HistoryResponse{
		SessionID: "s-old",
		Title:     "Recipes",
		History: []chatapi.HistoryEntry{
			{Timestamp: t0.Add(time.Minute), UserMessage: "and dessert?", LLMResponse: "tiramisu"},
			{Timestamp: t0, UserMessage: "dinner idea?", LLMResponse: "risotto"},
		},
	}

	require.NoError(t, h.session.Open(context.Background(), "s-old"))
	st := h.session.Snapshot()
	require.Equal(t, "s-old", st.SessionID)
	require.Equal(t, "Recipes", st.Title)
	require.False(t, st.Initializing)
	require.Equal(t, []string{
		"user:dinner idea?", "assistant:risotto",
		"user:and dessert?", "assistant:tiramisu",
	}, contents(st))

	rec, ok, err := h.index.Get(context.Background(), "s-old")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, rec.MessageCount)

	// continuing the conversation keeps the hydrated id
	require.NoError(t, h.session.SendMessage(context.Background(), "thanks", nil))
	require.Equal(t, "s-old", h.backend.lastRequest(t).SessionID)
	require.Empty(t, h.nav.Routes())
}

func TestOpen_MissingSessionResetsToNewChat(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "Hello", nil))
	h.backend.stream("st-1").send("Hi")
	h.eventuallyState(t, func(st chat.State) bool { return st.Messages[1].Content == "Hi" })

	err := h.session.Open(context.Background(), "abc")
	require.ErrorIs(t, err, history.ErrNotFound)
	require.True(t, h.backend.stream("st-1").isClosed())

	st := h.session.Snapshot()
	require.Empty(t, st.SessionID)
	require.Empty(t, st.Messages)
	require.Equal(t, chat.DefaultTitle, st.Title)
	require.False(t, st.Initializing)
	require.Equal(t, []string{"/session_fixed", "/"}, h.nav.Routes())

	_, ok, err := h.index.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok, "unknown ids are not indexed")
}

func TestOpen_FetchFailureResetsToNewChat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.index.Upsert(ctx, chatstore.SessionRecord{SessionID: "s-known", Title: "Old", MessageCount: 2}))

	// transport failure
	h.backend.historyErr = errors.New("connection reset")
	err := h.session.Open(ctx, "s-known")
	require.ErrorIs(t, err, history.ErrUnavailable)
	require.NotErrorIs(t, err, history.ErrNotFound)

	st := h.session.Snapshot()
	require.Empty(t, st.SessionID)
	require.Empty(t, st.Messages)
	require.Equal(t, chat.DefaultTitle, st.Title)
	require.False(t, st.Initializing)
	require.False(t, st.Loading)
	require.Equal(t, []string{"/"}, h.nav.Routes())

	rec, ok, err := h.index.Get(ctx, "s-known")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, chatstore.StatusError, rec.Status)
	require.Contains(t, rec.LastError, "connection reset")
	require.Equal(t, 2, rec.MessageCount)

	// an answer without a decodable body
	h.backend.historyErr = nil
	h.backend.history["s-known"] = nil
	err = h.session.Open(ctx, "s-known")
	require.ErrorIs(t, err, history.ErrUnavailable)
	require.Empty(t, h.session.Snapshot().SessionID)
	require.Equal(t, []string{"/", "/"}, h.nav.Routes())

	var resets int
	for _, ev := range h.events.Events() {
		if ev.Type == eventbus.TypeSessionReset {
			resets++
			require.NotEmpty(t, ev.Error)
		}
	}
	require.Equal(t, 2, resets)
}

func TestOpen_ShowsInitializingAndDropsStaleResult(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.backend.history["s1"] = &chatapi.HistoryResponse{SessionID: "s1"}
	h.backend.historyHook = func(context.Context) {
		close(entered)
		<-release
	}

	errCh := make(chan error, 1)
	go func() { errCh <- h.session.Open(context.Background(), "s1") }()
	<-entered
	st := h.session.Snapshot()
	require.True(t, st.Initializing)
	require.False(t, st.Loading)

	h.session.StartNewChat()
	close(release)
	require.ErrorIs(t, <-errCh, ErrSuperseded)
	st = h.session.Snapshot()
	require.Empty(t, st.SessionID)
	require.False(t, st.Initializing)
}

func TestOpen_EmptyIDStartsNewChat(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "Hello", nil))
	require.NoError(t, h.session.Open(context.Background(), ""))
	require.Empty(t, h.session.Snapshot().Messages)
}

func TestEvents_FollowTheSendCycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SendMessage(context.Background(), "Hello", nil))
	s := h.backend.stream("st-1")
	s.send("Hi", " there")
	s.fail(errEOF)
	h.waitStream(t)

	require.Equal(t, []eventbus.Type{
		eventbus.TypeMessageAppended,
		eventbus.TypeMessageAppended,
		eventbus.TypeStateLoading,
		eventbus.TypeSessionAdopted,
		eventbus.TypeStreamOpened,
		eventbus.TypeStateLoading,
		eventbus.TypeMessageChunk,
		eventbus.TypeMessageChunk,
		eventbus.TypeStreamClosed,
	}, h.events.Types())

	events := h.events.Events()
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}
	closed := events[len(events)-1]
	require.Equal(t, "complete", closed.Reason)
	require.Equal(t, "Hi there", closed.Content)
	require.Equal(t, "session_fixed", closed.SessionID)
}

func TestClose_StopsStreamWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := newFakeBackend()
	s, err := New(backend)
	require.NoError(t, err)

	require.NoError(t, s.SendMessage(context.Background(), "Hello", nil))
	backend.stream("st-1").send("Hi")
	require.Eventually(t, func() bool {
		return s.Snapshot().Messages[1].Content == "Hi"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.True(t, backend.stream("st-1").isClosed())
	require.ErrorIs(t, s.SendMessage(context.Background(), "again", nil), ErrClosed)
	require.ErrorIs(t, s.Open(context.Background(), "x"), ErrClosed)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(newFakeBackend(), WithInitiateTimeout(0))
	require.Error(t, err)
}
