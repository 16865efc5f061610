package chatsession

import (
	"context"

	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/go-go-golems/sessionchat/pkg/stream"
)

// AnonymousUserID is sent when no user is signed in.
const AnonymousUserID = "anonymous"

// Backend is the chat backend as the session uses it. *chatapi.Client implements it.
type Backend interface {
	Initiate(ctx context.Context, in chatapi.InitiateRequest) (*chatapi.InitiateResponse, error)
	stream.Opener
}

// Identity yields the signed-in user, if any.
type Identity interface {
	CurrentUserID() (string, bool)
}

// StaticIdentity is a fixed user id; the empty string means nobody is signed in.
type StaticIdentity string

func (s StaticIdentity) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

// Navigator reflects session changes in the surrounding UI's routing.
type Navigator interface {
	GoToSession(sessionID string)
	GoToNewChat()
}

// EventPublisher receives every state change. *eventbus.Bus implements it.
type EventPublisher interface {
	Publish(ev eventbus.Event) error
}

type nopNavigator struct{}

func (nopNavigator) GoToSession(string) {}
func (nopNavigator) GoToNewChat()       {}
