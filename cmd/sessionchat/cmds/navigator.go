package cmds

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Navigator keeps the route the web client would show: "/" for a new chat and
// "/<session id>" for an existing one.
type Navigator struct {
	mu     sync.Mutex
	route  string
	logger zerolog.Logger
}

func NewNavigator() *Navigator {
	return &Navigator{
		route:  "/",
		logger: log.With().Str("component", "navigator").Logger(),
	}
}

func (n *Navigator) GoToSession(sessionID string) {
	n.set("/" + sessionID)
}

func (n *Navigator) GoToNewChat() {
	n.set("/")
}

func (n *Navigator) Route() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.route
}

func (n *Navigator) set(route string) {
	n.mu.Lock()
	prev := n.route
	n.route = route
	n.mu.Unlock()
	if prev != route {
		n.logger.Debug().Str("from", prev).Str("to", route).Msg("route changed")
	}
}
