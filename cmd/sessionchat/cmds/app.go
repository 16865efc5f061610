package cmds

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-go-golems/sessionchat/pkg/chatapi"
	"github.com/go-go-golems/sessionchat/pkg/chatsession"
	"github.com/go-go-golems/sessionchat/pkg/config"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/go-go-golems/sessionchat/pkg/persistence/chatstore"
	"github.com/pkg/errors"
)

// App bundles everything a command needs to talk to the backend.
type App struct {
	Settings config.Settings
	Client   *chatapi.Client
	Bus      *eventbus.Bus
	Index    chatstore.SessionIndex
	Nav      *Navigator
	Session  *chatsession.Session
}

func NewApp(ctx context.Context, s config.Settings) (_ *App, err error) {
	transport, err := chatapi.ParseStreamTransport(s.StreamTransport)
	if err != nil {
		return nil, err
	}
	client, err := chatapi.NewClient(s.BaseURL,
		chatapi.WithStreamTransport(transport),
		chatapi.WithRequestTimeout(s.RequestTimeout),
	)
	if err != nil {
		return nil, err
	}

	app := &App{Settings: s, Client: client, Nav: NewNavigator()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.Index, err = OpenIndex(s.IndexDB)
	if err != nil {
		return nil, err
	}

	if s.Redis.Enabled {
		app.Bus, err = eventbus.NewRedis(ctx, s.Redis)
		if err != nil {
			return nil, errors.Wrap(err, "redis event bus")
		}
	} else {
		app.Bus = eventbus.NewInMemory(eventbus.DefaultTopic)
	}

	app.Session, err = chatsession.New(client,
		chatsession.WithIdentity(chatsession.StaticIdentity(s.UserID)),
		chatsession.WithNavigator(app.Nav),
		chatsession.WithEventPublisher(app.Bus),
		chatsession.WithSessionIndex(app.Index),
		chatsession.WithInitiateTimeout(s.RequestTimeout),
		chatsession.WithHistoryTimeout(s.HistoryTimeout),
		chatsession.WithBaseContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	return app, nil
}

// OpenIndex opens the sqlite session index at path, or an in-memory index when
// path is empty.
func OpenIndex(path string) (chatstore.SessionIndex, error) {
	if path == "" {
		return chatstore.NewInMemorySessionIndex(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create session index dir")
	}
	dsn, err := chatstore.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	idx, err := chatstore.NewSQLiteSessionIndex(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open session index %s", path)
	}
	return idx, nil
}

// Close releases the session first so no event is published on a closed bus.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Session != nil {
		keep(a.Session.Close())
	}
	if a.Bus != nil {
		keep(a.Bus.Close())
	}
	if a.Index != nil {
		keep(a.Index.Close())
	}
	return firstErr
}
