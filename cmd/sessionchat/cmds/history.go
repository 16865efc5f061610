package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/sessionchat/pkg/config"
	"github.com/pkg/errors"
)

type HistoryCommand struct {
	*cmds.CommandDescription
	settings *config.Settings
}

type HistorySettings struct {
	SessionID string `glazed:"session-id"`
}

var _ cmds.GlazeCommand = &HistoryCommand{}

// NewHistoryCommand reads s when it runs, after the root command has resolved
// the configuration.
func NewHistoryCommand(s *config.Settings) (*HistoryCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Print the conversation of a session"),
		cmds.WithLong("Load a session from the backend and emit one row per message."),
		cmds.WithFlags(
			fields.New(
				"session-id",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Session to load"),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)

	return &HistoryCommand{CommandDescription: desc, settings: s}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	hs := &HistorySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, hs); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(hs.SessionID)
	if sessionID == "" {
		return errors.New("--session-id is required")
	}
	return EmitHistory(ctx, *c.settings, sessionID, func(row types.Row) error {
		return gp.AddRow(ctx, row)
	})
}

// EmitHistory opens sessionID through a chat session and hands one row per
// message to addRow, oldest first.
func EmitHistory(ctx context.Context, s config.Settings, sessionID string, addRow func(types.Row) error) error {
	app, err := NewApp(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if err := app.Session.Open(ctx, sessionID); err != nil {
		return err
	}
	st := app.Session.Snapshot()
	for _, m := range st.Messages {
		row := types.NewRow(
			types.MRP("session_id", st.SessionID),
			types.MRP("title", st.Title),
			types.MRP("message_id", m.ID),
			types.MRP("role", string(m.Role)),
			types.MRP("timestamp", m.Timestamp.UTC().Format(time.RFC3339Nano)),
			types.MRP("content", m.Content),
			types.MRP("error", m.Error),
		)
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}
