package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/sessionchat/pkg/config"
	"github.com/go-go-golems/sessionchat/pkg/persistence/chatstore"
)

type SessionsCommand struct {
	*cmds.CommandDescription
	settings *config.Settings
}

type SessionsSettings struct {
	Limit int `glazed:"limit"`
}

var _ cmds.GlazeCommand = &SessionsCommand{}

func NewSessionsCommand(s *config.Settings) (*SessionsCommand, error) {
	glazedLayer, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsLayer, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"sessions",
		cmds.WithShort("List sessions from the local index"),
		cmds.WithLong("List indexed sessions, most recent activity first."),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(20),
				fields.WithHelp("Limit number of sessions (0 = no limit)"),
			),
		),
		cmds.WithSections(glazedLayer, commandSettingsLayer),
	)

	return &SessionsCommand{CommandDescription: desc, settings: s}, nil
}

func (c *SessionsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	ss := &SessionsSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, ss); err != nil {
		return err
	}
	idx, err := OpenIndex(c.settings.IndexDB)
	if err != nil {
		return err
	}
	defer func() { _ = idx.Close() }()

	return EmitSessions(ctx, idx, ss.Limit, func(row types.Row) error {
		return gp.AddRow(ctx, row)
	})
}

// EmitSessions hands one row per indexed session to addRow.
func EmitSessions(ctx context.Context, idx chatstore.SessionIndex, limit int, addRow func(types.Row) error) error {
	records, err := idx.List(ctx, limit, 0)
	if err != nil {
		return err
	}
	for _, r := range records {
		row := types.NewRow(
			types.MRP("session_id", r.SessionID),
			types.MRP("title", r.Title),
			types.MRP("messages", r.MessageCount),
			types.MRP("status", r.Status),
			types.MRP("last_error", r.LastError),
			types.MRP("last_activity", time.UnixMilli(r.LastActivityMs).UTC().Format(time.RFC3339)),
		)
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}
