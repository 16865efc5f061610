package cmds

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/go-go-golems/sessionchat/pkg/config"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewSendCommand(settings *config.Settings) *cobra.Command {
	var (
		sessionID string
		files     []string
	)
	cmd := &cobra.Command{
		Use:   "send MESSAGE",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunSend(cmd.Context(), *settings, cmd.OutOrStdout(), strings.Join(args, " "), sessionID, files)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Continue an existing session")
	cmd.Flags().StringArrayVar(&files, "file", nil, "Attach a file (repeatable)")
	return cmd
}

// RunSend prints the streamed reply to out. It fails if the session cannot be
// opened or the reply ends in an error.
func RunSend(ctx context.Context, s config.Settings, out io.Writer, message, sessionID string, files []string) error {
	app, err := NewApp(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	var atts []chat.Attachment
	if len(files) > 0 {
		filter, err := attachmentFilter(s)
		if err != nil {
			return err
		}
		if atts, err = filter.LoadAttachments(files); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	finished := make(chan struct{})
	var once sync.Once
	r := NewRenderer(out, RendererOptions{
		Prompt: func(io.Writer) { once.Do(func() { close(finished) }) },
	})
	ch, err := app.Bus.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		eventbus.Consume(ctx, ch, r.Handle)
	}()
	defer func() {
		cancel()
		<-consumed
	}()

	if sessionID != "" {
		if err := app.Session.Open(ctx, sessionID); err != nil {
			return err
		}
	}
	if err := app.Session.SendMessage(ctx, message, atts); err != nil {
		return err
	}

	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := app.Session.WaitStream(ctx); err != nil {
		return err
	}

	if m, ok := app.Session.Snapshot().LastAssistant(); ok && m.Error != "" {
		return errors.Errorf("reply failed: %s", m.Error)
	}
	return nil
}
