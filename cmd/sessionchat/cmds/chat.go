package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/fatih/color"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/go-go-golems/sessionchat/pkg/chatsession"
	"github.com/go-go-golems/sessionchat/pkg/config"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/go-go-golems/sessionchat/pkg/filefilter"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"
)

const chatHelp = `commands:
  /new           start a new chat
  /open ID       open an existing session
  /attach PATH.. attach files or directories to the next message
  /files         list pending attachments
  /copy          copy the last reply to the clipboard
  /sessions      list known sessions
  /title         show the current session
  /quit          leave
`

func NewChatCommand(settings *config.Settings) *cobra.Command {
	var (
		sessionID string
		files     []string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunChat(cmd.Context(), *settings, cmd.InOrStdin(), cmd.OutOrStdout(), sessionID, files)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Open an existing session")
	cmd.Flags().StringArrayVar(&files, "file", nil, "Attach a file to the first message (repeatable)")
	return cmd
}

func RunChat(ctx context.Context, s config.Settings, in io.Reader, out io.Writer, sessionID string, files []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app, err := NewApp(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	filter, err := attachmentFilter(s)
	if err != nil {
		return err
	}

	prompt := color.New(color.FgGreen, color.Bold)
	r := NewRenderer(out, RendererOptions{
		Prefixes: true,
		Notes:    true,
		Prompt:   func(w io.Writer) { _, _ = prompt.Fprint(w, "> ") },
	})

	ch, err := app.Bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	repl := &repl{app: app, r: r, filter: filter, lines: readLines(in)}
	if len(files) > 0 {
		if repl.pending, err = filter.LoadAttachments(files); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eventbus.Consume(gctx, ch, r.Handle)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		defer func() { _ = app.Session.Close() }()
		return repl.run(gctx, sessionID)
	})
	return g.Wait()
}

func attachmentFilter(s config.Settings) (*filefilter.Filter, error) {
	f := s.Attachments.Filter()
	if !f.RespectGitIgnore {
		return f, nil
	}
	gi, err := filefilter.LoadGitIgnore(".")
	if err != nil {
		return nil, err
	}
	f.GitIgnoreFilter = gi
	return f, nil
}

type repl struct {
	app     *App
	r       *Renderer
	filter  *filefilter.Filter
	lines   <-chan string
	pending []chat.Attachment
}

func (p *repl) run(ctx context.Context, sessionID string) error {
	p.r.Printf("sessionchat on %s, /help for commands\n", p.app.Settings.BaseURL)
	if sessionID != "" {
		p.open(ctx, sessionID)
	}
	if len(p.pending) > 0 {
		p.r.Printf("%d file(s) attached to the next message\n", len(p.pending))
	}
	p.r.Prompt()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-p.lines:
			if !ok {
				return nil
			}
			quit, err := p.handle(ctx, line)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

func (p *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return false, p.send(ctx, line)
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		p.r.Printf("%s", chatHelp)
	case "/new":
		if p.app.Session.Streaming() && !p.confirm("A reply is still streaming. Start a new chat anyway? [y/N]") {
			break
		}
		p.pending = nil
		p.app.Session.StartNewChat()
	case "/open":
		if len(args) != 1 {
			p.r.Errorf("usage: /open SESSION_ID")
			break
		}
		p.open(ctx, args[0])
	case "/attach":
		if len(args) == 0 {
			p.r.Errorf("usage: /attach PATH...")
			break
		}
		atts, err := p.filter.LoadAttachments(args)
		if err != nil {
			p.r.Errorf("%v", err)
			break
		}
		p.pending = append(p.pending, atts...)
		p.r.Printf("%d file(s) attached to the next message\n", len(p.pending))
	case "/files":
		if len(p.pending) == 0 {
			p.r.Printf("no attachments\n")
		}
		for _, a := range p.pending {
			p.r.Printf("  %s (%s, %d bytes)\n", a.Name, a.ContentType, a.Size())
		}
	case "/copy":
		m, ok := p.app.Session.Snapshot().LastAssistant()
		if !ok || m.Content == "" {
			p.r.Errorf("nothing to copy")
			break
		}
		if err := clipboard.WriteAll(m.Content); err != nil {
			p.r.Errorf("copy failed: %v", err)
			break
		}
		p.r.Printf("copied %d characters\n", len(m.Content))
	case "/sessions":
		p.sessions(ctx)
	case "/title":
		st := p.app.Session.Snapshot()
		id := st.SessionID
		if id == "" {
			id = "(not yet created)"
		}
		p.r.Printf("%s\n  session %s\n  route %s\n  %d messages\n", st.Title, id, p.app.Nav.Route(), len(st.Messages))
	default:
		p.r.Errorf("unknown command %s, try /help", cmd)
	}
	p.r.Prompt()
	return false, nil
}

// send prompts again only if nothing will be rendered; otherwise the renderer
// prompts once the reply finished.
func (p *repl) send(ctx context.Context, content string) error {
	if content == "" && len(p.pending) == 0 {
		p.r.Prompt()
		return nil
	}
	files := p.pending
	p.pending = nil
	err := p.app.Session.SendMessage(ctx, content, files)
	switch {
	case err == nil, errors.Is(err, chatsession.ErrSuperseded):
	case errors.Is(err, chatsession.ErrClosed):
		return err
	default:
		log.Debug().Err(err).Msg("send failed")
	}
	return nil
}

func (p *repl) open(ctx context.Context, sessionID string) {
	if err := p.app.Session.Open(ctx, sessionID); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("open failed")
		return
	}
	for _, m := range p.app.Session.Snapshot().Messages {
		p.r.Message(m)
	}
}

func (p *repl) confirm(query string) bool {
	ui := &input.UI{
		Writer: p.r,
		Reader: &lineReader{lines: p.lines},
	}
	answer, err := ui.Ask(query, &input.Options{
		Default:     "n",
		HideDefault: true,
		Loop:        true,
		ValidateFunc: func(answer string) error {
			switch strings.ToLower(answer) {
			case "y", "yes", "n", "no", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// readLines feeds lines from in to a channel that is closed at EOF.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "error reading input: %v\n", err)
		}
	}()
	return lines
}

// lineReader hands out one line per Read so a reader layered on top never
// consumes input meant for the REPL.
type lineReader struct {
	lines <-chan string
	buf   []byte
}

func (l *lineReader) Read(p []byte) (int, error) {
	if len(l.buf) == 0 {
		line, ok := <-l.lines
		if !ok {
			return 0, io.EOF
		}
		l.buf = []byte(line + "\n")
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}

func (p *repl) sessions(ctx context.Context) {
	n := 0
	err := EmitSessions(ctx, p.app.Index, 20, func(row types.Row) error {
		n++
		id, _ := row.Get("session_id")
		title, _ := row.Get("title")
		count, _ := row.Get("messages")
		status, _ := row.Get("status")
		p.r.Printf("  %v  %v  (%v messages, %v)\n", id, title, count, status)
		return nil
	})
	switch {
	case err != nil:
		p.r.Errorf("%v", err)
	case n == 0:
		p.r.Printf("no sessions\n")
	}
}
