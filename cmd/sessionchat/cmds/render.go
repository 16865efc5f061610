package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/go-go-golems/sessionchat/pkg/chat"
	"github.com/go-go-golems/sessionchat/pkg/eventbus"
	"github.com/mattn/go-isatty"
)

const thinkingText = "Thinking..."

type RendererOptions struct {
	// Prefixes prints "you>" / "assistant>" labels in front of messages.
	Prefixes bool
	// Notes prints session transitions such as adoption and hydration.
	Notes bool
	// Prompt is called once the reply to a send has finished.
	Prompt func(w io.Writer)
}

// Renderer prints session events as they arrive on the event bus. All terminal
// output of a chat goes through it so REPL lines and streamed chunks do not
// interleave mid-write.
type Renderer struct {
	mu   sync.Mutex
	w    io.Writer
	opts RendererOptions

	// printed is the number of content bytes written per assistant message.
	printed  map[string]int
	started  map[string]bool
	thinking bool
	tty      bool

	you, assistant, faint, failure *color.Color
}

func NewRenderer(w io.Writer, opts RendererOptions) *Renderer {
	return &Renderer{
		w:         w,
		opts:      opts,
		printed:   map[string]int{},
		started:   map[string]bool{},
		tty:       isTerminal(w),
		you:       color.New(color.FgGreen, color.Bold),
		assistant: color.New(color.FgCyan, color.Bold),
		faint:     color.New(color.Faint),
		failure:   color.New(color.FgRed),
	}
}

// Write lets prompts and REPL output share the renderer's lock.
func (r *Renderer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearThinking()
	return r.w.Write(p)
}

func (r *Renderer) Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r, format, args...)
}

func (r *Renderer) Errorf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearThinking()
	_, _ = r.failure.Fprintf(r.w, format+"\n", args...)
}

// Message prints a complete message, used after hydration.
func (r *Renderer) Message(m chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.label(m.Role)
	if m.Error != "" {
		_, _ = r.failure.Fprintln(r.w, m.Content)
		return
	}
	_, _ = fmt.Fprintln(r.w, m.Content)
}

func (r *Renderer) Prompt() {
	if r.opts.Prompt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.Prompt(r.w)
}

func (r *Renderer) Handle(ev eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case eventbus.TypeStateLoading:
		if ev.Loading {
			r.showThinking()
		} else {
			r.clearThinking()
		}

	case eventbus.TypeMessageAppended:
		if ev.Role == chat.RoleAssistant {
			r.printed[ev.MessageID] = 0
		}

	case eventbus.TypeMessageChunk:
		// chunks of a reply dropped by a reset are not ours to print
		if _, ok := r.printed[ev.MessageID]; !ok {
			return
		}
		r.begin(ev.MessageID)
		_, _ = io.WriteString(r.w, ev.Chunk)
		r.printed[ev.MessageID] += len(ev.Chunk)

	case eventbus.TypeMessageFailed:
		r.begin(ev.MessageID)
		rest := ev.Content
		if n := r.printed[ev.MessageID]; n <= len(rest) {
			rest = rest[n:]
		}
		_, _ = r.failure.Fprint(r.w, strings.TrimLeft(rest, "\n"))
		r.finish(ev.MessageID)

	case eventbus.TypeStreamClosed:
		r.begin(ev.MessageID)
		r.finish(ev.MessageID)

	case eventbus.TypeSessionAdopted:
		r.note("session %s", ev.SessionID)

	case eventbus.TypeSessionHydrating:
		r.note("loading %s", ev.SessionID)

	case eventbus.TypeSessionHydrated:
		r.note("%s (%d messages)", ev.Title, ev.Count)

	case eventbus.TypeSessionReset:
		r.clearThinking()
		if ev.Error != "" {
			_, _ = r.failure.Fprintf(r.w, "could not open session: %s\n", ev.Error)
		}
		r.note("new chat")
		r.reset()
	}
}

func (r *Renderer) label(role chat.Role) {
	if !r.opts.Prefixes {
		return
	}
	switch role {
	case chat.RoleUser:
		_, _ = r.you.Fprint(r.w, "you> ")
	default:
		_, _ = r.assistant.Fprint(r.w, "assistant> ")
	}
}

// begin writes the assistant label the first time a message produces output.
func (r *Renderer) begin(messageID string) {
	if _, ok := r.printed[messageID]; !ok || r.started[messageID] {
		return
	}
	r.clearThinking()
	r.started[messageID] = true
	r.label(chat.RoleAssistant)
}

// finish ends the output of a message once, then prompts.
func (r *Renderer) finish(messageID string) {
	if _, ok := r.printed[messageID]; !ok {
		return
	}
	delete(r.printed, messageID)
	delete(r.started, messageID)
	_, _ = fmt.Fprintln(r.w)
	if r.opts.Prompt != nil {
		r.opts.Prompt(r.w)
	}
}

func (r *Renderer) reset() {
	r.printed = map[string]int{}
	r.started = map[string]bool{}
}

func (r *Renderer) note(format string, args ...interface{}) {
	if !r.opts.Notes {
		return
	}
	wasThinking := r.thinking
	r.clearThinking()
	_, _ = r.faint.Fprintf(r.w, format+"\n", args...)
	if wasThinking {
		r.showThinking()
	}
}

// The indicator is only drawn on terminals, where it can be erased again.
func (r *Renderer) showThinking() {
	if r.thinking || !r.tty || color.NoColor {
		return
	}
	r.thinking = true
	_, _ = r.faint.Fprint(r.w, thinkingText)
}

func (r *Renderer) clearThinking() {
	if !r.thinking {
		return
	}
	r.thinking = false
	_, _ = io.WriteString(r.w, "\r\033[K")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
