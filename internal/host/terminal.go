package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ashureev/prakriti/internal/chat"
	"github.com/ashureev/prakriti/internal/domain"
)

const terminalHelp = `Commands:
  /open    reconnect the chat
  /close   disconnect the chat
  /clear   erase the transcript
  /quit    leave
Anything else is sent as a question.`

// Terminal hosts a Widget on a line-oriented terminal.
type Terminal struct {
	widget   *Widget
	in       io.Reader
	greeting string

	outMu sync.Mutex
	out   io.Writer

	// render state, guarded by outMu
	printed  int    // messages already handled
	held     int    // index of the bot message being streamed, or -1
	partial  string // text of the held message already on screen
	lineOpen bool   // the cursor sits at the end of the held message
}

// NewTerminal returns a terminal host reading commands from in and writing
// the conversation to out.
func NewTerminal(w *Widget, in io.Reader, out io.Writer, greeting string) *Terminal {
	return &Terminal{widget: w, in: in, out: out, greeting: greeting, held: -1}
}

// Run opens the widget and processes input until EOF, /quit or ctx is done.
// The widget is closed on return.
func (t *Terminal) Run(ctx context.Context) error {
	snaps, cancel := t.widget.Subscribe()
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		for snap := range snaps {
			t.render(snap)
		}
	}()
	defer func() {
		_ = t.widget.SetOpen(context.Background(), false)
		cancel()
		<-renderDone
	}()

	t.println("Hello! I'm your Prakriti Bot.")
	if t.greeting != "" {
		t.println(t.greeting)
	}
	if err := t.widget.SetOpen(ctx, true); err != nil {
		t.println("* could not connect: " + err.Error())
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(t.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := t.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (t *Terminal) handle(ctx context.Context, line string) (quit bool) {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return true
	case "/help":
		t.println(terminalHelp)
	case "/close":
		if err := t.widget.SetOpen(ctx, false); err != nil {
			t.println("* " + err.Error())
		}
	case "/open":
		if err := t.widget.SetOpen(ctx, true); err != nil {
			t.println("* could not connect: " + err.Error())
		}
	case "/clear":
		if err := t.widget.Clear(ctx); err != nil {
			t.println("* " + err.Error())
		}
	default:
		err := t.widget.Send(ctx, line)
		switch {
		case err == nil, errors.Is(err, chat.ErrNotConnected):
			// The session records the outcome in the transcript.
		case errors.Is(err, chat.ErrAwaitingReply):
			t.println("* still waiting for the previous answer")
		default:
			t.println("* " + err.Error())
		}
	}
	return false
}

// render prints the part of snap not yet on screen. The bot message of the
// pending turn is streamed incrementally wherever it sits in the
// transcript, so notices appended behind it do not cut its answer short.
func (t *Terminal) render(snap chat.Snapshot) {
	t.outMu.Lock()
	defer t.outMu.Unlock()

	msgs := snap.Messages
	if len(msgs) < t.printed || t.held >= len(msgs) {
		t.breakLineLocked()
		fmt.Fprintln(t.out, "(transcript cleared)")
		t.printed, t.held, t.partial = 0, -1, ""
	}

	live := -1
	if snap.Awaiting {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Sender == domain.SenderBot {
				live = i
				break
			}
		}
	}

	if t.held >= 0 {
		t.streamLocked(msgs[t.held].Text)
		if t.held != live {
			t.endLineLocked()
		}
	}

	for i := t.printed; i < len(msgs); i++ {
		m := msgs[i]
		t.printed = i + 1
		switch {
		case i == live:
			t.held, t.partial = i, ""
			t.streamLocked(m.Text)
		case m.Sender == domain.SenderBot && m.Text == "":
			// placeholder that never received text
		default:
			t.breakLineLocked()
			fmt.Fprintln(t.out, prefix(m.Sender)+m.Text)
		}
	}
}

// streamLocked brings the held message on screen up to text.
func (t *Terminal) streamLocked(text string) {
	if text == t.partial {
		return
	}
	if t.lineOpen && strings.HasPrefix(text, t.partial) {
		fmt.Fprint(t.out, text[len(t.partial):])
	} else {
		// Interrupted by a notice, or replaced by a complete answer.
		if t.lineOpen {
			fmt.Fprintln(t.out)
		}
		fmt.Fprint(t.out, prefix(domain.SenderBot)+text)
		t.lineOpen = true
	}
	t.partial = text
}

// breakLineLocked moves off a partially streamed line before other output.
// The held message is reprinted in full when it next grows.
func (t *Terminal) breakLineLocked() {
	if t.lineOpen {
		fmt.Fprintln(t.out)
		t.lineOpen = false
	}
}

// endLineLocked releases the held message once its turn is over.
func (t *Terminal) endLineLocked() {
	t.breakLineLocked()
	t.held, t.partial = -1, ""
}

func (t *Terminal) println(s string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	t.breakLineLocked()
	fmt.Fprintln(t.out, s)
}

func prefix(s domain.Sender) string {
	switch s {
	case domain.SenderUser:
		return "you> "
	case domain.SenderBot:
		return "prakriti> "
	default:
		return "* "
	}
}
