// Package host owns the chat widget lifecycle: a session exists exactly while
// the widget is open, and the transcript outlives it.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ashureev/prakriti/internal/chat"
	"github.com/ashureev/prakriti/internal/credential"
	"github.com/ashureev/prakriti/internal/domain"
)

// ErrWidgetClosed is returned by operations that need an open widget.
var ErrWidgetClosed = errors.New("chat is closed")

// subscriberBuffer is the number of snapshots queued per subscriber before drops.
const subscriberBuffer = 32

// Widget is the host container for one chat conversation.
type Widget struct {
	transcripts chat.TranscriptStore
	dialer      chat.Dialer
	creds       credential.Provider
	opts        []chat.Option
	logger      *slog.Logger

	mu      sync.Mutex
	open    bool
	session *chat.Session
	onClose []func()

	subsMu  sync.Mutex
	subs    map[int]chan chat.Snapshot
	nextSub int
	dropped int64
}

// NewWidget creates a closed widget.
func NewWidget(transcripts chat.TranscriptStore, dialer chat.Dialer, creds credential.Provider, logger *slog.Logger, opts ...chat.Option) *Widget {
	if logger == nil {
		logger = slog.Default()
	}
	if creds == nil {
		creds = credential.Chain{}
	}
	return &Widget{
		transcripts: transcripts,
		dialer:      dialer,
		creds:       creds,
		opts:        opts,
		logger:      logger,
		subs:        make(map[int]chan chat.Snapshot),
	}
}

// IsOpen reports whether the widget is visible.
func (w *Widget) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

// OnClose registers fn to run after the widget has been torn down.
func (w *Widget) OnClose(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = append(w.onClose, fn)
}

// SetOpen follows the host's isOpen signal. Opening creates a session,
// restores the transcript and connects; closing tears the session down.
// Repeating the current state is a no-op.
func (w *Widget) SetOpen(ctx context.Context, open bool) error {
	if open {
		return w.openSession(ctx)
	}
	w.closeSession()
	return nil
}

func (w *Widget) openSession(ctx context.Context) error {
	w.mu.Lock()
	if w.open {
		w.mu.Unlock()
		return nil
	}
	opts := append(append([]chat.Option{}, w.opts...),
		chat.WithLogger(w.logger),
		chat.WithObserver(w.publish),
	)
	s := chat.NewSession(ctx, w.transcripts, w.dialer, opts...)
	w.session = s
	w.open = true
	w.mu.Unlock()

	w.publish(s.Snapshot())

	token, ok := w.creds.Token(ctx)
	if !ok {
		w.logger.Warn("No credential available, connecting unauthenticated")
	}
	if err := s.Open(ctx, token); err != nil {
		if errors.Is(err, chat.ErrClosed) {
			return ErrWidgetClosed
		}
		return err
	}
	return nil
}

func (w *Widget) closeSession() {
	w.mu.Lock()
	if !w.open {
		w.mu.Unlock()
		return
	}
	s := w.session
	w.session = nil
	w.open = false
	callbacks := append([]func(){}, w.onClose...)
	w.mu.Unlock()

	s.Close()
	w.publish(s.Snapshot())
	for _, fn := range callbacks {
		fn()
	}
}

// Send forwards question to the open session.
func (w *Widget) Send(ctx context.Context, question string) error {
	s := w.current()
	if s == nil {
		return ErrWidgetClosed
	}
	return s.Send(ctx, question)
}

// Clear empties the transcript, whether or not the widget is open.
func (w *Widget) Clear(ctx context.Context) error {
	if s := w.current(); s != nil {
		return s.ClearTranscript(ctx)
	}
	if err := w.transcripts.Save(ctx, domain.Transcript{}); err != nil {
		return err
	}
	w.publish(chat.Snapshot{Messages: domain.Transcript{}, Status: domain.StatusDisconnected})
	return nil
}

// Snapshot returns the live session state, or the persisted transcript when closed.
func (w *Widget) Snapshot(ctx context.Context) (chat.Snapshot, error) {
	if s := w.current(); s != nil {
		return s.Snapshot(), nil
	}
	t, err := w.transcripts.Load(ctx)
	if err != nil {
		return chat.Snapshot{}, err
	}
	return chat.Snapshot{Messages: t, Status: domain.StatusDisconnected}, nil
}

// Subscribe returns a channel receiving every state change until cancel is
// called. Slow subscribers lose snapshots rather than block the session.
func (w *Widget) Subscribe() (<-chan chat.Snapshot, func()) {
	ch := make(chan chat.Snapshot, subscriberBuffer)

	w.subsMu.Lock()
	id := w.nextSub
	w.nextSub++
	w.subs[id] = ch
	w.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.subsMu.Lock()
			delete(w.subs, id)
			w.subsMu.Unlock()
			close(ch)
		})
	}
}

func (w *Widget) current() *chat.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

func (w *Widget) publish(snap chat.Snapshot) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for id, ch := range w.subs {
		select {
		case ch <- snap:
		default:
			w.dropped++
			w.logger.Debug("Dropping snapshot for slow subscriber", "subscriber", id, "dropped_total", w.dropped)
		}
	}
}
