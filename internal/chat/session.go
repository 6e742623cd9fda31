// Package chat implements the streaming chat session: one conversation's
// connection, message send, incremental answer assembly, reply timeout and
// transcript persistence.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/prakriti/internal/domain"
	"github.com/ashureev/prakriti/internal/protocol"
	"github.com/google/uuid"
)

// DefaultReplyTimeout is how long a sent question may go without a terminal signal.
const DefaultReplyTimeout = 20 * time.Second

// saveTimeout bounds a single transcript write.
const saveTimeout = 5 * time.Second

// writeTimeout bounds a single question frame write. The lock is held across
// it, so it must not depend on the caller's context.
const writeTimeout = 5 * time.Second

// Notices appended to the transcript as system messages.
const (
	NoticeNotReady  = "Connection not ready. Please wait..."
	NoticeTimeout   = "Response timed out. Try again."
	NoticeUnknown   = "Unknown message from server."
	NoticeMalformed = "Malformed message from server."
	NoticeTransport = "WebSocket error. Please try again."
	errorPrefix     = "Error: "
)

// Snapshot is a point-in-time copy of session state.
type Snapshot struct {
	SessionID string                  `json:"session_id"`
	Messages  domain.Transcript       `json:"messages"`
	Status    domain.ConnectionStatus `json:"status"`
	Awaiting  bool                    `json:"awaiting"`
	Streaming bool                    `json:"streaming"`
}

// Option configures a Session.
type Option func(*Session)

// WithReplyTimeout overrides DefaultReplyTimeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.replyTimeout = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers fn to receive a snapshot after every state change.
// fn runs with the session locked and must not call back into the Session.
func WithObserver(fn func(Snapshot)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// WithLegacyWire makes Send use the prakriti-doubt request type.
func WithLegacyWire(legacy bool) Option {
	return func(s *Session) {
		s.legacyWire = legacy
	}
}

// WithTimerFunc replaces time.AfterFunc for reply timeouts.
func WithTimerFunc(fn TimerFunc) Option {
	return func(s *Session) {
		if fn != nil {
			s.afterFunc = fn
		}
	}
}

// Session manages one logical chat conversation.
//
// Every entry point (Send, Close, inbound frames, transport failures and the
// reply timeout) runs under mu, so they observe each other strictly in order.
type Session struct {
	mu sync.Mutex

	id           string
	store        TranscriptStore
	dialer       Dialer
	logger       *slog.Logger
	observer     func(Snapshot)
	afterFunc    TimerFunc
	replyTimeout time.Duration
	legacyWire   bool

	messages  domain.Transcript
	status    domain.ConnectionStatus
	awaiting  bool
	streaming bool

	conn       Conn
	gen        uint64 // bumped whenever a connection is dropped; stale callbacks compare against it
	cancelRead context.CancelFunc
	loopDone   chan struct{}

	timer       Timer
	turn        uint64
	placeholder int // index of the bot message being assembled, -1 when none
	accumulator strings.Builder
	stale       bool // the last turn timed out; late signals for it are dropped
}

// NewSession creates a session and restores the transcript from store.
// A transcript that cannot be loaded is logged and replaced by an empty one.
func NewSession(ctx context.Context, store TranscriptStore, dialer Dialer, opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		store:        store,
		dialer:       dialer,
		logger:       slog.Default(),
		afterFunc:    realTimer,
		replyTimeout: DefaultReplyTimeout,
		status:       domain.StatusDisconnected,
		placeholder:  -1,
		messages:     domain.Transcript{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.id)

	if store != nil {
		loaded, err := store.Load(ctx)
		if err != nil {
			s.logger.Warn("Failed to load persisted chat", "error", err)
		} else if loaded != nil {
			s.messages = loaded
		}
	}
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Open dials the backend with credential and starts the receive loop.
// Calling Open on an open session is a no-op.
func (s *Session) Open(ctx context.Context, credential string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, credential)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Chat connection failed", "error", err)
		if gen == s.gen {
			s.failLocked()
		}
		return err
	}
	if gen != s.gen || s.conn != nil {
		// Closed or reopened while dialing.
		if closeErr := conn.Close(); closeErr != nil {
			s.logger.Debug("Failed to close superseded connection", "error", closeErr)
		}
		if gen != s.gen {
			return ErrClosed
		}
		return nil
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.conn = conn
	s.cancelRead = cancel
	s.loopDone = done
	s.status = domain.StatusConnected
	s.logger.Info("Chat connected")
	s.notifyLocked()

	go s.readLoop(readCtx, conn, gen, done)
	return nil
}

// Close tears down the connection and cancels any pending timeout.
// It is safe to call repeatedly and on a session that was never opened.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	s.stopTimerLocked()

	changed := s.conn != nil || s.status != domain.StatusDisconnected || s.awaiting
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Failed to close chat connection", "error", err)
		}
		s.conn = nil
	}
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	s.status = domain.StatusDisconnected
	s.endTurnLocked()
	done := s.loopDone
	s.loopDone = nil
	if changed {
		s.logger.Info("Chat closed")
		s.notifyLocked()
	}
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Send transmits question and starts a new turn.
//
// Blank input is ignored. Without an open connection a system notice is
// appended and ErrNotConnected returned. While a reply is pending the call
// is rejected with ErrAwaitingReply and nothing changes.
func (s *Session) Send(ctx context.Context, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.status != domain.StatusConnected {
		s.appendLocked(domain.SenderSystem, NoticeNotReady)
		s.commitLocked()
		return ErrNotConnected
	}
	if s.awaiting {
		return ErrAwaitingReply
	}

	payload, err := protocol.EncodeQuestion(question, s.legacyWire)
	if err != nil {
		return err
	}

	s.appendLocked(domain.SenderUser, question)
	s.awaiting = true
	s.streaming = true
	s.stale = false
	s.turn++
	s.appendLocked(domain.SenderBot, "")
	s.placeholder = len(s.messages) - 1
	s.accumulator.Reset()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	err = s.conn.Write(writeCtx, payload)
	cancel()
	if err != nil {
		s.logger.Warn("Failed to send question", "turn", s.turn, "error", err)
		s.transportFailedLocked()
		return err
	}

	s.stopTimerLocked()
	turn := s.turn
	s.timer = s.afterFunc(s.replyTimeout, func() { s.onTimeout(turn) })

	s.logger.Debug("Question sent", "turn", turn)
	s.commitLocked()
	return nil
}

// ClearTranscript empties and persists the transcript.
func (s *Session) ClearTranscript(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.awaiting {
		return ErrAwaitingReply
	}
	s.messages = domain.Transcript{}
	s.stale = false
	s.commitLocked()
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() domain.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Clone()
}

// Status returns the connection status.
func (s *Session) Status() domain.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) readLoop(ctx context.Context, conn Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrClosed), ctx.Err() != nil:
				s.onClosed(gen)
			default:
				s.onTransportError(gen, err)
			}
			return
		}
		s.onFrame(gen, data)
	}
}

func (s *Session) onFrame(gen uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}

	sig, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("Malformed message from server", "error", err)
		s.appendLocked(domain.SenderSystem, NoticeMalformed)
		s.commitLocked()
		return
	}

	if sig.Kind != protocol.KindUnknown && s.stale {
		s.logger.Debug("Dropping signal for timed-out turn", "kind", sig.Kind.String(), "turn", s.turn)
		return
	}

	switch sig.Kind {
	case protocol.KindAnswerPart:
		if s.placeholder < 0 {
			s.logger.Debug("Dropping fragment outside a turn")
			return
		}
		s.streaming = true
		s.accumulator.WriteString(sig.Text)
		s.messages[s.placeholder].Text = s.accumulator.String()

	case protocol.KindAnswerComplete:
		if s.placeholder >= 0 {
			s.messages[s.placeholder].Text = sig.Text
		} else {
			s.appendLocked(domain.SenderBot, sig.Text)
		}
		s.finishTurnLocked()

	case protocol.KindStreamEnd:
		if !s.awaiting {
			return
		}
		s.finishTurnLocked()

	case protocol.KindError:
		s.appendLocked(domain.SenderSystem, errorPrefix+sig.Text)
		s.finishTurnLocked()

	default:
		s.logger.Warn("Unknown message from server", "type", sig.Type)
		s.appendLocked(domain.SenderSystem, NoticeUnknown)
	}
	s.commitLocked()
}

func (s *Session) onTransportError(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.logger.Warn("Chat transport error", "error", err)
	s.transportFailedLocked()
}

func (s *Session) onClosed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.logger.Info("Chat connection closed by peer")
	s.gen++
	s.conn = nil
	s.cancelRead = nil
	s.status = domain.StatusDisconnected
	s.notifyLocked()
}

func (s *Session) onTimeout(turn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn != s.turn || !s.awaiting {
		return
	}
	s.logger.Warn("Reply timed out", "turn", turn, "timeout", s.replyTimeout)
	s.timer = nil
	s.endTurnLocked()
	s.stale = true
	s.appendLocked(domain.SenderSystem, NoticeTimeout)
	s.commitLocked()
}

// transportFailedLocked drops the connection after a transport error.
func (s *Session) transportFailedLocked() {
	s.gen++
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Failed to close failed connection", "error", err)
		}
		s.conn = nil
	}
	s.failLocked()
}

// failLocked records a connection-level failure in state and transcript.
func (s *Session) failLocked() {
	s.status = domain.StatusDisconnected
	s.stopTimerLocked()
	s.endTurnLocked()
	s.appendLocked(domain.SenderSystem, NoticeTransport)
	s.commitLocked()
}

func (s *Session) finishTurnLocked() {
	s.stopTimerLocked()
	s.endTurnLocked()
}

func (s *Session) endTurnLocked() {
	s.awaiting = false
	s.streaming = false
	s.placeholder = -1
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) appendLocked(sender domain.Sender, text string) {
	s.messages = append(s.messages, domain.ChatMessage{Sender: sender, Text: text})
}

// commitLocked persists the whole transcript and notifies the observer.
func (s *Session) commitLocked() {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := s.store.Save(ctx, s.messages.Clone()); err != nil {
			s.logger.Warn("Failed to persist chat", "error", err)
		}
		cancel()
	}
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	if s.observer != nil {
		s.observer(s.snapshotLocked())
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: s.id,
		Messages:  s.messages.Clone(),
		Status:    s.status,
		Awaiting:  s.awaiting,
		Streaming: s.streaming,
	}
}
