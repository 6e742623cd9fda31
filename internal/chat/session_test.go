package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/prakriti/internal/domain"
	"github.com/stretchr/testify/require"
)

type harness struct {
	session *Session
	conn    *fakeConn
	dialer  *fakeDialer
	store   *memStore
	timers  *fakeTimers
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		conn:   newFakeConn(),
		store:  &memStore{},
		timers: &fakeTimers{},
	}
	h.dialer = &fakeDialer{conn: h.conn}
	opts = append([]Option{WithTimerFunc(h.timers.AfterFunc)}, opts...)
	h.session = NewSession(context.Background(), h.store, h.dialer, opts...)
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Open(context.Background(), "tok-123"))
	require.Equal(t, domain.StatusConnected, h.session.Status())
}

func msg(sender domain.Sender, text string) domain.ChatMessage {
	return domain.ChatMessage{Sender: sender, Text: text}
}

func TestOpenPassesCredential(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.Equal(t, []string{"tok-123"}, h.dialer.credentials)

	// Second Open on a live session does not redial.
	require.NoError(t, h.session.Open(context.Background(), "tok-123"))
	require.Len(t, h.dialer.credentials, 1)
}

func TestSendBlankIsNoop(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	for _, q := range []string{"", "   ", "\t\n"} {
		require.NoError(t, h.session.Send(context.Background(), q))
	}

	snap := h.session.Snapshot()
	require.Empty(t, snap.Messages)
	require.False(t, snap.Awaiting)
	require.Empty(t, h.conn.writes())
	require.Nil(t, h.timers.last())
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t)

	err := h.session.Send(context.Background(), "What is Vata?")
	require.ErrorIs(t, err, ErrNotConnected)

	require.Equal(t, domain.Transcript{msg(domain.SenderSystem, NoticeNotReady)}, h.session.Messages())
	require.Empty(t, h.conn.writes())
	require.False(t, h.session.Snapshot().Awaiting)
}

func TestStreamedAnswerAssembly(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	require.NoError(t, h.session.Send(context.Background(), "  What is Vata?  "))
	require.Equal(t, []string{`{"type":"question-request","question":"What is Vata?"}`}, h.conn.writes())

	snap := h.session.Snapshot()
	require.True(t, snap.Awaiting)
	require.True(t, snap.Streaming)
	require.Equal(t, domain.Transcript{
		msg(domain.SenderUser, "What is Vata?"),
		msg(domain.SenderBot, ""),
	}, snap.Messages)

	h.conn.deliver(t, `{"type":"answer-part","part":"Vata "}`)
	require.Equal(t, "Vata ", h.session.Messages()[1].Text)
	h.conn.deliver(t, `{"type":"answer-part","part":"is..."}`)
	h.conn.deliver(t, `{"type":"answer-stream-end"}`)

	snap = h.session.Snapshot()
	require.False(t, snap.Awaiting)
	require.False(t, snap.Streaming)
	require.Equal(t, domain.Transcript{
		msg(domain.SenderUser, "What is Vata?"),
		msg(domain.SenderBot, "Vata is..."),
	}, snap.Messages)
	require.Equal(t, snap.Messages, h.store.snapshot())
	require.True(t, h.timers.last().stopped, "terminal signal must cancel the timeout")
}

func TestFragmentsConcatenateInOrder(t *testing.T) {
	parts := []string{"Pitta ", "governs ", "", "digestion", " and heat."}
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "pitta?"))

	for _, p := range parts {
		h.conn.deliver(t, `{"type":"answer-part","part":"`+p+`"}`)
	}
	h.conn.deliver(t, `{"type":"answer-stream-end"}`)

	last, ok := h.session.Messages().Last()
	require.True(t, ok)
	require.Equal(t, msg(domain.SenderBot, "Pitta governs digestion and heat."), last)
}

func TestAnswerCompleteOverridesFragments(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
	}{
		{"without fragments", nil},
		{"after fragments", []string{"Kap", "ha is"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.open(t)
			require.NoError(t, h.session.Send(context.Background(), "kapha?"))
			for _, p := range tt.parts {
				h.conn.deliver(t, `{"type":"answer-part","part":"`+p+`"}`)
			}
			h.conn.deliver(t, `{"type":"answer-complete","answer":"Kapha is earth and water."}`)

			snap := h.session.Snapshot()
			require.False(t, snap.Awaiting)
			require.False(t, snap.Streaming)
			require.Equal(t, domain.Transcript{
				msg(domain.SenderUser, "kapha?"),
				msg(domain.SenderBot, "Kapha is earth and water."),
			}, snap.Messages)
			require.True(t, h.timers.last().stopped)
		})
	}
}

func TestAnswerCompleteOutsideTurnAppends(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	h.conn.deliver(t, `{"type":"answer-complete","answer":"Welcome back."}`)
	require.Equal(t, domain.Transcript{msg(domain.SenderBot, "Welcome back.")}, h.session.Messages())
}

func TestErrorSignal(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "x"))

	h.conn.deliver(t, `{"type":"error","error":"LLM unavailable"}`)

	snap := h.session.Snapshot()
	require.False(t, snap.Awaiting)
	require.False(t, snap.Streaming)
	last, _ := snap.Messages.Last()
	require.Equal(t, msg(domain.SenderSystem, "Error: LLM unavailable"), last)
	require.True(t, h.timers.last().stopped)
}

func TestMalformedAndUnknownKeepFlags(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "q"))

	h.conn.deliver(t, `{{not json`)
	h.conn.deliver(t, `{"type":"pong"}`)

	snap := h.session.Snapshot()
	require.True(t, snap.Awaiting, "malformed payloads must not end the turn")
	require.True(t, snap.Streaming)
	require.Equal(t, domain.Transcript{
		msg(domain.SenderUser, "q"),
		msg(domain.SenderBot, ""),
		msg(domain.SenderSystem, NoticeMalformed),
		msg(domain.SenderSystem, NoticeUnknown),
	}, snap.Messages)
	require.False(t, h.timers.last().stopped)

	// A later valid fragment still lands in the turn's placeholder.
	h.conn.deliver(t, `{"type":"answer-part","part":"late but fine"}`)
	h.conn.deliver(t, `{"type":"answer-stream-end"}`)
	require.Equal(t, "late but fine", h.session.Messages()[1].Text)
	require.False(t, h.session.Snapshot().Awaiting)
}

func TestReplyTimeout(t *testing.T) {
	h := newHarness(t, WithReplyTimeout(3*time.Second))
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "slow?"))
	h.conn.deliver(t, `{"type":"answer-part","part":"partial"}`)

	timer := h.timers.last()
	require.Equal(t, 3*time.Second, timer.d)
	timer.f()

	want := domain.Transcript{
		msg(domain.SenderUser, "slow?"),
		msg(domain.SenderBot, "partial"),
		msg(domain.SenderSystem, NoticeTimeout),
	}
	snap := h.session.Snapshot()
	require.False(t, snap.Awaiting)
	require.False(t, snap.Streaming)
	require.Equal(t, want, snap.Messages)

	// Firing again and late signals for the expired turn change nothing.
	timer.f()
	h.conn.deliver(t, `{"type":"answer-part","part":" more"}`)
	h.conn.deliver(t, `{"type":"answer-complete","answer":"full"}`)
	h.conn.deliver(t, `{"type":"answer-stream-end"}`)
	h.conn.deliver(t, `{"type":"error","error":"too late"}`)
	require.Equal(t, want, h.session.Messages())
	require.Equal(t, want, h.store.snapshot())
}

func TestDefaultReplyTimeout(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "q"))
	require.Equal(t, DefaultReplyTimeout, h.timers.last().d)
}

func TestStaleTimerAfterAnswerIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "first"))
	first := h.timers.last()
	h.conn.deliver(t, `{"type":"answer-complete","answer":"one"}`)

	require.NoError(t, h.session.Send(context.Background(), "second"))
	second := h.timers.last()
	require.NotSame(t, first, second)

	// The first timer racing past Stop must not touch the second turn.
	first.f()
	require.True(t, h.session.Snapshot().Awaiting)
	for _, m := range h.session.Messages() {
		require.NotEqual(t, NoticeTimeout, m.Text)
	}
}

func TestSendWhileAwaitingIsRejected(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "one"))

	err := h.session.Send(context.Background(), "two")
	require.ErrorIs(t, err, ErrAwaitingReply)
	require.Len(t, h.session.Messages(), 2)
	require.Len(t, h.conn.writes(), 1)
}

func TestTransportError(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "q"))

	h.conn.fail(t, errors.New("connection reset by peer"))
	require.Eventually(t, func() bool {
		return h.session.Status() == domain.StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	snap := h.session.Snapshot()
	require.False(t, snap.Awaiting)
	require.False(t, snap.Streaming)
	last, _ := snap.Messages.Last()
	require.Equal(t, msg(domain.SenderSystem, NoticeTransport), last)
	require.True(t, h.timers.last().stopped)
	require.True(t, h.conn.isClosed())
	require.Len(t, h.dialer.credentials, 1, "transport errors must not reconnect")

	require.ErrorIs(t, h.session.Send(context.Background(), "again"), ErrNotConnected)
}

func TestWriteFailureIsTransportError(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	h.conn.writeErr = errors.New("broken pipe")

	require.Error(t, h.session.Send(context.Background(), "q"))

	snap := h.session.Snapshot()
	require.Equal(t, domain.StatusDisconnected, snap.Status)
	require.False(t, snap.Awaiting)
	last, _ := snap.Messages.Last()
	require.Equal(t, NoticeTransport, last.Text)
}

func TestSendWriteOutlivesCallerContext(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.session.Send(ctx, "q"))

	require.Len(t, h.conn.writes(), 1)
	require.Equal(t, domain.StatusConnected, h.session.Status())
	require.True(t, h.session.Snapshot().Awaiting)

	h.conn.mu.Lock()
	deadline := h.conn.writeDeadline
	h.conn.mu.Unlock()
	require.False(t, deadline.IsZero(), "question write must be bounded")
	require.WithinDuration(t, time.Now().Add(writeTimeout), deadline, time.Second)
}

func TestPeerCloseOnlyDisconnects(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	before := h.store.saves

	require.NoError(t, h.conn.Close())
	require.Eventually(t, func() bool {
		return h.session.Status() == domain.StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	require.Empty(t, h.session.Messages())
	require.Equal(t, before, h.store.saves)
}

func TestOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("dial tcp: connection refused")

	require.Error(t, h.session.Open(context.Background(), "tok"))
	require.Equal(t, domain.StatusDisconnected, h.session.Status())
	require.Equal(t, domain.Transcript{msg(domain.SenderSystem, NoticeTransport)}, h.session.Messages())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Run("never opened", func(t *testing.T) {
		h := newHarness(t)
		h.session.Close()
		h.session.Close()
		require.Empty(t, h.session.Messages())
	})

	t.Run("open with pending reply", func(t *testing.T) {
		var mu sync.Mutex
		var snaps []Snapshot
		h := newHarness(t, WithObserver(func(s Snapshot) {
			mu.Lock()
			snaps = append(snaps, s)
			mu.Unlock()
		}))
		h.open(t)
		require.NoError(t, h.session.Send(context.Background(), "q"))

		h.session.Close()
		mu.Lock()
		n := len(snaps)
		mu.Unlock()
		h.session.Close()

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, snaps, n, "second Close must not notify")
		require.True(t, h.conn.isClosed())
		require.True(t, h.timers.last().stopped)

		snap := h.session.Snapshot()
		require.Equal(t, domain.StatusDisconnected, snap.Status)
		require.False(t, snap.Awaiting)
		require.Len(t, snap.Messages, 2, "close appends no notice")
	})
}

func TestCallbacksAfterCloseAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "q"))
	timer := h.timers.last()

	h.session.Close()
	h.session.onFrame(0, []byte(`{"type":"answer-complete","answer":"ghost"}`))
	h.session.onTransportError(0, errors.New("late"))
	timer.f()

	require.Equal(t, domain.Transcript{
		msg(domain.SenderUser, "q"),
		msg(domain.SenderBot, ""),
	}, h.session.Messages())
}

func TestTranscriptRestoredAcrossSessions(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "What is Vata?"))
	h.conn.deliver(t, `{"type":"answer-part","part":"Vata "}`)
	h.conn.deliver(t, `{"type":"answer-part","part":"is..."}`)
	h.conn.deliver(t, `{"type":"answer-stream-end"}`)
	require.NoError(t, h.session.Send(context.Background(), "and Pitta?"))
	h.conn.deliver(t, `{"type":"error","error":"rate limited"}`)
	h.session.Close()

	want := h.session.Messages()
	fresh := NewSession(context.Background(), h.store, &fakeDialer{conn: newFakeConn()})
	defer fresh.Close()
	require.Equal(t, want, fresh.Messages())
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	store := &memStore{loadFn: func() (domain.Transcript, error) {
		return nil, errors.New("corrupt")
	}}
	s := NewSession(context.Background(), store, &fakeDialer{conn: newFakeConn()})
	defer s.Close()
	require.Empty(t, s.Messages())
}

func TestClearTranscript(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "q"))
	require.ErrorIs(t, h.session.ClearTranscript(context.Background()), ErrAwaitingReply)

	h.conn.deliver(t, `{"type":"answer-complete","answer":"a"}`)
	require.NoError(t, h.session.ClearTranscript(context.Background()))
	require.Empty(t, h.session.Messages())
	require.Empty(t, h.store.snapshot())
}

func TestLegacyWire(t *testing.T) {
	h := newHarness(t, WithLegacyWire(true))
	h.open(t)
	require.NoError(t, h.session.Send(context.Background(), "q"))
	require.Equal(t, []string{`{"type":"prakriti-doubt","question":"q"}`}, h.conn.writes())

	h.conn.deliver(t, `{"type":"prakriti-answer-part","part":"legacy"}`)
	h.conn.deliver(t, `{"type":"prakriti-answer-complete"}`)
	require.Equal(t, "legacy", h.session.Messages()[1].Text)
	require.False(t, h.session.Snapshot().Awaiting)
}
