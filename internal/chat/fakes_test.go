package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/prakriti/internal/domain"
)

type frame struct {
	data []byte
	err  error
	ack  chan struct{}
}

// fakeConn hands frames to the session's receive loop one at a time.
type fakeConn struct {
	in        chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	written       [][]byte
	writeErr      error
	writeDeadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClosed
		case f := <-c.in:
			if f.ack != nil {
				close(f.ack)
				continue
			}
			if f.err != nil {
				return nil, f.err
			}
			return f.data, nil
		}
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writeDeadline, _ = ctx.Deadline()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, string(w))
	}
	return out
}

// deliver pushes one frame and returns once the session has handled it.
func (c *fakeConn) deliver(t *testing.T, data string) {
	t.Helper()
	c.push(t, frame{data: []byte(data)})
	ack := make(chan struct{})
	c.push(t, frame{ack: ack})
	select {
	case <-ack:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame to be handled")
	}
}

// fail makes the pending Read return err.
func (c *fakeConn) fail(t *testing.T, err error) {
	t.Helper()
	c.push(t, frame{err: err})
}

func (c *fakeConn) push(t *testing.T, f frame) {
	t.Helper()
	select {
	case c.in <- f:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receive loop")
	}
}

type fakeDialer struct {
	conn        *fakeConn
	err         error
	credentials []string
}

func (d *fakeDialer) Dial(_ context.Context, credential string) (Conn, error) {
	d.credentials = append(d.credentials, credential)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeTimers records scheduled timeouts so tests can fire them by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.timers) == 0 {
		return nil
	}
	return ft.timers[len(ft.timers)-1]
}

type memStore struct {
	mu     sync.Mutex
	data   domain.Transcript
	saves  int
	loadFn func() (domain.Transcript, error)
}

func (m *memStore) Load(context.Context) (domain.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadFn != nil {
		return m.loadFn()
	}
	return m.data.Clone(), nil
}

func (m *memStore) Save(_ context.Context, t domain.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = t.Clone()
	m.saves++
	return nil
}

func (m *memStore) snapshot() domain.Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}
