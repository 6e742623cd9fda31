package host

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ashureev/prakriti/internal/chat"
	"github.com/ashureev/prakriti/internal/protocol"
)

// scriptConn answers every question with the frames produced by reply.
type scriptConn struct {
	reply  func(question string) []string
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *scriptConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, chat.ErrClosed
	case f := <-c.frames:
		return f, nil
	}
}

func (c *scriptConn) Write(_ context.Context, data []byte) error {
	var req protocol.QuestionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	frames := c.reply(req.Question)
	go func() {
		for _, f := range frames {
			select {
			case c.frames <- []byte(f):
			case <-c.closed:
				return
			}
		}
	}()
	return nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptDialer struct {
	reply func(string) []string
	err   error

	mu          sync.Mutex
	credentials []string
	conns       []*scriptConn
}

func (d *scriptDialer) Dial(_ context.Context, credential string) (chat.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.credentials = append(d.credentials, credential)
	if d.err != nil {
		return nil, d.err
	}
	c := &scriptConn{reply: d.reply, frames: make(chan []byte, 64), closed: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *scriptDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.credentials)
}

func streamed(parts ...string) func(string) []string {
	return func(string) []string {
		frames := make([]string, 0, len(parts)+1)
		for _, p := range parts {
			b, _ := json.Marshal(map[string]string{"type": "answer-part", "part": p})
			frames = append(frames, string(b))
		}
		return append(frames, `{"type":"answer-stream-end"}`)
	}
}
