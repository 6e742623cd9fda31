package chat

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/prakriti/internal/domain"
)

var (
	// ErrClosed is returned by Conn.Read when either end closed the connection.
	ErrClosed = errors.New("connection closed")
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("connection not ready")
	// ErrAwaitingReply is returned when an operation needs the current turn to finish first.
	ErrAwaitingReply = errors.New("awaiting reply")
)

// Conn is one persistent bidirectional connection to the chat backend.
type Conn interface {
	// Read blocks until the next frame arrives. It returns ErrClosed
	// (possibly wrapped) on orderly closure from either end.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens connections. The credential is applied at connect time only.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// TranscriptStore is the durable slot holding the serialized transcript.
type TranscriptStore interface {
	Load(ctx context.Context) (domain.Transcript, error)
	Save(ctx context.Context, t domain.Transcript) error
}

// Timer is the handle of a scheduled reply timeout.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules f to run once after d.
type TimerFunc func(d time.Duration, f func()) Timer

func realTimer(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
