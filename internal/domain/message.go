// Package domain contains core domain types for the Prakriti chat client.
package domain

// Sender identifies who produced a chat message.
type Sender string

const (
	// SenderUser marks a question typed by the user.
	SenderUser Sender = "user"
	// SenderBot marks an answer produced by the backend.
	SenderBot Sender = "bot"
	// SenderSystem marks a locally generated notice.
	SenderSystem Sender = "system"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderBot, SenderSystem:
		return true
	}
	return false
}

// ChatMessage is one entry of the transcript.
// Only the bot placeholder of the turn in flight is ever rewritten.
type ChatMessage struct {
	Sender Sender `json:"sender"`
	Text   string `json:"text"`
}

// Transcript is the ordered, append-only history of a conversation.
type Transcript []ChatMessage

// Clone returns a copy that shares no backing array with t.
func (t Transcript) Clone() Transcript {
	if t == nil {
		return Transcript{}
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// Last returns the final message and true, or false when t is empty.
func (t Transcript) Last() (ChatMessage, bool) {
	if len(t) == 0 {
		return ChatMessage{}, false
	}
	return t[len(t)-1], true
}

// ConnectionStatus reflects transport availability.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
)
