package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/prakriti/internal/domain"
)

// TranscriptStore keeps the chat transcript as one JSON array in a KV slot.
type TranscriptStore struct {
	kv  KV
	key string
}

// NewTranscriptStore returns a store writing under key, or
// DefaultTranscriptKey when key is empty.
func NewTranscriptStore(kv KV, key string) *TranscriptStore {
	if key == "" {
		key = DefaultTranscriptKey
	}
	return &TranscriptStore{kv: kv, key: key}
}

// Load returns the persisted transcript verbatim. A missing slot, or one
// that does not hold a JSON array, yields an empty transcript.
func (s *TranscriptStore) Load(ctx context.Context) (domain.Transcript, error) {
	raw, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if !ok {
		return domain.Transcript{}, nil
	}

	var t domain.Transcript
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		slog.Warn("Ignoring unreadable persisted chat", "key", s.key, "error", err)
		return domain.Transcript{}, nil
	}
	if t == nil {
		t = domain.Transcript{}
	}
	return t, nil
}

// Save overwrites the slot with the whole transcript.
func (s *TranscriptStore) Save(ctx context.Context, t domain.Transcript) error {
	if t == nil {
		t = domain.Transcript{}
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := s.kv.Put(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// Clear removes the persisted transcript.
func (s *TranscriptStore) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, s.key)
}
