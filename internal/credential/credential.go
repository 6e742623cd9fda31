// Package credential supplies the bearer token used when opening a chat connection.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashureev/prakriti/internal/store"
)

const maxTokenLen = 4096

// ErrInvalidToken is returned when a token fails shape validation.
var ErrInvalidToken = errors.New("invalid token")

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]+$`)

// Provider returns the current bearer token, or false when none is available.
type Provider interface {
	Token(ctx context.Context) (string, bool)
}

// Static always returns the same token.
type Static string

// Token implements Provider.
func (s Static) Token(context.Context) (string, bool) {
	tok := strings.TrimSpace(string(s))
	return tok, tok != ""
}

// Stored reads the token slot written by the sign-in flow.
type Stored struct {
	KV store.KV
}

// Token implements Provider.
func (s Stored) Token(ctx context.Context) (string, bool) {
	tok, ok, err := s.KV.Get(ctx, store.TokenKey)
	if err != nil {
		slog.Warn("Failed to read stored token", "error", err)
		return "", false
	}
	if !ok || tok == "" {
		return "", false
	}
	return tok, true
}

// Chain returns the token of the first provider that has one.
type Chain []Provider

// Token implements Provider.
func (c Chain) Token(ctx context.Context) (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if tok, ok := p.Token(ctx); ok {
			return tok, true
		}
	}
	return "", false
}

// Validate checks that token looks like a bearer credential.
func Validate(token string) error {
	switch {
	case token == "":
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	case len(token) > maxTokenLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidToken, maxTokenLen)
	case !tokenPattern.MatchString(token):
		return fmt.Errorf("%w: unexpected characters", ErrInvalidToken)
	}
	return nil
}

// Save validates token and writes it to the token slot.
func Save(ctx context.Context, kv store.KV, token string) error {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	if err := Validate(token); err != nil {
		return err
	}
	if err := kv.Put(ctx, store.TokenKey, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Forget removes the stored token.
func Forget(ctx context.Context, kv store.KV) error {
	if err := kv.Delete(ctx, store.TokenKey); err != nil {
		return fmt.Errorf("forget token: %w", err)
	}
	return nil
}
