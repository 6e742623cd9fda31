// Package transport connects chat sessions to the backend over WebSocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/prakriti/internal/chat"
	"github.com/coder/websocket"
)

const (
	// DefaultTokenParam is the query parameter carrying the bearer credential.
	DefaultTokenParam = "token"
	// DefaultReadLimit caps a single inbound frame.
	DefaultReadLimit = 1 << 20
	// DefaultDialTimeout bounds the opening handshake.
	DefaultDialTimeout = 10 * time.Second
)

// Config holds WebSocket dialer configuration.
type Config struct {
	URL         string
	TokenParam  string
	ReadLimit   int64
	DialTimeout time.Duration
	Header      http.Header
	HTTPClient  *http.Client
}

// Dialer implements chat.Dialer.
type Dialer struct {
	base   *url.URL
	cfg    Config
	logger *slog.Logger
}

// Ensure Dialer implements chat.Dialer.
var _ chat.Dialer = (*Dialer)(nil)

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("websocket url %q has no host", cfg.URL)
	}
	if cfg.TokenParam == "" {
		cfg.TokenParam = DefaultTokenParam
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Dialer{base: u, cfg: cfg, logger: logger}, nil
}

// Dial opens a connection. A non-empty credential is sent as the token query
// parameter of the handshake request.
func (d *Dialer) Dial(ctx context.Context, credential string) (chat.Conn, error) {
	target := d.target(credential)

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPHeader: d.cfg.Header,
		HTTPClient: d.cfg.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.logger.Debug("Failed to close handshake response body", "error", closeErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.redacted(), err)
	}
	ws.SetReadLimit(d.cfg.ReadLimit)

	d.logger.Debug("WebSocket connected", "url", d.redacted(), "authenticated", credential != "")
	return &Conn{ws: ws, logger: d.logger}, nil
}

func (d *Dialer) target(credential string) string {
	u := *d.base
	if credential != "" {
		q := u.Query()
		q.Set(d.cfg.TokenParam, credential)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// redacted returns the base URL without query, safe for logs.
func (d *Dialer) redacted() string {
	u := *d.base
	u.RawQuery = ""
	return u.String()
}

// Conn adapts websocket.Conn to chat.Conn.
type Conn struct {
	ws        *websocket.Conn
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Read returns the next text or binary frame. Close frames from either side
// are reported as chat.ErrClosed.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %v", chat.ErrClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// Write sends data as one text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close performs the closing handshake once; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "chat closed")
		if c.closeErr != nil {
			c.logger.Debug("WebSocket close handshake failed", "error", c.closeErr)
		}
	})
	return c.closeErr
}
