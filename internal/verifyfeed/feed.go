package verifyfeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// EventVerified asserts that a commitment was verified out of band
const EventVerified = "verified"

// Event is one message on the verification feed
type Event struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	CommitmentHash string `json:"commitment_hash"`
}

// Verifier applies verification events to chat state
type Verifier interface {
	MarkVerified(sessionID, commitmentHash string) error
}

// Client reads verification events from a websocket
type Client struct {
	url      string
	conn     *websocket.Conn
	verifier Verifier
	logger   *slog.Logger
	mu       sync.Mutex
	closed   bool
}

// Dial connects to the feed at url
func Dial(ctx context.Context, url string, verifier Verifier, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to verification feed: %w", err)
	}

	logger.Info("connected to verification feed", "url", url)
	return &Client{
		url:      url,
		conn:     conn,
		verifier: verifier,
		logger:   logger,
	}, nil
}

// Run applies events until the feed closes, ctx is cancelled or Close is
// called. A normal close by either side returns nil.
func (c *Client) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read event: %w", err)
		}
		c.handle(ev)
	}
}

func (c *Client) handle(ev Event) {
	if ev.Type != EventVerified {
		c.logger.Debug("ignoring feed event", "type", ev.Type)
		return
	}
	if ev.SessionID == "" || ev.CommitmentHash == "" {
		c.logger.Warn("malformed verification event", "session_id", ev.SessionID)
		return
	}

	if err := c.verifier.MarkVerified(ev.SessionID, ev.CommitmentHash); err != nil {
		c.logger.Warn("failed to apply verification",
			"session_id", ev.SessionID, "commitment_hash", ev.CommitmentHash, "error", err)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close disconnects from the feed
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()

	c.logger.Info("closed verification feed", "url", c.url)
	return nil
}
