// Package client is a small Go client for the parlor WebSocket protocol,
// used by the load tester and by tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/parlor/pkg/protocol"
)

var (
	ErrClosed          = errors.New("connection closed")
	ErrTimeout         = errors.New("timeout waiting for response")
	ErrInvalidAuth     = errors.New("authentication rejected")
	ErrNotSignedIn     = errors.New("not signed in")
	ErrUnexpectedReply = errors.New("unexpected response")
)

// ServerError is an error or *-failed event returned by the server.
type ServerError struct {
	Type   string
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Reason)
}

// EventHandler receives broadcasts: message-posted, request-sent and friend-added.
type EventHandler func(protocol.Envelope)

// Client is one WebSocket connection. Requests are serialized: each method
// sends one event and waits for its reply.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	onEvent EventHandler

	reqMu sync.Mutex // one outstanding request at a time

	mu       sync.RWMutex
	closed   bool
	cookie   string
	username string

	responses chan protocol.Envelope
	posted    chan protocol.MessagePosted
	done      chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithResponseTimeout bounds how long a request waits for its reply (default 10s).
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithEventHandler registers a handler for broadcasts. It runs on the
// receive goroutine and must not block.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) {
		c.onEvent = h
	}
}

// Dial connects to a ws:// or wss:// URL ending in /ws.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{
		conn:      conn,
		timeout:   10 * time.Second,
		responses: make(chan protocol.Envelope, 16),
		posted:    make(chan protocol.MessagePosted, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.receiveLoop()
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	<-c.done
	return err
}

// Username returns the user this client is signed in as.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Cookie returns the current session cookie.
func (c *Client) Cookie() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cookie
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// receiveLoop reads envelopes and dispatches them.
// Replies go to responses; broadcasts go to the event handler.
func (c *Client) receiveLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeMessagePosted, protocol.TypeRequestSent, protocol.TypeFriendAdded:
			if env.Type == protocol.TypeMessagePosted {
				var posted protocol.MessagePosted
				if env.DecodePayload(&posted) == nil && posted.Sender == c.Username() {
					select {
					case c.posted <- posted:
					default:
					}
				}
			}
			if c.onEvent != nil {
				c.onEvent(env)
			}
		default:
			select {
			case c.responses <- env:
			default:
				// Response channel full, drop oldest
				select {
				case <-c.responses:
				default:
				}
				c.responses <- env
			}
		}
	}
}

func (c *Client) send(typ string, payload any) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

// waitForResponse waits for the next reply, turning failures into errors.
func (c *Client) waitForResponse() (protocol.Envelope, error) {
	select {
	case env := <-c.responses:
		return env, replyError(env)
	case <-c.done:
		return protocol.Envelope{}, ErrClosed
	case <-time.After(c.timeout):
		return protocol.Envelope{}, ErrTimeout
	}
}

func replyError(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeInvalidAuth:
		return ErrInvalidAuth
	case protocol.TypeError, protocol.TypeSignupFailed, protocol.TypeRequestFailed:
		var f protocol.Failure
		_ = env.DecodePayload(&f)
		return &ServerError{Type: env.Type, Reason: f.Reason}
	}
	return nil
}

// request sends an event and decodes the reply of type want into dst.
func (c *Client) request(typ string, payload any, want string, dst any) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.send(typ, payload); err != nil {
		return err
	}
	env, err := c.waitForResponse()
	if err != nil {
		return err
	}
	if env.Type != want {
		return fmt.Errorf("%w %s, expected %s", ErrUnexpectedReply, env.Type, want)
	}
	if dst != nil {
		return env.DecodePayload(dst)
	}
	return nil
}

func (c *Client) auth() (protocol.Authenticated, error) {
	cookie := c.Cookie()
	if cookie == "" {
		return protocol.Authenticated{}, ErrNotSignedIn
	}
	return protocol.Authenticated{Cookie: cookie}, nil
}

func (c *Client) setSession(resp protocol.AuthCookie) {
	c.mu.Lock()
	c.cookie = resp.Cookie
	c.username = resp.Username
	c.mu.Unlock()
}
