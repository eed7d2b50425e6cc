package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cuemby/pulse/pkg/types"
	"github.com/gorilla/websocket"
)

// DefaultBuffer is the size of the received message buffer
const DefaultBuffer = 64

// Client is a connection to the pulse push endpoint
type Client struct {
	ws       *websocket.Conn
	messages chan *types.Message

	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	done      chan struct{}

	keepalive time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithKeepalive pings the server every interval until Close. The server
// releases connections that stay silent for its stale window, so a client
// that only listens needs an interval well below that window. Replies
// arrive on Messages as pong messages.
func WithKeepalive(interval time.Duration) Option {
	return func(c *Client) {
		c.keepalive = interval
	}
}

// Dial connects to server with token. server may be an http(s) or ws(s)
// URL; a missing path defaults to /ws.
func Dial(ctx context.Context, server, token string, opts ...Option) (*Client, error) {
	u, err := endpoint(server)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("failed to connect to %s: %w", u, types.ErrUnauthenticated)
			case http.StatusServiceUnavailable:
				return nil, fmt.Errorf("failed to connect to %s: %w", u, types.ErrAdmissionRejected)
			}
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", u, err)
	}

	c := &Client{
		ws:           ws,
		messages:     make(chan *types.Message, DefaultBuffer),
		writeTimeout: 10 * time.Second,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	if c.keepalive > 0 {
		go c.keepaliveLoop()
	}
	return c, nil
}

func endpoint(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", server, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", server)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Client) readLoop() {
	defer close(c.messages)
	for {
		var msg types.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.setErr(err)
			}
			return
		}
		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.err = err
	}
}

// Messages returns the received messages. The channel is closed when the
// connection ends; Err then reports why.
func (c *Client) Messages() <-chan *types.Message {
	return c.messages
}

// Err returns the error that ended the connection, if any
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Join subscribes to topic. The server does not acknowledge joins.
func (c *Client) Join(topic string) error {
	return c.send(types.ControlMessage{Type: types.ControlJoin, Topic: topic})
}

// Leave unsubscribes from topic
func (c *Client) Leave(topic string) error {
	return c.send(types.ControlMessage{Type: types.ControlLeave, Topic: topic})
}

// JoinBusiness subscribes to the per-business topic of userID
func (c *Client) JoinBusiness(businessID, userID string) error {
	return c.Join(types.BusinessTopic(businessID, userID))
}

// SetRefreshInterval asks for metrics every seconds; zero stops pushes
func (c *Client) SetRefreshInterval(seconds int) error {
	if err := types.ValidateRefreshInterval(seconds); err != nil {
		return err
	}
	return c.send(types.ControlMessage{Type: types.ControlSetRefreshInterval, Seconds: &seconds})
}

// Ping asks the server for a pong message
func (c *Client) Ping() error {
	return c.send(types.ControlMessage{Type: types.ControlPing})
}

func (c *Client) send(msg types.ControlMessage) error {
	select {
	case <-c.done:
		return types.ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Close sends a close frame and tears down the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// WaitFor returns the next message of type typ, discarding others
func (c *Client) WaitFor(ctx context.Context, typ types.MessageType) (*types.Message, error) {
	for {
		select {
		case msg, ok := <-c.messages:
			if !ok {
				if err := c.Err(); err != nil {
					return nil, err
				}
				return nil, types.ErrConnectionClosed
			}
			if msg.Type == typ {
				return msg, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
