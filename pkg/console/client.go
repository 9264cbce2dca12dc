package console

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/etfarb/pkg/models"
)

var ErrNotConnected = errors.New("console not connected")

// Client is the operator side of the console websocket.
type Client struct {
	url          string
	token        string
	conn         *websocket.Conn
	mu           sync.Mutex
	connected    bool
	pending      map[string]chan models.CommandReply
	pingInterval time.Duration
	done         chan struct{}
	logger       *logrus.Logger
}

func NewClient(url, token string, logger *logrus.Logger) *Client {
	return &Client{
		url:          url,
		token:        token,
		pending:      make(map[string]chan models.CommandReply),
		pingInterval: 30 * time.Second,
		logger:       logger,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return fmt.Errorf("failed to connect to console: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})

	go c.readLoop(conn, c.done)
	go c.keepAlive(ctx, c.done)

	return nil
}

// Send parses line locally, sends it and waits for the matching reply.
func (c *Client) Send(ctx context.Context, line string) (models.CommandReply, error) {
	cmd, err := models.ParseCommand(line)
	if err != nil {
		return models.CommandReply{}, err
	}
	cmd.ID = uuid.NewString()

	ch := make(chan models.CommandReply, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return models.CommandReply{}, ErrNotConnected
	}
	c.pending[cmd.ID] = ch
	done := c.done
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.conn.WriteJSON(Request{Command: cmd})
	c.mu.Unlock()
	if err != nil {
		c.forget(cmd.ID)
		return models.CommandReply{}, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-done:
		c.forget(cmd.ID)
		return models.CommandReply{}, ErrNotConnected
	case <-ctx.Done():
		c.forget(cmd.ID)
		return models.CommandReply{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.handleDisconnect(done)
	for {
		var reply models.CommandReply
		if err := conn.ReadJSON(&reply); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("Failed to read console reply")
			}
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		delete(c.pending, reply.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.WithField("command_id", reply.ID).Warn("Reply for unknown command")
			continue
		}
		ch <- reply
	}
}

func (c *Client) keepAlive(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.connected {
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					c.logger.WithError(err).Error("Failed to send ping")
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) handleDisconnect(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != done {
		return
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	close(done)
}

// Close ends the session with a normal closure.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	c.mu.Unlock()
	// the read loop sees the close and tears down
	return err
}
