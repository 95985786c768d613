package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/coordinator"
)

// DefaultRequestTimeout bounds a request when no timeout is configured.
const DefaultRequestTimeout = 5 * time.Second

// Client is a page-agent side connection to the hub. It satisfies the
// agent's Coordinator interface.
type Client struct {
	conn    *websocket.Conn
	source  Source
	timeout time.Duration
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message
	onPush  func(Message)
	closed  bool
	done    chan struct{}
}

// Dial connects to the hub at url, e.g. ws://127.0.0.1:7717/ws.
func Dial(ctx context.Context, url string, source Source, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c := &Client{
		conn:    conn,
		source:  source,
		timeout: timeout,
		logger:  logger.With().Str("component", "bus-client").Logger(),
		pending: make(map[string]chan Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnPush installs the receiver for messages that are not replies, such as
// block-page and time-added.
func (c *Client) OnPush(fn func(Message)) {
	c.mu.Lock()
	c.onPush = fn
	c.mu.Unlock()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Connection read failed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed message")
			continue
		}

		c.mu.Lock()
		if msg.IsReply() {
			ch, ok := c.pending[msg.ReplyTo]
			delete(c.pending, msg.ReplyTo)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		onPush := c.onPush
		c.mu.Unlock()

		if onPush != nil {
			onPush(msg)
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

// Send writes msg without waiting for a reply.
func (c *Client) Send(msg Message) error {
	if msg.Source == "" {
		msg.Source = c.source
	}
	if msg.ID == "" {
		msg.ID = NewMessage(c.source, msg.Event).ID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Request sends msg and waits for its reply.
func (c *Client) Request(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = NewMessage(c.source, msg.Event).ID
	}
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.forget(msg.ID)
		return Message{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out, ok := <-ch:
		if !ok {
			return Message{}, ErrClosed
		}
		if out.Error != "" {
			return out, errors.New(out.Error)
		}
		return out, nil
	case <-timer.C:
		c.forget(msg.ID)
		return Message{}, ErrTimeout
	case <-ctx.Done():
		c.forget(msg.ID)
		return Message{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) evaluate(ctx context.Context, event Event, url string) (coordinator.Evaluation, error) {
	msg := NewMessage(c.source, event)
	msg.URL = url
	out, err := c.Request(ctx, msg)
	if err != nil {
		return coordinator.Evaluation{}, err
	}
	if out.Result == nil {
		return coordinator.Evaluation{}, fmt.Errorf("%s reply without result", event)
	}
	return *out.Result, nil
}

// PageLoading asks the coordinator for the fast, unlocked evaluation.
func (c *Client) PageLoading(ctx context.Context, url string) (coordinator.Evaluation, error) {
	return c.evaluate(ctx, EventPageLoading, url)
}

// PageVisited asks the coordinator for the authoritative evaluation.
func (c *Client) PageVisited(ctx context.Context, url string) (coordinator.Evaluation, error) {
	return c.evaluate(ctx, EventPageVisited, url)
}

// AddTime reports elapsed seconds. It does not wait for the coordinator.
func (c *Client) AddTime(_ context.Context, url string, seconds int64) error {
	msg := NewMessage(c.source, EventAddTime)
	msg.URL = url
	msg.SecondsUsed = seconds
	return c.Send(msg)
}

// Close closes the connection gracefully.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}
