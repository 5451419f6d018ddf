package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is a Transport backed by a websocket connection to the relay.
type Client struct {
	conn      *websocket.Conn
	serverURL string
	id        string
	outgoing  chan *Envelope
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	stopWrite chan struct{}
	*Dispatcher
	log *log.Entry
}

// NewClient creates a new signaling client
func NewClient(serverURL string, logger *log.Entry) *Client {
	return &Client{
		serverURL:  serverURL,
		outgoing:   make(chan *Envelope, 64),
		done:       make(chan struct{}),
		stopWrite:  make(chan struct{}),
		Dispatcher: NewDispatcher(),
		log:        logger.WithField("src", "signaling"),
	}
}

// Connect dials the relay and waits for the welcome message that assigns this participant's identifier.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.serverURL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
	var welcome Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("waiting for welcome: %w", err)
	}
	var payload WelcomePayload
	if welcome.Event != EventWelcome || json.Unmarshal(welcome.Data, &payload) != nil || payload.ID == "" {
		conn.Close()
		return fmt.Errorf("expected %s message from relay, got %q", EventWelcome, welcome.Event)
	}

	c.conn = conn
	c.id = payload.ID
	c.log = c.log.WithField("id", c.id)
	c.log.Info("Connected to signaling relay ", c.serverURL)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return nil
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Emit queues one event for the write pump.
func (c *Client) Emit(event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}
	select {
	case c.outgoing <- env:
		return nil
	case <-c.done:
		return ErrTransportClosed
	}
}

// readPump reads messages from the WebSocket connection and hands them to the registered handlers.
func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Signaling connection lost: ", err)
			}
			return
		}
		if !c.Dispatch(env.Event, env.Data) {
			c.log.Debug("No handler for signaling event ", env.Event)
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Warn("Signaling write failed: ", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.stopWrite:
			// flush what was queued before the close was requested
			for {
				select {
				case env := <-c.outgoing:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteJSON(env); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Close sends the queued messages, closes the websocket and marks the transport done.
func (c *Client) Close() {
	if c.conn == nil {
		c.shutdown()
		return
	}
	c.stopOnce.Do(func() {
		close(c.stopWrite)
	})
}
