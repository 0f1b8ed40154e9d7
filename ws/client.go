package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-karma/types"
)

var (
	// ErrSendBufferFull is returned by Client.Send when the client does not keep up.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrClientClosed is returned by Client.Send after the connection went away.
	ErrClientClosed = errors.New("client closed")
)

// Client is a middleman between the websocket connection and the router.
type Client struct {
	router *Router

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	connection types.Connection

	// ctx is cancelled when the connection goes away, in-flight work of the connection uses it.
	ctx       context.Context
	cancel    context.CancelFunc
	doneChan  chan struct{}
	closeOnce sync.Once

	logger hclog.Logger

	// WaitGroup which keeps track of the running read/write loops.
	sync.WaitGroup
}

func NewClient(ctx context.Context, conn *websocket.Conn, router *Router, sendBuffer int, logger hclog.Logger) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		router:   router,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		doneChan: make(chan struct{}),
		logger:   logger,
	}
}

// Send queues a frame for the write loop. It never blocks: a frame that does not fit into the
// send buffer is dropped.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.doneChan:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Connection returns the authenticated connection served by the client.
func (c *Client) Connection() types.Connection {
	return c.connection
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.doneChan)
		c.cancel()
	})
}

// ReadLoop pumps messages from the websocket connection to the router.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine. Events are dispatched in the order they arrive.
func (c *Client) ReadLoop() {
	defer func() {
		c.close()
		c.conn.Close()
		c.router.Disconnect(c.connection)
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws closed unexpectedly", "connection", c.connection.Id, "error", err)
			}
			return
		}

		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			c.router.SendError(c.connection.Id, "", "", types.Validationf("could not unmarshal ws message: %s", err))
			continue
		}
		c.router.Dispatch(c.ctx, c.connection, message)
	}
}

// WriteLoop pumps messages from the send buffer to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug("could not write to ws connection, exiting write loop", "connection", c.connection.Id)
				c.close()
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("could not send ping message, exiting write loop", "connection", c.connection.Id)
				c.close()
				return
			}

		case <-c.ctx.Done():
			// closed by the read loop or the server is shutting down
			c.close()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}
