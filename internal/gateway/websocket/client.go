package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/logabell/conversator/internal/common/logger"
	"github.com/logabell/conversator/internal/eventlog"
	v1 "github.com/logabell/conversator/pkg/api/v1"
	ws "github.com/logabell/conversator/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// How long a stream delivery may wait on a full client queue before the
	// client is treated as slow and disconnected.
	streamEnqueueWait = 2 * time.Second
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	log  *eventlog.Log
	send chan []byte
	done chan struct{} // closed when the hub drops the client

	mu       sync.Mutex
	stream   *eventlog.Subscription
	doneOnce sync.Once

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *eventlog.Log,
	logg *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		log:    log,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: logg.WithFields(zap.String("client_id", id)),
	}
}

// drop ends the connection: the stream detaches, both pumps exit, and the
// peer sees the close. Safe to call more than once.
func (c *Client) drop() {
	c.doneOnce.Do(func() {
		c.closeStream()
		close(c.done)
		c.conn.Close()
	})
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	// Stream control needs access to the client; everything else goes
	// through the dispatcher.
	switch msg.Action {
	case ws.ActionStreamSubscribe:
		c.handleStreamSubscribe(msg)
		return
	case ws.ActionStreamUnsubscribe:
		c.handleStreamUnsubscribe(msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	if response != nil {
		c.sendMessage(response)
	}
}

// StreamSubscribeRequest is the payload for stream.subscribe. AfterSeq is
// the client's last-seen cursor; missed events are re-sent in order before
// the live tail.
type StreamSubscribeRequest struct {
	AfterSeq int64 `json:"after_seq"`
}

func (c *Client) handleStreamSubscribe(msg *ws.Message) {
	var req StreamSubscribeRequest
	if msg.Payload != nil {
		if err := msg.ParsePayload(&req); err != nil {
			c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
			return
		}
	}

	sub, err := c.log.Subscribe(req.AfterSeq)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}

	c.mu.Lock()
	if c.stream != nil {
		c.stream.Close()
	}
	c.stream = sub
	c.mu.Unlock()

	go c.streamPump(sub)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":   true,
		"after_seq": req.AfterSeq,
	})
	c.sendMessage(resp)
}

func (c *Client) handleStreamUnsubscribe(msg *ws.Message) {
	c.closeStream()
	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
	})
	c.sendMessage(resp)
}

// streamPump relays ordered log events to this client. A client that cannot
// keep up is disconnected; its reconnect resumes from its own cursor.
func (c *Client) streamPump(sub *eventlog.Subscription) {
	for ev := range sub.Events() {
		note, err := ws.NewNotification(ws.ActionTaskEvent, v1.EventFromDomain(ev))
		if err != nil {
			c.logger.Error("failed to build event notification", zap.Error(err))
			continue
		}
		data, err := json.Marshal(note)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		case <-c.done:
			return
		case <-time.After(streamEnqueueWait):
			c.logger.Warn("client too slow for event stream, disconnecting")
			c.hub.Unregister(c)
			return
		}
	}
}

// closeStream tears down the log subscription, if any.
func (c *Client) closeStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
