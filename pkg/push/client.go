package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

const (
	maxMessageSize = 4096
	writeWait      = 10 * time.Second
)

// Client is one WebSocket session. The hub routes messages to it by
// topic or swap id; the session dies when its send queue overflows,
// when it goes idle, or when the peer disconnects.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	dead     bool
	topics   map[string]bool
	swaps    map[string]bool
	lastSeen time.Time
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:       uuid.NewString(),
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
		topics:   make(map[string]bool),
		swaps:    make(map[string]bool),
		lastSeen: time.Now(),
	}
}

// readPump consumes inbound frames until the connection dies, then
// unregisters the session.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("Push client read failed",
					zap.String("client_id", c.id),
					zap.Error(err))
			}
			return
		}
		c.touch()

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendError("invalid request")
			continue
		}
		c.handle(req)
	}
}

// writePump drains the send queue and emits heartbeats. A closed send
// channel means the hub dropped the session; the peer gets a
// going-away close frame.
func (c *Client) writePump() {
	heartbeat := time.NewTicker(c.hub.heartbeat)
	defer func() {
		heartbeat.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-heartbeat.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			frame, err := marshalEnvelope(TypeHeartbeat, nil)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(req Request) {
	switch req.Action {
	case ActionSubscribe:
		c.subscribeTopics(req.Topics)
	case ActionUnsubscribe:
		c.unsubscribeTopics(req.Topics)
	case ActionSubscribeSwap:
		c.subscribeSwap(req.SwapID)
	case ActionUnsubscribeSwap:
		c.unsubscribeSwap(req.SwapID)
	case ActionGetSwaps:
		c.getSwaps(req.Status, req.Limit)
	case ActionGetSwap:
		c.getSwap(req.SwapID)
	case ActionPong:
		// Liveness already refreshed on read.
	default:
		c.sendError(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (c *Client) subscribeTopics(requested []string) {
	for _, topic := range requested {
		if !ValidTopic(topic) {
			c.sendError(fmt.Sprintf("unknown topic %q", topic))
			continue
		}
		c.mu.Lock()
		fresh := !c.topics[topic]
		c.topics[topic] = true
		c.mu.Unlock()
		if fresh {
			c.hub.topicDelta(topic, 1)
		}
	}
}

func (c *Client) unsubscribeTopics(requested []string) {
	for _, topic := range requested {
		c.mu.Lock()
		held := c.topics[topic]
		delete(c.topics, topic)
		c.mu.Unlock()
		if held {
			c.hub.topicDelta(topic, -1)
		}
	}
}

func (c *Client) subscribeSwap(swapID string) {
	if swapID == "" {
		c.sendError("swap_id required")
		return
	}
	c.mu.Lock()
	c.swaps[swapID] = true
	c.mu.Unlock()
	c.reply(TypeSwapSubscribed, SubscriptionAck{SwapID: swapID})
}

func (c *Client) unsubscribeSwap(swapID string) {
	if swapID == "" {
		c.sendError("swap_id required")
		return
	}
	c.mu.Lock()
	delete(c.swaps, swapID)
	c.mu.Unlock()
	c.reply(TypeSwapUnsubscribed, SubscriptionAck{SwapID: swapID})
}

func (c *Client) getSwaps(status string, limit int) {
	frame, err := c.hub.listSwaps(status, limit)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	c.trySend(frame)
}

func (c *Client) getSwap(swapID string) {
	if swapID == "" {
		c.sendError("swap_id required")
		return
	}
	swap, err := c.hub.swapByID(swapID)
	if err != nil {
		if errors.Is(err, storage.ErrSwapNotFound) {
			c.sendError(fmt.Sprintf("swap %s not found", swapID))
			return
		}
		c.hub.logger.Error("Push swap lookup failed",
			zap.String("swap_id", swapID),
			zap.Error(err))
		c.sendError("lookup failed")
		return
	}
	c.reply(TypeSwapUpdated, SwapUpdate{Swap: swap})
}

func (c *Client) reply(msgType string, data interface{}) {
	frame, err := marshalEnvelope(msgType, data)
	if err != nil {
		c.hub.logger.Error("Failed to marshal push reply", zap.Error(err))
		return
	}
	c.trySend(frame)
}

func (c *Client) sendError(message string) {
	c.reply(TypeError, ErrorData{Message: message})
}

// trySend queues a frame without blocking. False means the session is
// gone or its queue is full and it should be reaped. The dead flag and
// the channel close are serialized on the same mutex, so a send can
// never hit a closed channel.
func (c *Client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close shuts the send queue exactly once; the write pump answers with
// a going-away close frame.
func (c *Client) close() {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	c.mu.Unlock()
	close(c.send)
}

// matches reports whether the session subscribed to any of the topics
// or to the swap id itself.
func (c *Client) matches(msgTopics []string, swapID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if swapID != "" && c.swaps[swapID] {
		return true
	}
	for _, topic := range msgTopics {
		if c.topics[topic] {
			return true
		}
	}
	return false
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Client) topicsSnapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]bool, len(c.topics))
	for topic := range c.topics {
		snapshot[topic] = true
	}
	return snapshot
}
