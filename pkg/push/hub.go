package push

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abcd5251/1inch-on-sui-sub001/internal/metrics"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/cache"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/config"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

// Update kinds stamped by the coordinator on swap notifications; they
// decide which topics a message fans out to.
const (
	updateChainEvent = "chain_event"
	updateWithdrawal = "withdrawal"
	updateExpiry     = "expiry"
)

// broadcastBacklog bounds the hub inbox; producers drop instead of
// blocking when the hub cannot keep up.
const broadcastBacklog = 512

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// queryTimeout bounds repository reads triggered by client requests.
const queryTimeout = 5 * time.Second

type broadcastMsg struct {
	topics []string
	swapID string
	frame  []byte
}

// Hub owns the WebSocket subscriber registry and fans lifecycle
// messages out to matching sessions. It implements the coordinator's
// notifier contract; none of its methods block the caller.
type Hub struct {
	store  storage.Store
	cache  *cache.Cache
	logger *zap.Logger

	heartbeat   time.Duration
	idleTimeout time.Duration
	sendBuffer  int

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMsg
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool

	countsMu sync.Mutex
	counts   map[string]int

	upgrader websocket.Upgrader
}

// NewHub creates a hub over the swap repository and hot cache.
func NewHub(store storage.Store, hot *cache.Cache, cfg config.PushConfig, logger *zap.Logger) *Hub {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		store:       store,
		cache:       hot,
		logger:      logger,
		heartbeat:   cfg.Heartbeat.Std(),
		idleTimeout: cfg.IdleTimeout.Std(),
		sendBuffer:  sendBuffer,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan broadcastMsg, broadcastBacklog),
		done:        make(chan struct{}),
		clients:     make(map[*Client]bool),
		counts:      make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run drives the registry, fan-out, and idle reaping until ctx ends.
// It must be running before the hub serves connections.
func (h *Hub) Run(ctx context.Context) {
	reaper := time.NewTicker(h.idleTimeout / 2)
	defer reaper.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Push client connected",
				zap.String("client_id", client.id),
				zap.Int("clients", total))
		case client := <-h.unregister:
			h.drop(client)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case <-reaper.C:
			h.reapIdle()
		}
	}
}

// ServeHTTP upgrades the connection and hands it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Push upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Subscribers returns the number of connected sessions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SwapCreated pushes a new swap session to subscribers.
func (h *Hub) SwapCreated(swap *htlc.Swap) {
	h.publish(TypeSwapCreated, SwapUpdate{Swap: swap}, swap.ID,
		TopicSwapUpdates, TopicHTLCEvents)
}

// SwapUpdated pushes a swap change. Status changes and same-status
// updates arrive as distinct envelope types.
func (h *Hub) SwapUpdated(swap *htlc.Swap, previous htlc.Status, kind string) {
	msgType := TypeSwapUpdated
	if swap.Status != previous {
		msgType = TypeSwapStatusChanged
	}
	h.publish(msgType, SwapUpdate{
		Swap:           swap,
		PreviousStatus: previous,
		UpdateKind:     kind,
	}, swap.ID, topicsForKind(kind)...)
}

// SwapError pushes a failure reason for a swap.
func (h *Hub) SwapError(swap *htlc.Swap, message string) {
	h.publish(TypeSwapError, SwapErrorData{
		SwapID:  swap.ID,
		Status:  swap.Status,
		Message: message,
	}, swap.ID, TopicSwapUpdates, TopicSystemEvents)
}

func topicsForKind(kind string) []string {
	switch kind {
	case updateWithdrawal:
		return []string{TopicSwapUpdates, TopicWithdrawalEvents}
	case updateExpiry:
		return []string{TopicSwapUpdates, TopicSystemEvents}
	default:
		return []string{TopicSwapUpdates, TopicHTLCEvents}
	}
}

func (h *Hub) publish(msgType string, data interface{}, swapID string, msgTopics ...string) {
	frame, err := marshalEnvelope(msgType, data)
	if err != nil {
		h.logger.Error("Failed to marshal push message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- broadcastMsg{topics: msgTopics, swapID: swapID, frame: frame}:
	default:
		metrics.ErrorsTotal.WithLabelValues("push", "backlog_full").Inc()
		h.logger.Warn("Push backlog full, dropping message",
			zap.String("type", msgType),
			zap.String("swap_id", swapID))
	}
}

func (h *Hub) fanOut(msg broadcastMsg) {
	var dead []*Client

	h.mu.RLock()
	for client := range h.clients {
		if !client.matches(msg.topics, msg.swapID) {
			continue
		}
		if !client.trySend(msg.frame) {
			dead = append(dead, client)
			continue
		}
		metrics.PushMessages.WithLabelValues(msg.topics[0]).Inc()
	}
	h.mu.RUnlock()

	for _, client := range dead {
		h.logger.Warn("Push client too slow, dropping",
			zap.String("client_id", client.id))
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if !h.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	total := len(h.clients)
	h.mu.Unlock()

	client.close()
	for topic := range client.topicsSnapshot() {
		h.topicDelta(topic, -1)
	}
	h.logger.Info("Push client disconnected",
		zap.String("client_id", client.id),
		zap.Int("clients", total))
}

func (h *Hub) reapIdle() {
	cutoff := time.Now().Add(-h.idleTimeout)

	h.mu.RLock()
	var idle []*Client
	for client := range h.clients {
		if client.seen().Before(cutoff) {
			idle = append(idle, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range idle {
		h.logger.Info("Reaping idle push client",
			zap.String("client_id", client.id))
		h.drop(client)
	}
}

// shutdown closes every session; write pumps deliver a going-away
// close frame as their send channels drain.
func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
		for topic := range client.topicsSnapshot() {
			h.topicDelta(topic, -1)
		}
	}
	h.logger.Info("Push hub stopped", zap.Int("closed_sessions", len(clients)))
}

func (h *Hub) topicDelta(topic string, delta int) {
	h.countsMu.Lock()
	h.counts[topic] += delta
	value := h.counts[topic]
	h.countsMu.Unlock()
	metrics.PushSubscribers.WithLabelValues(topic).Set(float64(value))
}

// swapByID answers get_swap: hot cache first, repository second.
func (h *Hub) swapByID(id string) (*htlc.Swap, error) {
	if swap, ok := h.cache.GetSwap(id); ok {
		return swap, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	return h.store.GetSwap(ctx, id)
}

// listSwaps answers get_swaps with a short-lived query cache in front
// of the repository.
func (h *Hub) listSwaps(status string, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	opts := []storage.ListOption{storage.WithLimit(limit)}
	var parsed htlc.Status
	if status != "" {
		var err error
		parsed, err = htlc.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		opts = append(opts, storage.WithStatus(parsed))
	}

	key := fmt.Sprintf("ws:swaps:%s:%d", parsed, limit)
	if raw, ok := h.cache.GetQuery(key); ok {
		return raw, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	swaps, err := h.store.ListSwaps(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}

	raw, err := marshalEnvelope(TypeSwaps, SwapList{Swaps: swaps, Count: len(swaps)})
	if err != nil {
		return nil, err
	}
	h.cache.PutQuery(key, raw)
	return raw, nil
}
