package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FeedChannel carries post lifecycle events to every connected client.
const FeedChannel = "feed"

const (
	redisPrefix = "artless:"
	outboxSize  = 256
)

var (
	subscribeTimeout = 2 * time.Second
	publishTimeout   = 2 * time.Second
)

// Event is the JSON frame written to websocket clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// envelope wraps a frame on redis so a hub can drop its own echo.
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

type Hub struct {
	redis   *redis.Client
	origin  string
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	pubsub *redis.PubSub
	done   chan struct{}

	// outbox feeds publishLoop; Broadcast never waits on redis.
	outbox    chan outboxFrame
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	published chan struct{}
}

type Client struct {
	Channel string
	Send    chan []byte
}

func NewHub(redisClient *redis.Client, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		redis:   redisClient,
		origin:  uuid.NewString(),
		clients: map[string]map[*Client]struct{}{},
		logger:  logger,
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.outbox = make(chan outboxFrame, outboxSize)
	h.published = make(chan struct{})
	go h.publishLoop()

	// Wait for the subscription so nothing published after NewHub is missed.
	ctx, cancel := context.WithTimeout(h.ctx, subscribeTimeout)
	defer cancel()
	h.pubsub = redisClient.PSubscribe(ctx, redisPrefix+"*")
	if _, err := h.pubsub.Receive(ctx); err != nil {
		logger.Warn("redis subscribe not confirmed", "error", err)
	}
	go h.subscribeRedis()
	return h
}

func (h *Hub) Register(channel string) *Client {
	client := &Client{
		Channel: channel,
		Send:    make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[channel] == nil {
		h.clients[channel] = map[*Client]struct{}{}
	}
	h.clients[channel][client] = struct{}{}
	return client
}

// Unregister removes client and closes its Send channel. Repeated calls are no-ops.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channelClients, ok := h.clients[client.Channel]
	if !ok {
		return
	}
	if _, ok := channelClients[client]; !ok {
		return
	}
	delete(channelClients, client)
	if len(channelClients) == 0 {
		delete(h.clients, client.Channel)
	}
	close(client.Send)
}

// Publish sends a typed event on the feed channel. It does not block on redis.
func (h *Hub) Publish(topic string, payload any) {
	raw, err := json.Marshal(Event{Type: topic, Data: payload})
	if err != nil {
		h.logger.Error("encode event", "type", topic, "error", err)
		return
	}
	h.Broadcast(FeedChannel, raw)
}

// Broadcast delivers payload to local clients and queues it for the other
// instances. A full queue drops the redis copy.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.deliver(channel, payload)

	if h.redis == nil {
		return
	}
	msg, _ := json.Marshal(envelope{Origin: h.origin, Payload: payload})
	frame := outboxFrame{channel: channel, msg: msg}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.outbox <- frame:
	default:
		h.logger.Warn("redis outbox full, dropping frame", "channel", channel)
	}
}

// Close flushes queued frames and stops the redis subscription.
func (h *Hub) Close() {
	if h.redis == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.outbox)
	h.mu.Unlock()

	select {
	case <-h.published:
	case <-time.After(publishTimeout):
		h.logger.Warn("redis outbox not flushed before close")
	}
	h.cancel()
	<-h.published
	_ = h.pubsub.Close()
	<-h.done
}

type outboxFrame struct {
	channel string
	msg     []byte
}

func (h *Hub) publishLoop() {
	defer close(h.published)

	for frame := range h.outbox {
		ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
		err := h.redis.Publish(ctx, redisChannel(frame.channel), frame.msg).Err()
		cancel()
		if err != nil {
			h.logger.Error("redis publish", "channel", frame.channel, "error", err)
		}
	}
}

func (h *Hub) deliver(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[channel] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis() {
	defer close(h.done)

	for msg := range h.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.logger.Warn("drop malformed redis frame", "channel", msg.Channel, "error", err)
			continue
		}
		if env.Origin == h.origin {
			continue
		}
		h.deliver(channelFromRedis(msg.Channel), env.Payload)
	}
}

func redisChannel(channel string) string {
	return redisPrefix + channel
}

func channelFromRedis(ch string) string {
	if !strings.HasPrefix(ch, redisPrefix) {
		return ""
	}
	return strings.TrimPrefix(ch, redisPrefix)
}
