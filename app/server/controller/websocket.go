package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eclipsemd/botdeck/pkg/lifecycle"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	BotID  string `json:"botId"`  // bot id, or "*" for every bot of the account
}

// ServerMessage represents messages sent to WebSocket clients.
type ServerMessage struct {
	Type    string      `json:"type"` // an instance event type, "subscribed", "unsubscribed", "info" or "error"
	Payload interface{} `json:"payload"`
}

// botSubscriptions tracks which bots a client wants events for.
type botSubscriptions struct {
	mu   sync.RWMutex
	bots map[string]bool
}

// NewBotSubscriptions starts with every bot selected.
func NewBotSubscriptions() *botSubscriptions {
	return &botSubscriptions{bots: map[string]bool{"*": true}}
}

func (s *botSubscriptions) Subscribe(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots[botID] = true
}

func (s *botSubscriptions) Unsubscribe(botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, botID)
}

// IsSubscribed reports whether events for botID should be forwarded. "*" matches all.
func (s *botSubscriptions) IsSubscribed(botID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bots["*"] || s.bots[botID]
}

// HandleWebSocket streams the caller's bot status events.
//
// The token comes from the Authorization header or the "token" query parameter,
// since browsers cannot set headers on a WebSocket handshake.
//
// Client sends: {"action": "subscribe", "botId": "<id>"} or {"action": "unsubscribe", "botId": "*"}
// Server sends: {"type": "instance.status", "payload": {...}} and acknowledgements.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.App.RedisClient == nil {
		http.Error(w, "Live events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}
	raw := bearer(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	account, err := c.ParseToken(raw)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	logger := c.logger.With(zap.String("account_id", account), zap.String("remote_addr", r.RemoteAddr))
	logger.Info("WebSocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := NewBotSubscriptions()
	send := make(chan ServerMessage, 256)

	guard := func(name string, fn func()) func() {
		return func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("Panic in "+name+" goroutine",
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())))
					cancel()
				}
			}()
			fn()
		}
	}

	var producers, writer sync.WaitGroup
	producers.Add(2)
	go func() {
		defer producers.Done()
		guard("redis subscriber", func() { c.subscribeToRedis(ctx, logger, account, send, subs) })()
	}()
	go func() {
		defer producers.Done()
		guard("ping", func() { c.sendPings(ctx, logger, conn) })()
	}()
	writer.Add(1)
	go func() {
		defer writer.Done()
		defer cancel()
		guard("writer", func() { c.writeMessages(ctx, logger, conn, send) })()
	}()

	// blocks until the connection closes
	c.readClientMessages(ctx, logger, conn, subs, send)

	cancel()
	producers.Wait()
	close(send)
	writer.Wait()

	logger.Info("WebSocket client disconnected")
}

// subscribeToRedis forwards events from the account channel, reconnecting with
// backoff whenever the subscription drops.
func (c *Controller) subscribeToRedis(ctx context.Context, logger *zap.Logger, account string, send chan<- ServerMessage, subs *botSubscriptions) {
	channel := lifecycle.EventChannel(account)

	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
		backoffFactor  = 2.0
		jitterFactor   = 0.1
	)
	backoff := initialBackoff

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := c.attemptRedisSubscription(ctx, logger, channel, send, subs)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Redis subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		if !trySend(ctx, send, ServerMessage{
			Type: "error",
			Payload: map[string]interface{}{
				"message":     "live updates interrupted, reconnecting",
				"retryIn":     backoff.Seconds(),
				"recoverable": true,
			},
		}) {
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = CalculateNextBackoff(backoff, maxBackoff, backoffFactor, jitterFactor)
	}
}

func (c *Controller) attemptRedisSubscription(ctx context.Context, logger *zap.Logger, channel string, send chan<- ServerMessage, subs *botSubscriptions) error {
	pubsub := c.App.RedisClient.Subscribe(ctx, channel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			logger.Debug("Error closing Redis subscription", zap.Error(err))
		}
	}()

	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	if !trySend(ctx, send, ServerMessage{Type: "info", Payload: map[string]string{"message": "live updates connected"}}) {
		return ctx.Err()
	}
	return c.processRedisMessages(ctx, logger, pubsub, send, subs)
}

func (c *Controller) processRedisMessages(ctx context.Context, logger *zap.Logger, pubsub *redis.PubSub, send chan<- ServerMessage, subs *botSubscriptions) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev lifecycle.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("Failed to parse instance event", zap.Error(err), zap.String("channel", msg.Channel))
				continue
			}
			if !subs.IsSubscribed(ev.InstanceID) {
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: ev.Type, Payload: ev}) {
				return ctx.Err()
			}
		}
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// CalculateNextBackoff grows current by factor, capped at max, with +/- jitterFactor jitter.
func CalculateNextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	withJitter := time.Duration(float64(next) + jitter)
	if withJitter < current {
		withJitter = current
	}
	if withJitter > max {
		withJitter = max
	}
	return withJitter
}

// sendPings sends WebSocket ping frames; the client's pongs reset the read deadline.
func (c *Controller) sendPings(ctx context.Context, logger *zap.Logger, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages is the only writer of data frames on conn.
func (c *Controller) writeMessages(ctx context.Context, logger *zap.Logger, conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if ctx.Err() != nil {
			continue // drain
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("Failed to write WebSocket message", zap.Error(err))
			return
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, logger *zap.Logger, conn *websocket.Conn, subs *botSubscriptions, send chan<- ServerMessage) {
	const readTimeout = 60 * time.Second
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		var reply ServerMessage
		switch {
		case msg.BotID == "" && (msg.Action == "subscribe" || msg.Action == "unsubscribe"):
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "botId is required"}}
		case msg.Action == "subscribe":
			subs.Subscribe(msg.BotID)
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"botId": msg.BotID}}
		case msg.Action == "unsubscribe":
			subs.Unsubscribe(msg.BotID)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"botId": msg.BotID}}
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !trySend(ctx, send, reply) {
			return
		}
	}
}
