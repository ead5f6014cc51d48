package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/propertyledger/backend/internal/auth"
	"github.com/propertyledger/backend/internal/config"
	"github.com/propertyledger/backend/internal/events"
	"github.com/propertyledger/backend/internal/models"
)

// WSHub pushes settlement and operation events to the connections of the
// addresses an event concerns.
type WSHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[string][]*wsConn
}

// wsConn serialises writes; the underlying connection allows one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func NewWSHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *WSHub {
	return &WSHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[string][]*wsConn),
	}
}

func (h *WSHub) Start(ctx context.Context) error {
	for _, ch := range []string{events.ChannelSettlement, events.ChannelOperations} {
		if err := h.subscriber.Subscribe(ctx, ch, h.Dispatch); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch delivers event to every connection of its parties.
func (h *WSHub) Dispatch(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool, len(event.Parties))
	for _, p := range event.Parties {
		addr := models.NormalizeAddress(p)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		for _, c := range h.connections[addr] {
			if err := c.write(data); err != nil {
				h.log.Debug("ws write failed", zap.String("address", addr), zap.Error(err))
			}
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *WSHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}

	addr := claims.Address
	wc := &wsConn{conn: conn}
	h.register(addr, wc)
	defer func() {
		h.unregister(addr, wc)
		conn.Close()
	}()

	// read loop keeps the connection alive until the client leaves
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WSHub) register(addr string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[addr] = append(h.connections[addr], c)
}

func (h *WSHub) unregister(addr string, c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.connections[addr]
	for i, existing := range conns {
		if existing == c {
			h.connections[addr] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[addr]) == 0 {
		delete(h.connections, addr)
	}
}
