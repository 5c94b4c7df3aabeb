// Package websocket pushes appointment events to connected clients.
// Clients subscribe to topics ("appointment/<id>"); every subscription is
// checked against the caller's identity before it is accepted.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/apptflow/internal/platform/auth"
	"github.com/ehr/apptflow/internal/platform/events"
)

// ClientMessage is an inbound subscription request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Notice is sent back to a client when a subscription request is refused.
type Notice struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Reason string `json:"reason,omitempty"`
}

const NoticeSubscriptionRejected = "subscription.rejected"

// Authorizer decides whether an identity may follow a topic.
type Authorizer interface {
	CanSubscribe(ctx context.Context, id auth.Identity, topic string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, id auth.Identity, topic string) error

func (f AuthorizerFunc) CanSubscribe(ctx context.Context, id auth.Identity, topic string) error {
	return f(ctx, id, topic)
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one WebSocket connection.
type Client struct {
	ID       string
	Identity auth.Identity
	Topics   []string
	Send     chan []byte
	hub      *Hub
	conn     Conn
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{} // topic -> subscribers
	all        map[*Client]struct{}
	authorizer Authorizer
	logger     zerolog.Logger
}

// NewHub returns a hub that accepts subscriptions approved by authz.
// A nil authz accepts every subscription.
func NewHub(authz Authorizer, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		all:        make(map[*Client]struct{}),
		authorizer: authz,
		logger:     logger,
	}
}

// Register adds a client and its initial topics. Initial topics are trusted.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(client, topic)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client without authorization.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if subscribed(client, topic) {
			continue
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		drop[topic] = struct{}{}
		h.removeLocked(client, topic)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage applies a client request. Subscribe requests are filtered
// through the authorizer; each refused topic gets a Notice.
func (h *Hub) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, h.authorized(ctx, client, msg.Topics))
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

func (h *Hub) authorized(ctx context.Context, client *Client, topics []string) []string {
	if h.authorizer == nil {
		return topics
	}
	allowed := make([]string, 0, len(topics))
	for _, topic := range topics {
		if err := h.authorizer.CanSubscribe(ctx, client.Identity, topic); err != nil {
			h.logger.Debug().Err(err).
				Str("client_id", client.ID).
				Str("topic", topic).
				Msg("websocket subscription rejected")
			h.notify(client, Notice{Type: NoticeSubscriptionRejected, Topic: topic, Reason: err.Error()})
			continue
		}
		allowed = append(allowed, topic)
	}
	return allowed
}

func (h *Hub) notify(client *Client, n Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Broadcast sends an event to every subscriber of topic. Slow clients whose
// buffer is full miss the event.
func (h *Hub) Broadcast(topic string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", event.Type).Msg("websocket: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// Publish broadcasts the event on its own topic.
func (h *Hub) Publish(_ context.Context, event events.Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func (h *Hub) addLocked(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	subscribers, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, topic)
	}
}

func subscribed(client *Client, topic string) bool {
	for _, t := range client.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

const authorizeTimeout = 5 * time.Second

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler binds a handler to hub. Requests without an Origin header
// (non-browser clients) are always accepted, as is every origin when
// allowedOrigins is empty.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(origins) == 0 {
					return true
				}
				if _, ok := origins["*"]; ok {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// its read and write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       uuid.New().String(),
		Identity: id,
		Topics:   []string{},
		Send:     make(chan []byte, 256),
		hub:      wsh.hub,
		conn:     &gorillaConnAdapter{ws},
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
		wsh.hub.ProcessMessage(ctx, client, msg)
		cancel()
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
