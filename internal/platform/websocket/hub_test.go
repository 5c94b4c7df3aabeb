package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/apptflow/internal/platform/auth"
	"github.com/ehr/apptflow/internal/platform/events"
)

var (
	topicA = events.AppointmentTopic(uuid.MustParse("11111111-1111-1111-1111-111111111111"))
	topicB = events.AppointmentTopic(uuid.MustParse("22222222-2222-2222-2222-222222222222"))
)

func newTestHub(authz Authorizer) *Hub {
	return NewHub(authz, zerolog.Nop())
}

func newClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
}

func testEvent(topic string) events.Event {
	return events.Event{
		ID:        uuid.New(),
		Type:      events.TypeConfirmed,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
	}
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.Send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s should not receive anything, got %s", c.ID, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_RegisterClient(t *testing.T) {
	hub := newTestHub(nil)
	hub.Register(newClient(hub, "client-1", topicA))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(topicA) != 1 {
		t.Fatalf("expected 1 client on %s, got %d", topicA, hub.TopicCount(topicA))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := newTestHub(nil)
	client := newClient(hub, "client-2", topicA)
	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount(topicA) != 0 {
		t.Fatalf("expected no subscribers left, got %d", hub.TopicCount(topicA))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishReachesOnlyTopicSubscribers(t *testing.T) {
	hub := newTestHub(nil)
	a := newClient(hub, "a", topicA)
	b := newClient(hub, "b", topicB)
	hub.Register(a)
	hub.Register(b)

	if err := hub.Publish(context.Background(), testEvent(topicA)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(receive(t, a), &got); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if got.Type != events.TypeConfirmed {
		t.Errorf("expected %s, got %s", events.TypeConfirmed, got.Type)
	}
	if got.Topic != topicA {
		t.Errorf("expected topic %s, got %s", topicA, got.Topic)
	}
	expectSilence(t, b)
}

func TestHub_BroadcastToEmptyTopic(t *testing.T) {
	hub := newTestHub(nil)
	hub.Broadcast(topicA, testEvent(topicA))
}

func TestHub_BroadcastSkipsFullBuffer(t *testing.T) {
	hub := newTestHub(nil)
	slow := &Client{ID: "slow", Topics: []string{topicA}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(slow)

	hub.Broadcast(topicA, testEvent(topicA))
	hub.Broadcast(topicA, testEvent(topicA))

	if len(slow.Send) != 1 {
		t.Fatalf("expected exactly 1 buffered event, got %d", len(slow.Send))
	}
}

func TestHub_SubscribeIsIdempotent(t *testing.T) {
	hub := newTestHub(nil)
	client := newClient(hub, "c")
	hub.Register(client)

	hub.Subscribe(client, []string{topicA, topicA})
	hub.Subscribe(client, []string{topicA})

	if len(client.Topics) != 1 {
		t.Fatalf("expected 1 topic, got %v", client.Topics)
	}
	if hub.TopicCount(topicA) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.TopicCount(topicA))
	}
}

func TestHub_UnsubscribeRemovesTopics(t *testing.T) {
	hub := newTestHub(nil)
	client := newClient(hub, "c", topicA, topicB)
	hub.Register(client)

	hub.Unsubscribe(client, []string{topicA})

	if hub.TopicCount(topicA) != 0 {
		t.Errorf("expected 0 subscribers on %s, got %d", topicA, hub.TopicCount(topicA))
	}
	if hub.TopicCount(topicB) != 1 {
		t.Errorf("expected 1 subscriber on %s, got %d", topicB, hub.TopicCount(topicB))
	}
	if len(client.Topics) != 1 || client.Topics[0] != topicB {
		t.Errorf("expected remaining topics [%s], got %v", topicB, client.Topics)
	}
}

func TestHub_ProcessMessageFiltersUnauthorizedTopics(t *testing.T) {
	allowedUser := uuid.New()
	authz := AuthorizerFunc(func(_ context.Context, id auth.Identity, topic string) error {
		if id.UserID == allowedUser && topic == topicA {
			return nil
		}
		return errors.New("not a party")
	})
	hub := newTestHub(authz)
	client := newClient(hub, "c")
	client.Identity = auth.Identity{UserID: allowedUser, Role: auth.RolePatient}
	hub.Register(client)

	hub.ProcessMessage(context.Background(), client, ClientMessage{
		Action: "subscribe",
		Topics: []string{topicA, topicB},
	})

	if hub.TopicCount(topicA) != 1 {
		t.Errorf("expected subscription to %s, got %d", topicA, hub.TopicCount(topicA))
	}
	if hub.TopicCount(topicB) != 0 {
		t.Errorf("expected %s to be rejected, got %d subscribers", topicB, hub.TopicCount(topicB))
	}

	var n Notice
	if err := json.Unmarshal(receive(t, client), &n); err != nil {
		t.Fatalf("failed to decode notice: %v", err)
	}
	if n.Type != NoticeSubscriptionRejected || n.Topic != topicB {
		t.Errorf("expected rejection notice for %s, got %+v", topicB, n)
	}
}

func TestHub_ProcessMessageUnsubscribe(t *testing.T) {
	hub := newTestHub(nil)
	client := newClient(hub, "c", topicA)
	hub.Register(client)

	hub.ProcessMessage(context.Background(), client, ClientMessage{Action: "unsubscribe", Topics: []string{topicA}})

	if hub.TopicCount(topicA) != 0 {
		t.Fatalf("expected 0 subscribers, got %d", hub.TopicCount(topicA))
	}
}

func TestHub_ProcessMessageUnknownAction(t *testing.T) {
	hub := newTestHub(nil)
	client := newClient(hub, "c")
	hub.Register(client)

	hub.ProcessMessage(context.Background(), client, ClientMessage{Action: "dance", Topics: []string{topicA}})

	if hub.TopicCount(topicA) != 0 {
		t.Fatalf("expected unknown action to be ignored, got %d subscribers", hub.TopicCount(topicA))
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := newTestHub(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := newClient(hub, uuid.NewString(), topicA)
			hub.Register(client)
			hub.Broadcast(topicA, testEvent(topicA))
			hub.Unregister(client)
		}(i)
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(newTestHub(nil), nil).RegisterRoutes(e.Group(""))

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestHandler_HandleConnectRequiresIdentity(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := NewHandler(newTestHub(nil), nil).HandleConnect(c)

	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", he.Code)
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := NewHandler(newTestHub(nil), nil).HandleConnect(c)

	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	h := NewHandler(newTestHub(nil), []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	if !h.upgrader.CheckOrigin(req) {
		t.Error("expected configured origin to be allowed")
	}

	req.Header.Set("Origin", "https://evil.example.com")
	if h.upgrader.CheckOrigin(req) {
		t.Error("expected unknown origin to be rejected")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	userID := uuid.New()
	authz := AuthorizerFunc(func(_ context.Context, id auth.Identity, topic string) error {
		if id.UserID != userID {
			return errors.New("wrong user")
		}
		return nil
	})
	hub := newTestHub(authz)

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			c.SetRequest(r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{UserID: userID, Role: auth.RolePatient})))
			return next(c)
		}
	})
	NewHandler(hub, nil).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{topicA}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(topicA) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 subscriber on %s, got %d", topicA, hub.TopicCount(topicA))
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(topicA, testEvent(topicA))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received events.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if received.Type != events.TypeConfirmed {
		t.Fatalf("expected %s, got %s", events.TypeConfirmed, received.Type)
	}
}
