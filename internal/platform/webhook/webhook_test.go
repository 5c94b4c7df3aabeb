package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/apptflow/internal/platform/events"
)

func testEvent(t *testing.T, eventType string) events.Event {
	t.Helper()
	ev, err := events.New(eventType, uuid.New(), uuid.New(), "doctor", time.Now().UTC(), map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	return ev
}

func newTestDispatcher(t *testing.T, endpoints []Endpoint, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithRetryDelays(time.Millisecond, time.Millisecond)}, opts...)
	d, err := NewDispatcher(endpoints, opts...)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"appointment.confirmed"}`)
	sig := Sign(payload, "s3cret")

	if len(sig) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(sig))
	}
	if !Verify(payload, "s3cret", sig) || !Verify(payload, "s3cret", "sha256="+sig) {
		t.Error("expected signature to verify")
	}
	if Verify(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if Verify([]byte(`{}`), "s3cret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, eventType string
		want               bool
	}{
		{"*", events.TypeConfirmed, true},
		{events.TypeConfirmed, events.TypeConfirmed, true},
		{events.TypeConfirmed, events.TypeCancelled, false},
		{"appointment.*", events.TypeMessageAdded, true},
		{"*.cancelled", events.TypeCancelled, true},
		{"*.cancelled", events.TypeCompleted, false},
		{"billing.*", events.TypeConfirmed, false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.eventType); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.eventType, got, tt.want)
		}
	}
}

func TestNewDispatcher_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com/hook", "http://", "://nope"} {
		if _, err := NewDispatcher([]Endpoint{{URL: raw}}); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestDeliver_SignsPayload(t *testing.T) {
	var (
		mu      sync.Mutex
		gotSig  string
		gotBody []byte
		gotID   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotSig = r.Header.Get(SignatureHeader)
		gotID = r.Header.Get(EventIDHeader)
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL, Secret: "k"}})
	ev := testEvent(t, events.TypeConfirmed)

	results := d.Deliver(context.Background(), ev)
	if len(results) != 1 || !results[0].OK() {
		t.Fatalf("expected one successful delivery, got %+v", results)
	}
	if results[0].Attempt != 1 {
		t.Errorf("expected first attempt to succeed, got attempt %d", results[0].Attempt)
	}

	mu.Lock()
	defer mu.Unlock()
	if !Verify(gotBody, "k", gotSig) {
		t.Error("expected a valid signature header")
	}
	if gotID != ev.ID.String() {
		t.Errorf("expected event id header %s, got %s", ev.ID, gotID)
	}
	var decoded events.Event
	if err := json.Unmarshal(gotBody, &decoded); err != nil || decoded.Type != events.TypeConfirmed {
		t.Errorf("expected event body, got %s", gotBody)
	}
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL}})
	results := d.Deliver(context.Background(), testEvent(t, events.TypeCancelled))

	if len(results) != 1 || !results[0].OK() {
		t.Fatalf("expected eventual success, got %+v", results)
	}
	if results[0].Attempt != 3 {
		t.Errorf("expected 3 attempts, got %d", results[0].Attempt)
	}
}

func TestDeliver_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL}})
	results := d.Deliver(context.Background(), testEvent(t, events.TypeCancelled))

	if len(results) != 1 || results[0].OK() {
		t.Fatalf("expected failure, got %+v", results)
	}
	if results[0].StatusCode != http.StatusGone {
		t.Errorf("expected 410, got %d", results[0].StatusCode)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single call, got %d", n)
	}
}

func TestDeliver_FiltersByPattern(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, Endpoints([]string{srv.URL}, "", []string{"*.cancelled"}))
	if got := d.Deliver(context.Background(), testEvent(t, events.TypeConfirmed)); len(got) != 0 {
		t.Errorf("expected no delivery for confirmed, got %d", len(got))
	}
	if got := d.Deliver(context.Background(), testEvent(t, events.TypeCancelled)); len(got) != 1 {
		t.Errorf("expected one delivery for cancelled, got %d", len(got))
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestPublish_QueueFull(t *testing.T) {
	d := newTestDispatcher(t, nil, WithQueueSize(1))
	ctx := context.Background()

	if err := d.Publish(ctx, testEvent(t, events.TypeConfirmed)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Publish(ctx, testEvent(t, events.TypeConfirmed)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRun_DeliversQueuedEvents(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get(EventIDHeader)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, []Endpoint{{URL: srv.URL}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	ev := testEvent(t, events.TypeRequested)
	if err := d.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case id := <-received:
		if id != ev.ID.String() {
			t.Errorf("expected %s, got %s", ev.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
