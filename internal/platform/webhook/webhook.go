// Package webhook delivers appointment events to external HTTP endpoints.
// Payloads are signed with HMAC-SHA256 and retried with backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/apptflow/internal/platform/events"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Webhook-Event-ID"
	TimestampHeader = "X-Webhook-Timestamp"
)

// ErrQueueFull is returned by Publish when the delivery queue is saturated.
var ErrQueueFull = errors.New("webhook: delivery queue full")

// Endpoint is a delivery target. Events holds type patterns; an empty list
// receives every event.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Attempt is the outcome of one delivery try.
type Attempt struct {
	URL        string
	EventID    string
	EventType  string
	Attempt    int
	StatusCode int
	Duration   time.Duration
	Err        error
}

func (a Attempt) OK() bool { return a.Err == nil }

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the waits between attempts. The number of delays is
// the number of retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queue = make(chan events.Event, n) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher queues events and delivers them from Run.
type Dispatcher struct {
	endpoints   []Endpoint
	client      *http.Client
	retryDelays []time.Duration
	queue       chan events.Event
	logger      zerolog.Logger
	now         func() time.Time
}

// NewDispatcher validates the endpoints and returns a dispatcher for them.
func NewDispatcher(endpoints []Endpoint, opts ...Option) (*Dispatcher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
	}
	d := &Dispatcher{
		endpoints:   endpoints,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		queue:       make(chan events.Event, 1024),
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Endpoints builds endpoints sharing one secret and one pattern list.
func Endpoints(urls []string, secret string, patterns []string) []Endpoint {
	out := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		out = append(out, Endpoint{URL: u, Secret: secret, Events: patterns})
	}
	return out
}

// Publish enqueues the event without blocking.
func (d *Dispatcher) Publish(_ context.Context, event events.Event) error {
	select {
	case d.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			d.Deliver(ctx, ev)
		}
	}
}

// Deliver sends the event to every matching endpoint and returns the final
// attempt for each.
func (d *Dispatcher) Deliver(ctx context.Context, event events.Event) []Attempt {
	payload, err := json.Marshal(event)
	if err != nil {
		d.logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("webhook: marshal event")
		return nil
	}

	var results []Attempt
	for _, ep := range d.endpoints {
		if !ep.matches(event.Type) {
			continue
		}
		a := d.deliverWithRetry(ctx, ep, event, payload)
		if !a.OK() {
			d.logger.Warn().Err(a.Err).
				Str("url", ep.URL).
				Str("event_id", a.EventID).
				Str("event_type", a.EventType).
				Int("attempts", a.Attempt).
				Msg("webhook delivery failed")
		}
		results = append(results, a)
	}
	return results
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, event events.Event, payload []byte) Attempt {
	a := d.deliverOnce(ctx, ep, event, payload, 1)
	for i, delay := range d.retryDelays {
		if a.OK() || !retryable(a.StatusCode) {
			return a
		}
		select {
		case <-ctx.Done():
			return a
		case <-time.After(delay):
		}
		a = d.deliverOnce(ctx, ep, event, payload, i+2)
	}
	return a
}

func (d *Dispatcher) deliverOnce(ctx context.Context, ep Endpoint, event events.Event, payload []byte, n int) Attempt {
	a := Attempt{URL: ep.URL, EventID: event.ID.String(), EventType: event.Type, Attempt: n}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		a.Err = err
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventIDHeader, a.EventID)
	req.Header.Set(TimestampHeader, d.now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(payload, ep.Secret))
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Err = err
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.Err = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

// retryable reports whether a failed attempt is worth repeating. Transport
// errors (status 0), throttling and server errors are; other 4xx are not.
func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value, with or without the "sha256=" prefix.
func Verify(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func (ep Endpoint) matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// eventMatches supports exact types, "*", "appointment.*" and "*.cancelled".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook: invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook: url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook: url %q has no host", raw)
	}
	return nil
}
