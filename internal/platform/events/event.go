// Package events carries appointment lifecycle notifications to the outside:
// message brokers, other server instances and connected websocket clients.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types published by the workflow engine.
const (
	TypeRequested         = "appointment.requested"
	TypeTimeProposed      = "appointment.time_proposed"
	TypeConfirmed         = "appointment.confirmed"
	TypeCompleted         = "appointment.completed"
	TypeCancelled         = "appointment.cancelled"
	TypeFeedbackSubmitted = "appointment.feedback_submitted"
	TypeDetailsUpdated    = "appointment.details_updated"
	TypeMessageAdded      = "appointment.message_added"
)

// Event is a single notification. Topic scopes websocket delivery.
// Version is the appointment record version the event was emitted at;
// consumers drop an event whose version is below one they already applied.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Topic         string          `json:"topic"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	ActorID       uuid.UUID       `json:"actor_id"`
	ActorRole     string          `json:"actor_role"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// AppointmentTopic is the websocket topic for one appointment.
func AppointmentTopic(id uuid.UUID) string {
	return "appointment/" + id.String()
}

// New builds an event for an appointment, marshalling data as the payload.
func New(eventType string, appointmentID, actorID uuid.UUID, actorRole string, at time.Time, data interface{}) (Event, error) {
	ev := Event{
		ID:            uuid.New(),
		Type:          eventType,
		Topic:         AppointmentTopic(appointmentID),
		AppointmentID: appointmentID,
		ActorID:       actorID,
		ActorRole:     actorRole,
		Timestamp:     at,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Fanout publishes to every sink, continuing past failures.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
