package appointment

import (
	"context"

	"github.com/google/uuid"
)

// AppointmentRepository persists appointment records. Records are never deleted.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update writes a if the stored version equals a.Version, then bumps
	// a.Version. A version mismatch yields ErrConcurrencyConflict.
	Update(ctx context.Context, a *Appointment) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
}

// MessageRepository is the append-only thread store.
type MessageRepository interface {
	// Append assigns m its sequence number and a created_at no earlier than
	// the previous message in the same thread.
	Append(ctx context.Context, m *Message) error
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID, limit, offset int) ([]*Message, int, error)
}
