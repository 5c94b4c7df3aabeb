package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/apptflow/internal/platform/auth"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusRequested Status = "requested"
	StatusProposed  Status = "proposed"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusRequested, StatusProposed, StatusConfirmed, StatusCompleted, StatusCancelled}

// Terminal reports whether no further lifecycle transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Type is the kind of visit being negotiated.
type Type string

const (
	TypeConsultation Type = "consultation"
	TypeFollowUp     Type = "follow_up"
	TypeCheckup      Type = "checkup"
	TypeEmergency    Type = "emergency"
	TypeLabReview    Type = "lab_review"
	TypeTelehealth   Type = "telehealth"
	TypeProcedure    Type = "procedure"
)

var knownTypes = map[Type]bool{
	TypeConsultation: true,
	TypeFollowUp:     true,
	TypeCheckup:      true,
	TypeEmergency:    true,
	TypeLabReview:    true,
	TypeTelehealth:   true,
	TypeProcedure:    true,
}

func (t Type) Valid() bool { return knownTypes[t] }

// Feedback is the patient's post-visit rating. It can be submitted once.
type Feedback struct {
	Rating      int       `json:"rating"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Appointment is a single negotiated visit between one patient and one provider.
type Appointment struct {
	ID                   uuid.UUID  `json:"id"`
	PatientID            uuid.UUID  `json:"patient_id"`
	ProviderID           uuid.UUID  `json:"provider_id"`
	Title                string     `json:"title"`
	Type                 Type       `json:"appointment_type"`
	Reason               string     `json:"reason,omitempty"`
	EstimatedDuration    int        `json:"estimated_duration,omitempty"`
	Status               Status     `json:"status"`
	PatientSuggestedDate time.Time  `json:"patient_suggested_date"`
	ProviderProposedDate *time.Time `json:"provider_proposed_date,omitempty"`
	ConfirmedDate        *time.Time `json:"confirmed_date,omitempty"`
	CancellationReason   *string    `json:"cancellation_reason,omitempty"`
	CancelledBy          *uuid.UUID `json:"cancelled_by,omitempty"`
	CancelledByRole      *auth.Role `json:"cancelled_by_role,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	Feedback             *Feedback  `json:"feedback,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Version              int        `json:"version"`
}

// EffectiveDate is the date the appointment currently points at: the
// confirmed date once confirmed, the provider's counter-proposal while
// proposed, and the patient's suggestion otherwise.
func (a *Appointment) EffectiveDate() time.Time {
	if a.ConfirmedDate != nil {
		return *a.ConfirmedDate
	}
	if a.Status == StatusProposed && a.ProviderProposedDate != nil {
		return *a.ProviderProposedDate
	}
	return a.PatientSuggestedDate
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (a *Appointment) Clone() *Appointment {
	if a == nil {
		return nil
	}
	c := *a
	c.ProviderProposedDate = cloneTime(a.ProviderProposedDate)
	c.ConfirmedDate = cloneTime(a.ConfirmedDate)
	c.CancelledAt = cloneTime(a.CancelledAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	if a.CancellationReason != nil {
		r := *a.CancellationReason
		c.CancellationReason = &r
	}
	if a.CancelledBy != nil {
		id := *a.CancelledBy
		c.CancelledBy = &id
	}
	if a.CancelledByRole != nil {
		role := *a.CancelledByRole
		c.CancelledByRole = &role
	}
	if a.Feedback != nil {
		f := *a.Feedback
		c.Feedback = &f
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Message is one entry of an appointment's append-only thread.
type Message struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	SenderID      uuid.UUID `json:"sender_id"`
	SenderRole    auth.Role `json:"sender_role"`
	Body          string    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
	Seq           int64     `json:"seq"`
}

// Caller is the identity on whose behalf an operation runs.
type Caller struct {
	ID   uuid.UUID
	Role auth.Role
}

func (c Caller) isPatientOf(a *Appointment) bool {
	return c.Role == auth.RolePatient && c.ID == a.PatientID
}

func (c Caller) isProviderOf(a *Appointment) bool {
	return c.Role == auth.RoleDoctor && c.ID == a.ProviderID
}

// canRead reports whether the caller may observe the appointment and its thread.
func (c Caller) canRead(a *Appointment) bool {
	if c.isPatientOf(a) || c.isProviderOf(a) {
		return true
	}
	return c.Role == auth.RoleAdmin || c.Role == auth.RoleMasterAdmin
}
