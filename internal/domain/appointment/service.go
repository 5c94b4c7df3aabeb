package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/apptflow/internal/platform/auth"
	"github.com/ehr/apptflow/internal/platform/events"
	"github.com/ehr/apptflow/internal/platform/metrics"
)

// Service is the workflow engine. Transitions on one appointment are
// serialized in-process by a keyed lock and across processes by the
// repository's version check.
type Service struct {
	appts     AppointmentRepository
	msgs      MessageRepository
	guard     Guard
	projector *Projector
	locks     *keyedMutex
	validate  *validator.Validate
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithGuard(g Guard) Option { return func(s *Service) { s.guard = g } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(appts AppointmentRepository, msgs MessageRepository, opts ...Option) *Service {
	s := &Service{
		appts:     appts,
		msgs:      msgs,
		guard:     Guard{OpenTerminalThreads: true},
		locks:     newKeyedMutex(),
		validate:  newValidator(),
		publisher: events.Nop,
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.projector = NewProjector(s.guard)
	return s
}

// Guard returns the guard the service enforces.
func (s *Service) Guard() Guard { return s.guard }

// -- Creation --

func (s *Service) Request(ctx context.Context, caller Caller, in RequestInput) (*Appointment, error) {
	const action = "request"
	a, err := s.request(ctx, caller, in)
	s.metrics.ObserveTransition(action, outcome(err))
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypeRequested, a, caller, a)
	return a, nil
}

func (s *Service) request(ctx context.Context, caller Caller, in RequestInput) (*Appointment, error) {
	if caller.Role != auth.RolePatient {
		return nil, fmt.Errorf("%w: only patients can request appointments", ErrUnauthorized)
	}

	in.Title = strings.TrimSpace(in.Title)
	in.Reason = strings.TrimSpace(in.Reason)
	if err := check(s.validate, in); err != nil {
		return nil, err
	}
	providerID, err := uuid.Parse(in.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%w: provider_id must be a valid id", ErrValidation)
	}
	if providerID == caller.ID {
		return nil, fmt.Errorf("%w: provider_id must differ from the patient", ErrValidation)
	}
	suggested, err := ParseDate("suggested_date", in.SuggestedDate)
	if err != nil {
		return nil, err
	}
	if in.AppointmentType == "" {
		in.AppointmentType = TypeConsultation
	}

	now := s.now()
	a := &Appointment{
		ID:                   uuid.New(),
		PatientID:            caller.ID,
		ProviderID:           providerID,
		Title:                in.Title,
		Type:                 in.AppointmentType,
		Reason:               in.Reason,
		EstimatedDuration:    in.EstimatedDuration,
		Status:               StatusRequested,
		PatientSuggestedDate: suggested,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.appts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	return a, nil
}

// -- Transitions --

func (s *Service) ProposeTime(ctx context.Context, id uuid.UUID, caller Caller, date string) (*Appointment, error) {
	return s.transition(ctx, id, caller, ActionProposeTime, events.TypeTimeProposed, func(a *Appointment, now time.Time) error {
		proposed, err := ParseDate("date", date)
		if err != nil {
			return err
		}
		a.ProviderProposedDate = &proposed
		a.Status = StatusProposed
		return nil
	})
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID, caller Caller) (*Appointment, error) {
	return s.transition(ctx, id, caller, ActionConfirm, events.TypeConfirmed, func(a *Appointment, now time.Time) error {
		confirmed := a.PatientSuggestedDate
		if a.ProviderProposedDate != nil {
			confirmed = *a.ProviderProposedDate
		}
		a.ConfirmedDate = &confirmed
		a.Status = StatusConfirmed
		return nil
	})
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, caller Caller) (*Appointment, error) {
	return s.transition(ctx, id, caller, ActionComplete, events.TypeCompleted, func(a *Appointment, now time.Time) error {
		a.CompletedAt = &now
		a.Status = StatusCompleted
		return nil
	})
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, caller Caller, reason string) (*Appointment, error) {
	return s.transition(ctx, id, caller, ActionCancel, events.TypeCancelled, func(a *Appointment, now time.Time) error {
		in := cancelInput{Reason: strings.TrimSpace(reason)}
		if err := check(s.validate, in); err != nil {
			return err
		}
		by, role := caller.ID, caller.Role
		a.CancellationReason = &in.Reason
		a.CancelledBy = &by
		a.CancelledByRole = &role
		a.CancelledAt = &now
		a.Status = StatusCancelled
		return nil
	})
}

func (s *Service) SubmitFeedback(ctx context.Context, id uuid.UUID, caller Caller, rating int, comment string) (*Appointment, error) {
	return s.transition(ctx, id, caller, ActionSubmitFeedback, events.TypeFeedbackSubmitted, func(a *Appointment, now time.Time) error {
		in := feedbackInput{Rating: rating, Comment: strings.TrimSpace(comment)}
		if err := check(s.validate, in); err != nil {
			return err
		}
		a.Feedback = &Feedback{Rating: in.Rating, Comment: in.Comment, SubmittedAt: now}
		return nil
	})
}

// UpdateDetails edits descriptive metadata while the appointment is not yet confirmed.
func (s *Service) UpdateDetails(ctx context.Context, id uuid.UUID, caller Caller, in DetailsInput) (*Appointment, error) {
	return s.transition(ctx, id, caller, ActionEditDetails, events.TypeDetailsUpdated, func(a *Appointment, now time.Time) error {
		if in.empty() {
			return fmt.Errorf("%w: no fields to update", ErrValidation)
		}
		if in.Title != nil {
			t := strings.TrimSpace(*in.Title)
			in.Title = &t
		}
		if err := check(s.validate, in); err != nil {
			return err
		}
		if in.Title != nil {
			a.Title = *in.Title
		}
		if in.AppointmentType != nil {
			a.Type = *in.AppointmentType
		}
		if in.Reason != nil {
			a.Reason = strings.TrimSpace(*in.Reason)
		}
		if in.EstimatedDuration != nil {
			a.EstimatedDuration = *in.EstimatedDuration
		}
		return nil
	})
}

// transition runs one guarded mutation: lock, load, guard, apply to a copy,
// write with the loaded version, publish. Any error leaves the record as it was.
// The event is published before the lock is released so events of one
// appointment leave the process in lifecycle order.
func (s *Service) transition(ctx context.Context, id uuid.UUID, caller Caller, action Action, eventType string, apply func(a *Appointment, now time.Time) error) (*Appointment, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	a, err := s.mutate(ctx, id, caller, action, apply)
	s.metrics.ObserveTransition(string(action), outcome(err))
	if err != nil {
		return nil, err
	}
	s.logger.Debug().
		Str("appointment_id", id.String()).
		Str("action", string(action)).
		Str("status", string(a.Status)).
		Msg("appointment transition applied")
	s.publish(ctx, eventType, a, caller, a)
	return a, nil
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, caller Caller, action Action, apply func(a *Appointment, now time.Time) error) (*Appointment, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(current, caller, action); err != nil {
		return nil, err
	}

	next := current.Clone()
	now := s.now()
	if err := apply(next, now); err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	if err := s.appts.Update(ctx, next); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("save appointment %s: %w", id, err)
	}
	return next, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load appointment %s: %w", id, err)
	}
	return a, nil
}

// -- Messaging --

// AddMessage appends to the thread. It holds the appointment's lock so the
// status gate cannot race a transition in this process, and so the message
// event is ordered with the lifecycle events.
func (s *Service) AddMessage(ctx context.Context, id uuid.UUID, caller Caller, body string) (*Message, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	m, a, err := s.addMessage(ctx, id, caller, body)
	s.metrics.ObserveTransition(string(ActionSendMessage), outcome(err))
	if err != nil {
		return nil, err
	}
	s.metrics.MessageAppended()
	s.publish(ctx, events.TypeMessageAdded, a, caller, m)
	return m, nil
}

func (s *Service) addMessage(ctx context.Context, id uuid.UUID, caller Caller, body string) (*Message, *Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.guard.Check(a, caller, ActionSendMessage); err != nil {
		return nil, nil, err
	}
	in := messageInput{Body: strings.TrimSpace(body)}
	if err := check(s.validate, in); err != nil {
		return nil, nil, err
	}

	m := &Message{
		ID:            uuid.New(),
		AppointmentID: id,
		SenderID:      caller.ID,
		SenderRole:    caller.Role,
		Body:          in.Body,
		CreatedAt:     s.now(),
	}
	if err := s.msgs.Append(ctx, m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("append message: %w", err)
	}
	return m, a, nil
}

// -- Reads --

// Get returns the appointment, its projection for the caller and the full thread.
func (s *Service) Get(ctx context.Context, id uuid.UUID, caller Caller) (*Detail, error) {
	a, err := s.readable(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	msgs, _, err := s.msgs.ListByAppointment(ctx, id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return &Detail{View: s.projector.Project(a, caller), Messages: msgs}, nil
}

func (s *Service) ListMessages(ctx context.Context, id uuid.UUID, caller Caller, limit, offset int) ([]*Message, int, error) {
	if _, err := s.readable(ctx, id, caller); err != nil {
		return nil, 0, err
	}
	return s.msgs.ListByAppointment(ctx, id, limit, max(offset, 0))
}

// ListForCaller lists the caller's own appointments, newest first.
func (s *Service) ListForCaller(ctx context.Context, caller Caller, limit, offset int) ([]*View, int, error) {
	var (
		items []*Appointment
		total int
		err   error
	)
	offset = max(offset, 0)
	switch caller.Role {
	case auth.RolePatient:
		items, total, err = s.appts.ListByPatient(ctx, caller.ID, limit, offset)
	case auth.RoleDoctor:
		items, total, err = s.appts.ListByProvider(ctx, caller.ID, limit, offset)
	default:
		return nil, 0, fmt.Errorf("%w: role %s has no appointments", ErrUnauthorized, caller.Role)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}

	views := make([]*View, 0, len(items))
	for _, a := range items {
		views = append(views, s.projector.Project(a, caller))
	}
	return views, total, nil
}

// CanObserve reports whether the caller may follow the appointment's events.
func (s *Service) CanObserve(ctx context.Context, id uuid.UUID, caller Caller) error {
	_, err := s.readable(ctx, id, caller)
	return err
}

func (s *Service) readable(ctx context.Context, id uuid.UUID, caller Caller) (*Appointment, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.canRead(a) {
		return nil, fmt.Errorf("%w: not a party to appointment %s", ErrUnauthorized, id)
	}
	return a, nil
}

// -- Events --

func (s *Service) publish(ctx context.Context, eventType string, a *Appointment, caller Caller, data interface{}) {
	ev, err := events.New(eventType, a.ID, caller.ID, string(caller.Role), s.now(), data)
	if err == nil {
		ev.Version = a.Version
		err = s.publisher.Publish(ctx, ev)
	}
	if err != nil {
		s.metrics.PublishFailed(eventType)
		s.logger.Warn().Err(err).
			Str("appointment_id", a.ID.String()).
			Str("event_type", eventType).
			Msg("failed to publish appointment event")
	}
}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}
