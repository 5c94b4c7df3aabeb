package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/apptflow/internal/platform/auth"
	"github.com/ehr/apptflow/internal/platform/db"
)

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, provider_id, title, appointment_type, reason, estimated_duration,
	status, patient_suggested_date, provider_proposed_date, confirmed_date,
	cancellation_reason, cancelled_by, cancelled_by_role, cancelled_at, completed_at,
	feedback_rating, feedback_comment, feedback_submitted_at, created_at, updated_at, version`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a               Appointment
		apptType        string
		status          string
		cancelledByRole *string
		rating          *int
		comment         *string
		submittedAt     *time.Time
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.Title, &apptType, &a.Reason, &a.EstimatedDuration,
		&status, &a.PatientSuggestedDate, &a.ProviderProposedDate, &a.ConfirmedDate,
		&a.CancellationReason, &a.CancelledBy, &cancelledByRole, &a.CancelledAt, &a.CompletedAt,
		&rating, &comment, &submittedAt, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Type = Type(apptType)
	a.Status = Status(status)
	if cancelledByRole != nil {
		role := auth.Role(*cancelledByRole)
		a.CancelledByRole = &role
	}
	if rating != nil && submittedAt != nil {
		a.Feedback = &Feedback{Rating: *rating, SubmittedAt: *submittedAt}
		if comment != nil {
			a.Feedback.Comment = *comment
		}
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Version = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (id, patient_id, provider_id, title, appointment_type, reason,
			estimated_duration, status, patient_suggested_date, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.PatientID, a.ProviderID, a.Title, string(a.Type), a.Reason,
		a.EstimatedDuration, string(a.Status), a.PatientSuggestedDate, a.CreatedAt, a.UpdatedAt, a.Version)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	var (
		role        *string
		rating      *int
		comment     *string
		submittedAt *time.Time
	)
	if a.CancelledByRole != nil {
		s := string(*a.CancelledByRole)
		role = &s
	}
	if a.Feedback != nil {
		rating, comment, submittedAt = &a.Feedback.Rating, &a.Feedback.Comment, &a.Feedback.SubmittedAt
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET title=$3, appointment_type=$4, reason=$5, estimated_duration=$6,
			status=$7, provider_proposed_date=$8, confirmed_date=$9,
			cancellation_reason=$10, cancelled_by=$11, cancelled_by_role=$12, cancelled_at=$13,
			completed_at=$14, feedback_rating=$15, feedback_comment=$16, feedback_submitted_at=$17,
			updated_at=$18, version = version + 1
		WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.Title, string(a.Type), a.Reason, a.EstimatedDuration,
		string(a.Status), a.ProviderProposedDate, a.ConfirmedDate,
		a.CancellationReason, a.CancelledBy, role, a.CancelledAt,
		a.CompletedAt, rating, comment, submittedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointment WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%w: version %d is stale", ErrConcurrencyConflict, a.Version)
	}
	a.Version++
	return nil
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.listBy(ctx, "patient_id", patientID, limit, offset)
}

func (r *appointmentRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return r.listBy(ctx, "provider_id", providerID, limit, offset)
}

// listBy pages appointments newest first. column is always a literal from
// this file, never caller input.
func (r *appointmentRepoPG) listBy(ctx context.Context, column string, id uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment WHERE `+column+` = $1`, id).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+apptCols+` FROM appointment WHERE `+column+` = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		id, limitArg(limit), max(offset, 0))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

const msgCols = `id, appointment_id, seq, sender_id, sender_role, body, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var role string
	if err := row.Scan(&m.ID, &m.AppointmentID, &m.Seq, &m.SenderID, &role, &m.Body, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.SenderRole = auth.Role(role)
	return &m, nil
}

// Append serializes writers on the owning appointment row so sequence
// numbers and timestamps stay monotonic within one thread only.
func (r *messageRepoPG) Append(ctx context.Context, m *Message) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.ConnFromContext(ctx)

		var locked uuid.UUID
		err := q.QueryRow(ctx, `SELECT id FROM appointment WHERE id = $1 FOR UPDATE`, m.AppointmentID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock appointment: %w", err)
		}

		var lastSeq int64
		var lastAt *time.Time
		if err := q.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0), MAX(created_at) FROM appointment_message WHERE appointment_id = $1`,
			m.AppointmentID).Scan(&lastSeq, &lastAt); err != nil {
			return fmt.Errorf("read thread tail: %w", err)
		}

		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if lastAt != nil && m.CreatedAt.Before(*lastAt) {
			m.CreatedAt = *lastAt
		}
		m.Seq = lastSeq + 1

		if _, err := q.Exec(ctx, `
			INSERT INTO appointment_message (id, appointment_id, seq, sender_id, sender_role, body, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			m.ID, m.AppointmentID, m.Seq, m.SenderID, string(m.SenderRole), m.Body, m.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func (r *messageRepoPG) ListByAppointment(ctx context.Context, appointmentID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	var q db.Querier = r.pool
	if c := db.ConnFromContext(ctx); c != nil {
		q = c
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM appointment_message WHERE appointment_id = $1`, appointmentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx,
		`SELECT `+msgCols+` FROM appointment_message WHERE appointment_id = $1 ORDER BY created_at, seq LIMIT $2 OFFSET $3`,
		appointmentID, limitArg(limit), max(offset, 0))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as LIMIT ALL.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
