package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =========== Appointment Repository ===========

type appointmentRepoMemory struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
}

// NewAppointmentRepoMemory returns a process-local store with the same
// version semantics as the Postgres store.
func NewAppointmentRepoMemory() AppointmentRepository {
	return &appointmentRepoMemory{items: make(map[uuid.UUID]*Appointment)}
}

func (r *appointmentRepoMemory) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, exists := r.items[a.ID]; exists {
		return fmt.Errorf("create appointment %s: already exists", a.ID)
	}
	a.Version = 1
	r.items[a.ID] = a.Clone()
	return nil
}

func (r *appointmentRepoMemory) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (r *appointmentRepoMemory) Update(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.items[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != a.Version {
		return fmt.Errorf("%w: stored version %d, have %d", ErrConcurrencyConflict, cur.Version, a.Version)
	}
	a.Version++
	r.items[a.ID] = a.Clone()
	return nil
}

func (r *appointmentRepoMemory) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	items, total := r.list(func(a *Appointment) bool { return a.PatientID == patientID }, limit, offset)
	return items, total, nil
}

func (r *appointmentRepoMemory) ListByProvider(_ context.Context, providerID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	items, total := r.list(func(a *Appointment) bool { return a.ProviderID == providerID }, limit, offset)
	return items, total, nil
}

// list returns matching records newest first, paged, with the unpaged total.
func (r *appointmentRepoMemory) list(match func(*Appointment) bool, limit, offset int) ([]*Appointment, int) {
	r.mu.RLock()
	var all []*Appointment
	for _, a := range r.items {
		if match(a) {
			all = append(all, a.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() > all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return page(all, limit, offset), len(all)
}

// =========== Message Repository ===========

type thread struct {
	mu   sync.Mutex
	msgs []*Message
}

type messageRepoMemory struct {
	mu      sync.Mutex
	threads map[uuid.UUID]*thread
}

func NewMessageRepoMemory() MessageRepository {
	return &messageRepoMemory{threads: make(map[uuid.UUID]*thread)}
}

// thread returns the thread for an appointment, creating it on first use.
// Only the map lookup is shared; appends lock the thread itself.
func (r *messageRepoMemory) thread(appointmentID uuid.UUID) *thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[appointmentID]
	if !ok {
		t = &thread{}
		r.threads[appointmentID] = t
	}
	return t
}

func (r *messageRepoMemory) Append(_ context.Context, m *Message) error {
	t := r.thread(m.AppointmentID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if n := len(t.msgs); n > 0 {
		last := t.msgs[n-1]
		if m.CreatedAt.Before(last.CreatedAt) {
			m.CreatedAt = last.CreatedAt
		}
	}
	m.Seq = int64(len(t.msgs)) + 1

	stored := *m
	t.msgs = append(t.msgs, &stored)
	return nil
}

func (r *messageRepoMemory) ListByAppointment(_ context.Context, appointmentID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	r.mu.Lock()
	t, ok := r.threads[appointmentID]
	r.mu.Unlock()
	if !ok {
		return nil, 0, nil
	}

	t.mu.Lock()
	out := make([]*Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		c := *m
		out = append(out, &c)
	}
	t.mu.Unlock()

	return page(out, limit, offset), len(out), nil
}

func page[T any](items []T, limit, offset int) []T {
	offset = max(offset, 0)
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
