package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAppointmentRepoMemory_CreateAndGet(t *testing.T) {
	repo := NewAppointmentRepoMemory()
	ctx := context.Background()
	a, _, _ := newTestAppointment(StatusRequested)
	a.Version = 0

	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Version != 1 {
		t.Errorf("expected version 1, got %d", a.Version)
	}
	if err := repo.Create(ctx, a); err == nil {
		t.Error("expected duplicate create to fail")
	}

	got, err := repo.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Title = "mutated"
	again, _ := repo.GetByID(ctx, a.ID)
	if again.Title != "Checkup" {
		t.Error("expected stored record to be isolated from returned copies")
	}

	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppointmentRepoMemory_UpdateVersionCheck(t *testing.T) {
	repo := NewAppointmentRepoMemory()
	ctx := context.Background()
	a, _, _ := newTestAppointment(StatusRequested)
	if err := repo.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, _ := repo.GetByID(ctx, a.ID)
	second, _ := repo.GetByID(ctx, a.ID)

	first.Status = StatusProposed
	if err := repo.Update(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("expected version 2, got %d", first.Version)
	}

	second.Status = StatusCancelled
	err := repo.Update(ctx, second)
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if second.Version != 1 {
		t.Errorf("expected rejected write to keep version 1, got %d", second.Version)
	}
	stored, _ := repo.GetByID(ctx, a.ID)
	if stored.Status != StatusProposed {
		t.Errorf("expected proposed, got %s", stored.Status)
	}

	missing, _, _ := newTestAppointment(StatusRequested)
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppointmentRepoMemory_ListNewestFirst(t *testing.T) {
	repo := NewAppointmentRepoMemory()
	ctx := context.Background()
	patient := uuid.New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		a, _, _ := newTestAppointment(StatusRequested)
		a.PatientID = patient
		a.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, a.ID)
	}

	items, total, err := repo.ListByPatient(ctx, patient, 2, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(items) != 2 || items[0].ID != ids[3] || items[1].ID != ids[2] {
		t.Errorf("expected ids[3], ids[2], got %d items", len(items))
	}

	items, total, _ = repo.ListByPatient(ctx, patient, 10, 10)
	if len(items) != 0 || total != 5 {
		t.Errorf("expected empty page past the end, got %d of %d", len(items), total)
	}

	items, total, _ = repo.ListByProvider(ctx, uuid.New(), 10, 0)
	if len(items) != 0 || total != 0 {
		t.Errorf("expected no provider matches, got %d", total)
	}
}

func TestMessageRepoMemory_AppendSequence(t *testing.T) {
	repo := NewMessageRepoMemory()
	ctx := context.Background()
	apptID := uuid.New()
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	stamps := []time.Time{t0, t0.Add(-time.Minute), t0.Add(time.Minute)}
	for i, ts := range stamps {
		m := &Message{AppointmentID: apptID, SenderID: uuid.New(), Body: "m", CreatedAt: ts}
		if err := repo.Append(ctx, m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, m.Seq)
		}
	}

	msgs, total, err := repo.ListByAppointment(ctx, apptID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if !msgs[1].CreatedAt.Equal(t0) {
		t.Errorf("expected backdated message clamped to %s, got %s", t0, msgs[1].CreatedAt)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("message %d older than predecessor", i)
		}
	}
}

func TestMessageRepoMemory_UnknownThread(t *testing.T) {
	repo := NewMessageRepoMemory()
	msgs, total, err := repo.ListByAppointment(context.Background(), uuid.New(), 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 || total != 0 {
		t.Errorf("expected empty thread, got %d", total)
	}
}

func TestMessageRepoMemory_ConcurrentAppend(t *testing.T) {
	repo := NewMessageRepoMemory()
	ctx := context.Background()
	apptID := uuid.New()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.Append(ctx, &Message{AppointmentID: apptID, Body: "x"})
		}()
	}
	wg.Wait()

	msgs, total, _ := repo.ListByAppointment(ctx, apptID, 0, 0)
	if total != n {
		t.Fatalf("expected %d messages, got %d", n, total)
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("expected dense sequence, message %d has seq %d", i, m.Seq)
		}
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		limit, offset int
		want          int
	}{
		{0, 0, 5},
		{2, 0, 2},
		{2, 4, 1},
		{10, 5, 0},
		{3, 1, 3},
		{2, -3, 2},
		{0, -1, 5},
	}
	for _, tt := range tests {
		if got := len(page(items, tt.limit, tt.offset)); got != tt.want {
			t.Errorf("page(limit=%d, offset=%d): expected %d, got %d", tt.limit, tt.offset, tt.want, got)
		}
	}
}
