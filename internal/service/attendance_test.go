package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/infra/cache"
	"github.com/atendelab/atende-backend/internal/infra/observability"
	"github.com/atendelab/atende-backend/internal/port"
	"github.com/atendelab/atende-backend/internal/service"

	"go.uber.org/zap"
)

// --- Mocks ---

type mockAttendanceStore struct {
	mu            sync.Mutex
	appointments  map[string]*domain.Appointment
	records       map[string]*domain.AttendanceRecord
	paymentStatus map[string]string
	saves         int
}

func newMockAttendanceStore() *mockAttendanceStore {
	return &mockAttendanceStore{
		appointments:  make(map[string]*domain.Appointment),
		records:       make(map[string]*domain.AttendanceRecord),
		paymentStatus: make(map[string]string),
	}
}

func (m *mockAttendanceStore) GetAppointment(_ context.Context, appointmentID string) (*domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	appt, ok := m.appointments[appointmentID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "appointment", ID: appointmentID}
	}
	copied := *appt
	return &copied, nil
}

func (m *mockAttendanceStore) UpdateAppointmentPaymentStatus(_ context.Context, appointmentID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentStatus[appointmentID] = status
	return nil
}

func (m *mockAttendanceStore) GetAttendance(_ context.Context, appointmentID string) (*domain.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[appointmentID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "attendance_record", ID: appointmentID}
	}
	copied := *rec
	return &copied, nil
}

func (m *mockAttendanceStore) SaveAttendance(_ context.Context, rec *domain.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	copied := *rec
	m.records[rec.AppointmentID] = &copied
	return nil
}

func (m *mockAttendanceStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

var _ port.AttendanceStore = (*mockAttendanceStore)(nil)

// --- Helpers ---

func newAttendanceFixture(t *testing.T) (*service.AttendanceService, *mockAttendanceStore) {
	t.Helper()
	store := newMockAttendanceStore()
	store.appointments["appt-1"] = &domain.Appointment{
		ID:            "appt-1",
		ClientName:    "Ana",
		ServiceName:   "Corte",
		ServicePrice:  120,
		PaymentStatus: domain.PaymentStatusUnpaid,
	}
	svc := service.NewAttendanceService(
		store,
		cache.New[*domain.Appointment](5*time.Minute),
		observability.NewMetrics(),
		zap.NewNop(),
	)
	return svc, store
}

// advanceToCheckout walks appt-1 to the checkout stage in progress.
func advanceToCheckout(t *testing.T, svc *service.AttendanceService) {
	t.Helper()
	ctx := context.Background()
	steps := []func() (*domain.AttendanceRecord, error){
		func() (*domain.AttendanceRecord, error) { return svc.StartStage(ctx, "appt-1", domain.StagePre) },
		func() (*domain.AttendanceRecord, error) { return svc.CompleteStage(ctx, "appt-1", domain.StagePre) },
		func() (*domain.AttendanceRecord, error) { return svc.StartStage(ctx, "appt-1", domain.StageSession) },
		func() (*domain.AttendanceRecord, error) { return svc.CompleteStage(ctx, "appt-1", domain.StageSession) },
		func() (*domain.AttendanceRecord, error) { return svc.StartStage(ctx, "appt-1", domain.StageCheckout) },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
}

// --- Tests ---

func TestGetOverview_InitializesRecord(t *testing.T) {
	svc, store := newAttendanceFixture(t)

	overview, err := svc.GetOverview(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if overview.Appointment.ID != "appt-1" {
		t.Errorf("expected appointment appt-1, got %s", overview.Appointment.ID)
	}
	if overview.Record.CurrentStage != domain.StagePre {
		t.Errorf("expected current stage pre, got %s", overview.Record.CurrentStage)
	}
	if overview.Record.PreStatus != domain.StatusAvailable {
		t.Errorf("expected pre available, got %s", overview.Record.PreStatus)
	}
	if _, ok := store.records["appt-1"]; !ok {
		t.Error("expected record persisted on first access")
	}
}

func TestGetOverview_ConcurrentFirstReadsInitializeOnce(t *testing.T) {
	svc, store := newAttendanceFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.GetOverview(context.Background(), "appt-1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("reader %d failed: %v", i, err)
		}
	}
	if got := store.saveCount(); got != 1 {
		t.Errorf("expected a single record initialization, got %d saves", got)
	}
}

func TestGetOverview_UnknownAppointment(t *testing.T) {
	svc, _ := newAttendanceFixture(t)

	_, err := svc.GetOverview(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error for unknown appointment")
	}
}

func TestStartStage_LockedUntilPredecessorCleared(t *testing.T) {
	svc, _ := newAttendanceFixture(t)

	var locked *domain.ErrStageLocked
	_, err := svc.StartStage(context.Background(), "appt-1", domain.StageSession)
	if !errors.As(err, &locked) {
		t.Errorf("expected stage locked error, got %v", err)
	}
}

func TestCompleteStage_UnlocksSuccessor(t *testing.T) {
	svc, _ := newAttendanceFixture(t)
	ctx := context.Background()

	if _, err := svc.StartStage(ctx, "appt-1", domain.StagePre); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, err := svc.CompleteStage(ctx, "appt-1", domain.StagePre)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if rec.PreStatus != domain.StatusDone {
		t.Errorf("expected pre done, got %s", rec.PreStatus)
	}
	if rec.SessionStatus != domain.StatusAvailable {
		t.Errorf("expected session available, got %s", rec.SessionStatus)
	}
	if rec.CurrentStage != domain.StageSession {
		t.Errorf("expected current stage session, got %s", rec.CurrentStage)
	}
}

func TestCompleteStage_CheckoutRejected(t *testing.T) {
	svc, _ := newAttendanceFixture(t)
	advanceToCheckout(t, svc)

	var conflict *domain.ErrConflict
	_, err := svc.CompleteStage(context.Background(), "appt-1", domain.StageCheckout)
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict for manual checkout completion, got %v", err)
	}
}

func TestSkipStage_UnlocksSuccessor(t *testing.T) {
	svc, _ := newAttendanceFixture(t)
	ctx := context.Background()

	rec, err := svc.SkipStage(ctx, "appt-1", domain.StagePre)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.PreStatus != domain.StatusSkipped {
		t.Errorf("expected pre skipped, got %s", rec.PreStatus)
	}
	if rec.SessionStatus != domain.StatusAvailable {
		t.Errorf("expected session available, got %s", rec.SessionStatus)
	}
}

func TestSkipStage_CheckoutRejected(t *testing.T) {
	svc, _ := newAttendanceFixture(t)

	var conflict *domain.ErrConflict
	_, err := svc.SkipStage(context.Background(), "appt-1", domain.StageCheckout)
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestStartStage_AlreadyClearedRejected(t *testing.T) {
	svc, _ := newAttendanceFixture(t)
	ctx := context.Background()

	if _, err := svc.SkipStage(ctx, "appt-1", domain.StagePre); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var conflict *domain.ErrConflict
	_, err := svc.StartStage(ctx, "appt-1", domain.StagePre)
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestTimer_Lifecycle(t *testing.T) {
	svc, _ := newAttendanceFixture(t)
	ctx := context.Background()

	if _, err := svc.StartStage(ctx, "appt-1", domain.StagePre); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CompleteStage(ctx, "appt-1", domain.StagePre); err != nil {
		t.Fatal(err)
	}

	// Timer requires session in progress.
	var conflict *domain.ErrConflict
	if _, err := svc.StartTimer(ctx, "appt-1"); !errors.As(err, &conflict) {
		t.Errorf("expected conflict before session starts, got %v", err)
	}

	if _, err := svc.StartStage(ctx, "appt-1", domain.StageSession); err != nil {
		t.Fatal(err)
	}
	rec, err := svc.StartTimer(ctx, "appt-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.TimerStatus != domain.TimerRunning || rec.StartedAt == nil {
		t.Errorf("expected running timer, got %+v", rec)
	}

	rec, err = svc.PauseTimer(ctx, "appt-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.TimerStatus != domain.TimerPaused || rec.PausedAt == nil {
		t.Errorf("expected paused timer, got %+v", rec)
	}

	// Pausing twice fails.
	if _, err := svc.PauseTimer(ctx, "appt-1"); !errors.As(err, &conflict) {
		t.Errorf("expected conflict on double pause, got %v", err)
	}

	rec, err = svc.ResumeTimer(ctx, "appt-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.TimerStatus != domain.TimerRunning || rec.PausedAt != nil {
		t.Errorf("expected resumed timer, got %+v", rec)
	}

	// Completing the session settles the timer.
	rec, err = svc.CompleteStage(ctx, "appt-1", domain.StageSession)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.TimerStatus != domain.TimerIdle {
		t.Errorf("expected idle timer after session, got %s", rec.TimerStatus)
	}
}

func TestHandleCheckoutResolved_Paid(t *testing.T) {
	svc, store := newAttendanceFixture(t)
	advanceToCheckout(t, svc)

	err := svc.HandleCheckoutResolved(context.Background(), domain.ResolvedEvent{
		AppointmentID: "appt-1",
		Outcome:       domain.OutcomePaid,
		PaymentID:     "pay-1",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	rec := store.records["appt-1"]
	if rec.CheckoutStatus != domain.StatusDone {
		t.Errorf("expected checkout done, got %s", rec.CheckoutStatus)
	}
	if rec.PostStatus != domain.StatusAvailable {
		t.Errorf("expected post available, got %s", rec.PostStatus)
	}
	if rec.CurrentStage != domain.StagePost {
		t.Errorf("expected current stage post, got %s", rec.CurrentStage)
	}
	if store.paymentStatus["appt-1"] != domain.PaymentStatusPaid {
		t.Errorf("expected appointment marked paid, got %s", store.paymentStatus["appt-1"])
	}
}

func TestHandleCheckoutResolved_Waived(t *testing.T) {
	svc, store := newAttendanceFixture(t)
	advanceToCheckout(t, svc)

	err := svc.HandleCheckoutResolved(context.Background(), domain.ResolvedEvent{
		AppointmentID: "appt-1",
		Outcome:       domain.OutcomeWaived,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if store.paymentStatus["appt-1"] != domain.PaymentStatusWaived {
		t.Errorf("expected appointment marked waived, got %s", store.paymentStatus["appt-1"])
	}
}

func TestHandleCheckoutResolved_Idempotent(t *testing.T) {
	svc, store := newAttendanceFixture(t)
	advanceToCheckout(t, svc)

	ev := domain.ResolvedEvent{AppointmentID: "appt-1", Outcome: domain.OutcomePaid}
	if err := svc.HandleCheckoutResolved(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	store.paymentStatus["appt-1"] = "sentinel"
	if err := svc.HandleCheckoutResolved(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if store.paymentStatus["appt-1"] != "sentinel" {
		t.Error("expected second resolution to be a no-op")
	}
}
