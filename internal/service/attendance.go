// Package service implements the attendance flow use cases: the stage
// machine that walks an appointment from pre to post, and the checkout
// reconciliation engine that settles it.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/infra/observability"
	"github.com/atendelab/atende-backend/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("service")

// Overview is the aggregate view for one attendance screen.
type Overview struct {
	Appointment    *domain.Appointment      `json:"appointment"`
	Record         *domain.AttendanceRecord `json:"record"`
	ElapsedSeconds int                      `json:"elapsed_seconds"`
}

// AttendanceService drives the four-stage machine. All mutations for a given
// appointment are serialized through a per-appointment lock; the persisted
// record is the source of truth between calls.
type AttendanceService struct {
	store   port.AttendanceStore
	cache   port.Cache[*domain.Appointment]
	metrics *observability.Metrics
	logger  *zap.Logger

	locks sync.Map // appointmentID -> *sync.Mutex
	now   func() time.Time
}

func NewAttendanceService(store port.AttendanceStore, cache port.Cache[*domain.Appointment], metrics *observability.Metrics, logger *zap.Logger) *AttendanceService {
	return &AttendanceService{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *AttendanceService) lock(appointmentID string) func() {
	v, _ := s.locks.LoadOrStore(appointmentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// appointment fetches an appointment through the read cache. Appointments
// are owned by the scheduling subsystem and change rarely during attendance.
func (s *AttendanceService) appointment(ctx context.Context, appointmentID string) (*domain.Appointment, error) {
	if appt, ok := s.cache.Get(appointmentID); ok {
		s.metrics.IncrCacheHit("appointment")
		return appt, nil
	}
	s.metrics.IncrCacheMiss("appointment")

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(appointmentID, appt)
	return appt, nil
}

// record fetches the attendance record, creating the initial one on first
// access.
func (s *AttendanceService) record(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error) {
	rec, err := s.store.GetAttendance(ctx, appointmentID)
	if err == nil {
		return rec, nil
	}

	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		return nil, err
	}

	rec = domain.NewAttendanceRecord(appointmentID)
	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("attendance record initialized", zap.String("appointment_id", appointmentID))
	return rec, nil
}

// GetOverview returns the appointment and its stage machine state, fetched
// concurrently.
func (s *AttendanceService) GetOverview(ctx context.Context, appointmentID string) (*Overview, error) {
	ctx, span := tracer.Start(ctx, "AttendanceService.GetOverview")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	start := s.now()
	defer func() { s.metrics.RecordOperationDuration("get_overview", s.now().Sub(start)) }()

	var (
		appt *domain.Appointment
		rec  *domain.AttendanceRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		appt, err = s.appointment(gctx, appointmentID)
		return err
	})
	g.Go(func() error {
		var err error
		rec, err = s.store.GetAttendance(gctx, appointmentID)
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			rec = nil
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Initialize the record only once the appointment is known to exist.
	// Same per-appointment lock as the mutating calls, so two concurrent
	// first reads initialize the record exactly once.
	if rec == nil {
		unlock := s.lock(appointmentID)
		var err error
		rec, err = s.record(ctx, appointmentID)
		unlock()
		if err != nil {
			return nil, err
		}
	}

	return &Overview{
		Appointment:    appt,
		Record:         rec,
		ElapsedSeconds: int(rec.Elapsed(s.now()).Seconds()),
	}, nil
}

// StartStage moves an available stage to in_progress and makes it current.
// Starting an already in_progress stage is a no-op.
func (s *AttendanceService) StartStage(ctx context.Context, appointmentID string, stage domain.Stage) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "AttendanceService.StartStage")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("stage", string(stage)),
	)

	unlock := s.lock(appointmentID)
	defer unlock()

	if _, err := s.appointment(ctx, appointmentID); err != nil {
		return nil, err
	}
	rec, err := s.record(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	switch rec.StatusOf(stage) {
	case domain.StatusInProgress:
		return rec, nil
	case domain.StatusLocked:
		return nil, &domain.ErrStageLocked{Stage: stage}
	case domain.StatusDone, domain.StatusSkipped:
		return nil, &domain.ErrConflict{Message: "stage already cleared: " + string(stage)}
	}

	rec.SetStatus(stage, domain.StatusInProgress)
	rec.CurrentStage = stage
	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return nil, err
	}
	s.metrics.IncrStageTransition(string(stage), string(domain.StatusInProgress))
	s.logger.Info("stage started",
		zap.String("appointment_id", appointmentID),
		zap.String("stage", string(stage)),
	)
	return rec, nil
}

// CompleteStage marks an in_progress stage done and unlocks its successor.
// The checkout stage cannot be completed here: it only completes through
// checkout resolution.
func (s *AttendanceService) CompleteStage(ctx context.Context, appointmentID string, stage domain.Stage) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "AttendanceService.CompleteStage")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("stage", string(stage)),
	)

	if stage == domain.StageCheckout {
		return nil, &domain.ErrConflict{Message: "checkout completes through payment resolution, not manually"}
	}

	unlock := s.lock(appointmentID)
	defer unlock()

	rec, err := s.record(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	switch rec.StatusOf(stage) {
	case domain.StatusLocked:
		return nil, &domain.ErrStageLocked{Stage: stage}
	case domain.StatusAvailable:
		return nil, &domain.ErrConflict{Message: "stage not started: " + string(stage)}
	case domain.StatusDone, domain.StatusSkipped:
		return rec, nil
	}

	rec.SetStatus(stage, domain.StatusDone)
	if stage == domain.StageSession {
		s.settleTimer(rec)
	}
	s.advance(rec, stage)

	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return nil, err
	}
	s.metrics.IncrStageTransition(string(stage), string(domain.StatusDone))
	s.logger.Info("stage completed",
		zap.String("appointment_id", appointmentID),
		zap.String("stage", string(stage)),
	)
	return rec, nil
}

// SkipStage marks an available or in_progress stage skipped. Checkout cannot
// be skipped; a waived checkout is the sanctioned equivalent.
func (s *AttendanceService) SkipStage(ctx context.Context, appointmentID string, stage domain.Stage) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "AttendanceService.SkipStage")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("stage", string(stage)),
	)

	if stage == domain.StageCheckout {
		return nil, &domain.ErrConflict{Message: "checkout cannot be skipped, apply a waiver instead"}
	}

	unlock := s.lock(appointmentID)
	defer unlock()

	rec, err := s.record(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	switch rec.StatusOf(stage) {
	case domain.StatusLocked:
		return nil, &domain.ErrStageLocked{Stage: stage}
	case domain.StatusDone, domain.StatusSkipped:
		return rec, nil
	}

	rec.SetStatus(stage, domain.StatusSkipped)
	if stage == domain.StageSession {
		s.settleTimer(rec)
	}
	s.advance(rec, stage)

	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return nil, err
	}
	s.metrics.IncrStageTransition(string(stage), string(domain.StatusSkipped))
	s.logger.Info("stage skipped",
		zap.String("appointment_id", appointmentID),
		zap.String("stage", string(stage)),
	)
	return rec, nil
}

// advance unlocks the cleared stage's successor and moves the cursor there.
func (s *AttendanceService) advance(rec *domain.AttendanceRecord, cleared domain.Stage) {
	next, ok := cleared.Next()
	if !ok {
		return
	}
	if rec.StatusOf(next) == domain.StatusLocked {
		rec.SetStatus(next, domain.StatusAvailable)
	}
	if rec.CurrentStage == cleared {
		rec.CurrentStage = next
	}
}

// settleTimer freezes the session timer when the session stage clears. A
// paused interval still open is folded into the total first.
func (s *AttendanceService) settleTimer(rec *domain.AttendanceRecord) {
	if rec.PausedAt != nil {
		rec.PausedTotalSeconds += int64(s.now().Sub(*rec.PausedAt).Seconds())
		rec.PausedAt = nil
	}
	rec.TimerStatus = domain.TimerIdle
}

// StartTimer starts the session timer. The session stage must be in progress.
func (s *AttendanceService) StartTimer(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "AttendanceService.StartTimer")
	defer span.End()

	unlock := s.lock(appointmentID)
	defer unlock()

	rec, err := s.record(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if rec.SessionStatus != domain.StatusInProgress {
		return nil, &domain.ErrConflict{Message: "session is not in progress"}
	}
	if rec.TimerStatus != domain.TimerIdle {
		return rec, nil
	}

	now := s.now()
	rec.TimerStatus = domain.TimerRunning
	rec.StartedAt = &now
	rec.PausedAt = nil
	rec.PausedTotalSeconds = 0

	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PauseTimer pauses a running session timer.
func (s *AttendanceService) PauseTimer(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "AttendanceService.PauseTimer")
	defer span.End()

	unlock := s.lock(appointmentID)
	defer unlock()

	rec, err := s.record(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if rec.TimerStatus != domain.TimerRunning {
		return nil, &domain.ErrConflict{Message: "timer is not running"}
	}

	now := s.now()
	rec.TimerStatus = domain.TimerPaused
	rec.PausedAt = &now

	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ResumeTimer resumes a paused session timer, folding the pause into the
// accumulated total.
func (s *AttendanceService) ResumeTimer(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "AttendanceService.ResumeTimer")
	defer span.End()

	unlock := s.lock(appointmentID)
	defer unlock()

	rec, err := s.record(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if rec.TimerStatus != domain.TimerPaused || rec.PausedAt == nil {
		return nil, &domain.ErrConflict{Message: "timer is not paused"}
	}

	rec.PausedTotalSeconds += int64(s.now().Sub(*rec.PausedAt).Seconds())
	rec.PausedAt = nil
	rec.TimerStatus = domain.TimerRunning

	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// HandleCheckoutResolved is wired as the checkout engine's resolution hook.
// It marks the checkout stage done, unlocks post and writes the settlement
// outcome back onto the appointment.
func (s *AttendanceService) HandleCheckoutResolved(ctx context.Context, ev domain.ResolvedEvent) error {
	ctx, span := tracer.Start(ctx, "AttendanceService.HandleCheckoutResolved")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", ev.AppointmentID),
		attribute.String("outcome", string(ev.Outcome)),
	)

	unlock := s.lock(ev.AppointmentID)
	defer unlock()

	rec, err := s.record(ctx, ev.AppointmentID)
	if err != nil {
		return err
	}
	if rec.CheckoutStatus.Cleared() {
		return nil
	}

	rec.CheckoutStatus = domain.StatusDone
	s.advance(rec, domain.StageCheckout)
	if err := s.store.SaveAttendance(ctx, rec); err != nil {
		return err
	}
	s.metrics.IncrStageTransition(string(domain.StageCheckout), string(domain.StatusDone))

	status := domain.PaymentStatusPaid
	if ev.Outcome == domain.OutcomeWaived {
		status = domain.PaymentStatusWaived
	}
	if err := s.store.UpdateAppointmentPaymentStatus(ctx, ev.AppointmentID, status); err != nil {
		return err
	}
	s.cache.Delete(ev.AppointmentID)

	s.logger.Info("checkout resolved",
		zap.String("appointment_id", ev.AppointmentID),
		zap.String("outcome", string(ev.Outcome)),
		zap.String("payment_id", ev.PaymentID),
	)
	return nil
}
