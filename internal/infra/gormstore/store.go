// Package gormstore provides the direct-Postgres persistence backend,
// selected with STORE_BACKEND=postgres. It implements the same ports as the
// PostgREST backend.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("gormstore")

// Store implements port.AttendanceStore and port.CheckoutStore on Postgres.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to Postgres and migrates the attendance tables.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := db.AutoMigrate(
		&Appointment{},
		&AttendanceRecord{},
		&Checkout{},
		&CheckoutItem{},
		&Payment{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// --- AttendanceStore ---

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (*domain.Appointment, error) {
	ctx, span := tracer.Start(ctx, "Gorm.GetAppointment")
	defer span.End()

	var row Appointment
	err := s.db.WithContext(ctx).First(&row, "id = ?", appointmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "appointment", ID: appointmentID}
	}
	if err != nil {
		return nil, err
	}

	return &domain.Appointment{
		ID:            row.ID.String(),
		ClientID:      row.ClientID.String(),
		ClientName:    row.ClientName,
		ClientPhone:   row.ClientPhone,
		ServiceID:     row.ServiceID.String(),
		ServiceName:   row.ServiceName,
		ServicePrice:  row.ServicePrice,
		ScheduledAt:   row.ScheduledAt,
		Status:        domain.AppointmentStatus(row.Status),
		PaymentStatus: row.PaymentStatus,
	}, nil
}

func (s *Store) UpdateAppointmentPaymentStatus(ctx context.Context, appointmentID, status string) error {
	ctx, span := tracer.Start(ctx, "Gorm.UpdateAppointmentPaymentStatus")
	defer span.End()

	return s.db.WithContext(ctx).
		Model(&Appointment{}).
		Where("id = ?", appointmentID).
		Update("payment_status", status).Error
}

func (s *Store) GetAttendance(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "Gorm.GetAttendance")
	defer span.End()

	var row AttendanceRecord
	err := s.db.WithContext(ctx).First(&row, "appointment_id = ?", appointmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &domain.ErrNotFound{Resource: "attendance_record", ID: appointmentID}
	}
	if err != nil {
		return nil, err
	}

	return &domain.AttendanceRecord{
		AppointmentID:      row.AppointmentID.String(),
		CurrentStage:       domain.Stage(row.CurrentStage),
		PreStatus:          domain.StageStatus(row.PreStatus),
		SessionStatus:      domain.StageStatus(row.SessionStatus),
		CheckoutStatus:     domain.StageStatus(row.CheckoutStatus),
		PostStatus:         domain.StageStatus(row.PostStatus),
		TimerStatus:        domain.TimerStatus(row.TimerStatus),
		StartedAt:          row.StartedAt,
		PausedAt:           row.PausedAt,
		PausedTotalSeconds: row.PausedTotalSeconds,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

func (s *Store) SaveAttendance(ctx context.Context, rec *domain.AttendanceRecord) error {
	ctx, span := tracer.Start(ctx, "Gorm.SaveAttendance")
	defer span.End()

	id, err := uuid.Parse(rec.AppointmentID)
	if err != nil {
		return &domain.ErrValidation{Field: "appointmentId", Message: "must be a UUID"}
	}

	row := AttendanceRecord{
		AppointmentID:      id,
		CurrentStage:       string(rec.CurrentStage),
		PreStatus:          string(rec.PreStatus),
		SessionStatus:      string(rec.SessionStatus),
		CheckoutStatus:     string(rec.CheckoutStatus),
		PostStatus:         string(rec.PostStatus),
		TimerStatus:        string(rec.TimerStatus),
		StartedAt:          rec.StartedAt,
		PausedAt:           rec.PausedAt,
		PausedTotalSeconds: rec.PausedTotalSeconds,
		UpdatedAt:          time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

// --- CheckoutStore ---

func (s *Store) GetCheckout(ctx context.Context, appointmentID string) (*domain.Checkout, error) {
	ctx, span := tracer.Start(ctx, "Gorm.GetCheckout")
	defer span.End()

	checkout := &domain.Checkout{
		AppointmentID: appointmentID,
		Phase:         domain.PhaseEditing,
	}

	var row Checkout
	err := s.db.WithContext(ctx).First(&row, "appointment_id = ?", appointmentID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		checkout.Phase = domain.CheckoutPhase(row.Phase)
		checkout.Outcome = domain.CheckoutOutcome(row.Outcome)
		checkout.UpdatedAt = row.UpdatedAt
		if row.DiscountType != nil && *row.DiscountType != "" {
			d := &domain.Discount{Type: domain.DiscountType(*row.DiscountType)}
			if row.DiscountValue != nil {
				d.Value = *row.DiscountValue
			}
			if row.DiscountReason != nil {
				d.Reason = *row.DiscountReason
			}
			checkout.Discount = d
		}
	}

	var items []CheckoutItem
	if err := s.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("position asc").
		Find(&items).Error; err != nil {
		return nil, err
	}
	for _, it := range items {
		checkout.Items = append(checkout.Items, domain.CheckoutItem{
			ID:            it.ID.String(),
			AppointmentID: appointmentID,
			Type:          domain.ItemType(it.ItemType),
			Label:         it.Label,
			Qty:           it.Qty,
			Amount:        it.Amount,
			Position:      it.Position,
		})
	}

	payments, err := s.ListPayments(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	checkout.Payments = payments

	return checkout, nil
}

func (s *Store) SaveCheckoutItems(ctx context.Context, appointmentID string, items []domain.CheckoutItem) error {
	ctx, span := tracer.Start(ctx, "Gorm.SaveCheckoutItems")
	defer span.End()

	apptID, err := uuid.Parse(appointmentID)
	if err != nil {
		return &domain.ErrValidation{Field: "appointmentId", Message: "must be a UUID"}
	}

	rows := make([]CheckoutItem, 0, len(items))
	for i, it := range items {
		id, err := uuid.Parse(it.ID)
		if err != nil {
			id = uuid.New()
		}
		rows = append(rows, CheckoutItem{
			ID:            id,
			AppointmentID: apptID,
			ItemType:      string(it.Type),
			Label:         it.Label,
			Qty:           it.Qty,
			Amount:        it.Amount,
			Position:      i,
		})
	}

	// Replace the collection atomically.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("appointment_id = ?", appointmentID).Delete(&CheckoutItem{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

func (s *Store) SetDiscount(ctx context.Context, appointmentID string, d *domain.Discount) error {
	ctx, span := tracer.Start(ctx, "Gorm.SetDiscount")
	defer span.End()

	row, err := s.ensureCheckoutRow(ctx, appointmentID)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"discount_type":   nil,
		"discount_value":  nil,
		"discount_reason": nil,
		"updated_at":      time.Now().UTC(),
	}
	if d != nil {
		updates["discount_type"] = string(d.Type)
		updates["discount_value"] = d.Value
		updates["discount_reason"] = d.Reason
	}

	return s.db.WithContext(ctx).
		Model(&Checkout{}).
		Where("appointment_id = ?", row.AppointmentID).
		Updates(updates).Error
}

func (s *Store) UpdateCheckoutPhase(ctx context.Context, appointmentID string, phase domain.CheckoutPhase, outcome domain.CheckoutOutcome) error {
	ctx, span := tracer.Start(ctx, "Gorm.UpdateCheckoutPhase")
	defer span.End()

	row, err := s.ensureCheckoutRow(ctx, appointmentID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).
		Model(&Checkout{}).
		Where("appointment_id = ?", row.AppointmentID).
		Updates(map[string]any{
			"phase":      string(phase),
			"outcome":    string(outcome),
			"updated_at": time.Now().UTC(),
		}).Error
}

func (s *Store) RecordPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Gorm.RecordPayment")
	defer span.End()

	apptID, err := uuid.Parse(p.AppointmentID)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "appointmentId", Message: "must be a UUID"}
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		id = uuid.New()
	}

	row := Payment{
		ID:            id,
		AppointmentID: apptID,
		Method:        string(p.Method),
		Amount:        p.Amount,
		Status:        string(p.Status),
		ProviderRef:   p.ProviderRef,
		CreatedAt:     p.CreatedAt,
		PaidAt:        p.PaidAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}

	stored := *p
	stored.ID = row.ID.String()
	return &stored, nil
}

func (s *Store) ListPayments(ctx context.Context, appointmentID string) ([]domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Gorm.ListPayments")
	defer span.End()

	var rows []Payment
	if err := s.db.WithContext(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	payments := make([]domain.Payment, 0, len(rows))
	for _, r := range rows {
		payments = append(payments, domain.Payment{
			ID:            r.ID.String(),
			AppointmentID: appointmentID,
			Method:        domain.PaymentMethod(r.Method),
			Amount:        r.Amount,
			Status:        domain.PaymentState(r.Status),
			ProviderRef:   r.ProviderRef,
			CreatedAt:     r.CreatedAt,
			PaidAt:        r.PaidAt,
		})
	}
	return payments, nil
}

// ensureCheckoutRow creates the checkout row on first touch.
func (s *Store) ensureCheckoutRow(ctx context.Context, appointmentID string) (*Checkout, error) {
	apptID, err := uuid.Parse(appointmentID)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "appointmentId", Message: "must be a UUID"}
	}

	var row Checkout
	err = s.db.WithContext(ctx).First(&row, "appointment_id = ?", appointmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = Checkout{AppointmentID: apptID, Phase: string(domain.PhaseEditing)}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
