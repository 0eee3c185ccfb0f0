package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// appointmentRow maps the appointments table to the domain.
type appointmentRow struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	ClientName    string    `json:"client_name"`
	ClientPhone   string    `json:"client_phone"`
	ServiceID     string    `json:"service_id"`
	ServiceName   string    `json:"service_name"`
	ServicePrice  float64   `json:"service_price"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
}

func (r appointmentRow) toDomain() *domain.Appointment {
	return &domain.Appointment{
		ID:            r.ID,
		ClientID:      r.ClientID,
		ClientName:    r.ClientName,
		ClientPhone:   r.ClientPhone,
		ServiceID:     r.ServiceID,
		ServiceName:   r.ServiceName,
		ServicePrice:  r.ServicePrice,
		ScheduledAt:   r.ScheduledAt,
		Status:        domain.AppointmentStatus(r.Status),
		PaymentStatus: r.PaymentStatus,
	}
}

// GetAppointment fetches one appointment row.
func (c *Client) GetAppointment(ctx context.Context, appointmentID string) (*domain.Appointment, error) {
	ctx, span := tracer.Start(ctx, "Postgrest.GetAppointment")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	var appt *domain.Appointment
	err := c.execute(ctx, func() error {
		path := fmt.Sprintf("appointments?id=eq.%s&limit=1", appointmentID)
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		if body == nil || string(body) == "[]" {
			return &domain.ErrNotFound{Resource: "appointment", ID: appointmentID}
		}

		var rows []appointmentRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode appointments: %w", err)
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "appointment", ID: appointmentID}
		}
		appt = rows[0].toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// UpdateAppointmentPaymentStatus writes payment_status back onto the appointment.
func (c *Client) UpdateAppointmentPaymentStatus(ctx context.Context, appointmentID, status string) error {
	ctx, span := tracer.Start(ctx, "Postgrest.UpdateAppointmentPaymentStatus")
	defer span.End()

	return c.execute(ctx, func() error {
		path := fmt.Sprintf("appointments?id=eq.%s", appointmentID)
		_, err := c.doRequest(ctx, http.MethodPatch, path, map[string]any{
			"payment_status": status,
		}, "")
		return err
	})
}

// attendanceRow maps the attendance_records table to the domain.
type attendanceRow struct {
	AppointmentID      string     `json:"appointment_id"`
	CurrentStage       string     `json:"current_stage"`
	PreStatus          string     `json:"pre_status"`
	SessionStatus      string     `json:"session_status"`
	CheckoutStatus     string     `json:"checkout_status"`
	PostStatus         string     `json:"post_status"`
	TimerStatus        string     `json:"timer_status"`
	StartedAt          *time.Time `json:"started_at"`
	PausedAt           *time.Time `json:"paused_at"`
	PausedTotalSeconds int64      `json:"paused_total_seconds"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (r attendanceRow) toDomain() *domain.AttendanceRecord {
	return &domain.AttendanceRecord{
		AppointmentID:      r.AppointmentID,
		CurrentStage:       domain.Stage(r.CurrentStage),
		PreStatus:          domain.StageStatus(r.PreStatus),
		SessionStatus:      domain.StageStatus(r.SessionStatus),
		CheckoutStatus:     domain.StageStatus(r.CheckoutStatus),
		PostStatus:         domain.StageStatus(r.PostStatus),
		TimerStatus:        domain.TimerStatus(r.TimerStatus),
		StartedAt:          r.StartedAt,
		PausedAt:           r.PausedAt,
		PausedTotalSeconds: r.PausedTotalSeconds,
		UpdatedAt:          r.UpdatedAt,
	}
}

// GetAttendance fetches the attendance record for an appointment.
func (c *Client) GetAttendance(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error) {
	ctx, span := tracer.Start(ctx, "Postgrest.GetAttendance")
	defer span.End()

	var rec *domain.AttendanceRecord
	err := c.execute(ctx, func() error {
		path := fmt.Sprintf("attendance_records?appointment_id=eq.%s&limit=1", appointmentID)
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		if body == nil || string(body) == "[]" {
			return &domain.ErrNotFound{Resource: "attendance_record", ID: appointmentID}
		}

		var rows []attendanceRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode attendance_records: %w", err)
		}
		if len(rows) == 0 {
			return &domain.ErrNotFound{Resource: "attendance_record", ID: appointmentID}
		}
		rec = rows[0].toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveAttendance upserts the attendance record. Records are only ever
// updated, never deleted.
func (c *Client) SaveAttendance(ctx context.Context, rec *domain.AttendanceRecord) error {
	ctx, span := tracer.Start(ctx, "Postgrest.SaveAttendance")
	defer span.End()

	data := map[string]any{
		"appointment_id":       rec.AppointmentID,
		"current_stage":        string(rec.CurrentStage),
		"pre_status":           string(rec.PreStatus),
		"session_status":       string(rec.SessionStatus),
		"checkout_status":      string(rec.CheckoutStatus),
		"post_status":          string(rec.PostStatus),
		"timer_status":         string(rec.TimerStatus),
		"started_at":           rec.StartedAt,
		"paused_at":            rec.PausedAt,
		"paused_total_seconds": rec.PausedTotalSeconds,
		"updated_at":           time.Now().UTC(),
	}

	return c.execute(ctx, func() error {
		path := "attendance_records?on_conflict=appointment_id"
		_, err := c.doRequest(ctx, http.MethodPost, path, data, "resolution=merge-duplicates")
		return err
	})
}
