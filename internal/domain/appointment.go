package domain

import (
	"fmt"
	"time"
)

// AppointmentStatus is the lifecycle status owned by the scheduling subsystem.
type AppointmentStatus string

const (
	AppointmentScheduled  AppointmentStatus = "scheduled"
	AppointmentInProgress AppointmentStatus = "in_progress"
	AppointmentCompleted  AppointmentStatus = "completed"
	AppointmentCanceled   AppointmentStatus = "canceled"
)

// Payment status values written back onto the appointment by the checkout flow.
const (
	PaymentStatusUnpaid = "unpaid"
	PaymentStatusPaid   = "paid"
	PaymentStatusWaived = "waived"
)

// Appointment is the identity anchor for an attendance. It is owned by the
// scheduling subsystem; the attendance flow only reads it and writes back
// payment_status.
type Appointment struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	ClientName    string    `json:"client_name"`
	ClientPhone   string    `json:"client_phone,omitempty"`
	ServiceID     string    `json:"service_id"`
	ServiceName   string    `json:"service_name"`
	ServicePrice  float64   `json:"service_price"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        AppointmentStatus `json:"status"`
	PaymentStatus string    `json:"payment_status"`
}

// Stage is one phase of the appointment lifecycle.
type Stage string

const (
	StagePre      Stage = "pre"
	StageSession  Stage = "session"
	StageCheckout Stage = "checkout"
	StagePost     Stage = "post"
)

var stageOrder = []Stage{StagePre, StageSession, StageCheckout, StagePost}

// ParseStage validates a stage name coming from the API.
func ParseStage(s string) (Stage, error) {
	for _, st := range stageOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &ErrValidation{Field: "stage", Message: fmt.Sprintf("unknown stage %q", s)}
}

// Next returns the stage that follows s, if any.
func (s Stage) Next() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Prev returns the stage that precedes s, if any.
func (s Stage) Prev() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i > 0 {
			return stageOrder[i-1], true
		}
	}
	return "", false
}

// StageStatus is the per-stage progression status.
type StageStatus string

const (
	StatusLocked     StageStatus = "locked"
	StatusAvailable  StageStatus = "available"
	StatusInProgress StageStatus = "in_progress"
	StatusDone       StageStatus = "done"
	StatusSkipped    StageStatus = "skipped"
)

// Cleared reports whether a stage in this status unlocks its successor.
func (s StageStatus) Cleared() bool {
	return s == StatusDone || s == StatusSkipped
}

// TimerStatus tracks the session timer.
type TimerStatus string

const (
	TimerIdle    TimerStatus = "idle"
	TimerRunning TimerStatus = "running"
	TimerPaused  TimerStatus = "paused"
)

// AttendanceRecord holds the stage machine state for one appointment.
// There is exactly one record per appointment; it is only ever updated,
// never deleted.
type AttendanceRecord struct {
	AppointmentID string      `json:"appointment_id"`
	CurrentStage  Stage       `json:"current_stage"`
	PreStatus     StageStatus `json:"pre_status"`
	SessionStatus StageStatus `json:"session_status"`
	CheckoutStatus StageStatus `json:"checkout_status"`
	PostStatus    StageStatus `json:"post_status"`

	TimerStatus        TimerStatus `json:"timer_status"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	PausedAt           *time.Time  `json:"paused_at,omitempty"`
	PausedTotalSeconds int64       `json:"paused_total_seconds"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewAttendanceRecord returns the initial record: pre available, the rest locked.
func NewAttendanceRecord(appointmentID string) *AttendanceRecord {
	return &AttendanceRecord{
		AppointmentID:  appointmentID,
		CurrentStage:   StagePre,
		PreStatus:      StatusAvailable,
		SessionStatus:  StatusLocked,
		CheckoutStatus: StatusLocked,
		PostStatus:     StatusLocked,
		TimerStatus:    TimerIdle,
	}
}

// StatusOf returns the status of the given stage.
func (r *AttendanceRecord) StatusOf(stage Stage) StageStatus {
	switch stage {
	case StagePre:
		return r.PreStatus
	case StageSession:
		return r.SessionStatus
	case StageCheckout:
		return r.CheckoutStatus
	case StagePost:
		return r.PostStatus
	}
	return StatusLocked
}

// SetStatus sets the status of the given stage.
func (r *AttendanceRecord) SetStatus(stage Stage, status StageStatus) {
	switch stage {
	case StagePre:
		r.PreStatus = status
	case StageSession:
		r.SessionStatus = status
	case StageCheckout:
		r.CheckoutStatus = status
	case StagePost:
		r.PostStatus = status
	}
}

// Elapsed returns the running session time at now, net of paused intervals.
func (r *AttendanceRecord) Elapsed(now time.Time) time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	elapsed := now.Sub(*r.StartedAt) - time.Duration(r.PausedTotalSeconds)*time.Second
	if r.PausedAt != nil {
		elapsed -= now.Sub(*r.PausedAt)
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
