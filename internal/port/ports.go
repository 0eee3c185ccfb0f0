// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations: persistence backends, the payment
// provider, the card terminal and the receipt dispatcher.
package port

import (
	"context"

	"github.com/atendelab/atende-backend/internal/domain"
)

// AttendanceStore persists appointments and attendance records.
// The appointment itself is owned by the scheduling subsystem; this flow
// only reads it and writes back payment_status.
type AttendanceStore interface {
	GetAppointment(ctx context.Context, appointmentID string) (*domain.Appointment, error)
	UpdateAppointmentPaymentStatus(ctx context.Context, appointmentID, status string) error

	GetAttendance(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error)
	SaveAttendance(ctx context.Context, rec *domain.AttendanceRecord) error
}

// CheckoutStore persists the checkout row, its items, discount and payments.
// Each mutation is independent and idempotent-on-failure: a failed save must
// leave prior state untouched.
type CheckoutStore interface {
	GetCheckout(ctx context.Context, appointmentID string) (*domain.Checkout, error)
	SaveCheckoutItems(ctx context.Context, appointmentID string, items []domain.CheckoutItem) error
	SetDiscount(ctx context.Context, appointmentID string, d *domain.Discount) error
	UpdateCheckoutPhase(ctx context.Context, appointmentID string, phase domain.CheckoutPhase, outcome domain.CheckoutOutcome) error
	RecordPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error)
	ListPayments(ctx context.Context, appointmentID string) ([]domain.Payment, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
