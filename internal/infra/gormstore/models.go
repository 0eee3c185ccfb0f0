package gormstore

import (
	"time"

	"github.com/google/uuid"
)

// Row models for the direct-Postgres backend.

type Appointment struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	ClientID      uuid.UUID `gorm:"type:uuid;index;not null"`
	ClientName    string    `gorm:"not null"`
	ClientPhone   string
	ServiceID     uuid.UUID `gorm:"type:uuid;index;not null"`
	ServiceName   string    `gorm:"not null"`
	ServicePrice  float64   `gorm:"type:decimal(10,2);not null"`
	ScheduledAt   time.Time `gorm:"index;not null"`
	Status        string    `gorm:"default:'scheduled'"`
	PaymentStatus string    `gorm:"default:'unpaid'"`
}

type AttendanceRecord struct {
	AppointmentID      uuid.UUID `gorm:"type:uuid;primary_key"`
	CurrentStage       string    `gorm:"default:'pre'"`
	PreStatus          string    `gorm:"default:'available'"`
	SessionStatus      string    `gorm:"default:'locked'"`
	CheckoutStatus     string    `gorm:"default:'locked'"`
	PostStatus         string    `gorm:"default:'locked'"`
	TimerStatus        string    `gorm:"default:'idle'"`
	StartedAt          *time.Time
	PausedAt           *time.Time
	PausedTotalSeconds int64     `gorm:"default:0"`
	UpdatedAt          time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

type Checkout struct {
	AppointmentID  uuid.UUID `gorm:"type:uuid;primary_key"`
	Phase          string    `gorm:"default:'editing'"`
	Outcome        string
	DiscountType   *string
	DiscountValue  *float64 `gorm:"type:decimal(10,2)"`
	DiscountReason *string
	UpdatedAt      time.Time `gorm:"default:CURRENT_TIMESTAMP"`

	Items    []CheckoutItem `gorm:"foreignKey:AppointmentID;references:AppointmentID"`
	Payments []Payment      `gorm:"foreignKey:AppointmentID;references:AppointmentID"`
}

type CheckoutItem struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	AppointmentID uuid.UUID `gorm:"type:uuid;index;not null"`
	ItemType      string    `gorm:"not null"`
	Label         string    `gorm:"not null"`
	Qty           int       `gorm:"default:1"`
	Amount        float64   `gorm:"type:decimal(10,2);not null"`
	Position      int       `gorm:"default:0"`
}

type Payment struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	AppointmentID uuid.UUID `gorm:"type:uuid;index;not null"`
	Method        string    `gorm:"not null"`
	Amount        float64   `gorm:"type:decimal(10,2);not null"`
	Status        string    `gorm:"default:'pending'"`
	ProviderRef   string
	CreatedAt     time.Time `gorm:"default:CURRENT_TIMESTAMP"`
	PaidAt        *time.Time
}
