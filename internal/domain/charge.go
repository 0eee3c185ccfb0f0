package domain

import "time"

// ChargeStatus is the status of an outstanding provider charge.
type ChargeStatus string

const (
	ChargePending ChargeStatus = "pending"
	ChargePaid    ChargeStatus = "paid"
	ChargeFailed  ChargeStatus = "failed"
	ChargeExpired ChargeStatus = "expired"
)

// PixProviderCharge is an ephemeral provider-hosted PIX charge. It lives only
// while outstanding; it is not persisted beyond the active charge.
type PixProviderCharge struct {
	OrderID       string       `json:"order_id"`
	AppointmentID string       `json:"appointment_id"`
	Amount        float64      `json:"amount"`
	QRPayload     string       `json:"qr_payload"`
	QRImage       string       `json:"qr_image,omitempty"`
	Status        ChargeStatus `json:"status"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Attempt       int          `json:"attempt"`
	CreatedAt     time.Time    `json:"created_at"`
}

// RemainingSeconds returns the countdown until expiry, never negative.
func (c *PixProviderCharge) RemainingSeconds(now time.Time) int {
	if c == nil {
		return 0
	}
	s := int(c.ExpiresAt.Sub(now).Seconds())
	if s < 0 {
		return 0
	}
	return s
}

// Expired reports whether the charge may no longer be paid.
func (c *PixProviderCharge) Expired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CardTerminalCharge is an ephemeral charge pushed to a physical card
// terminal. Same create→poll→resolve shape as PixProviderCharge, without a
// visible QR.
type CardTerminalCharge struct {
	OrderID       string       `json:"order_id"`
	AppointmentID string       `json:"appointment_id"`
	Amount        float64      `json:"amount"`
	CardMode      CardMode     `json:"card_mode"`
	Status        ChargeStatus `json:"status"`
	Attempt       int          `json:"attempt"`
	CreatedAt     time.Time    `json:"created_at"`
}

// ChargePoll is the provider's answer to one poll tick.
type ChargePoll struct {
	Status    ChargeStatus `json:"status"`
	PaymentID string       `json:"payment_id,omitempty"`
}
