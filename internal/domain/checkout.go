package domain

import "time"

// ItemType classifies a billable line on the checkout.
type ItemType string

const (
	ItemService    ItemType = "service"
	ItemFee        ItemType = "fee" // displacement fee
	ItemAddon      ItemType = "addon"
	ItemAdjustment ItemType = "adjustment"
)

// SystemManaged reports whether items of this type are owned by the system
// and therefore not removable by the operator.
func (t ItemType) SystemManaged() bool {
	return t == ItemService || t == ItemFee
}

// CheckoutItem is one billable line. Qty below 1 and negative amounts are
// tolerated on input and clamped by the money calculator.
type CheckoutItem struct {
	ID            string   `json:"id"`
	AppointmentID string   `json:"appointment_id"`
	Type          ItemType `json:"type"`
	Label         string   `json:"label"`
	Qty           int      `json:"qty"`
	Amount        float64  `json:"amount"`
	Position      int      `json:"position"`
}

// DiscountType selects flat-value or percentage discounts.
type DiscountType string

const (
	DiscountValue DiscountType = "value"
	DiscountPct   DiscountType = "pct"
)

// Discount is the single discount applied to a checkout. A nil *Discount
// means no discount.
type Discount struct {
	Type   DiscountType `json:"type"`
	Value  float64      `json:"value"`
	Reason string       `json:"reason,omitempty"`
}

// PaymentMethod discriminates the five supported settlement strategies.
type PaymentMethod string

const (
	MethodCash        PaymentMethod = "cash"
	MethodPixProvider PaymentMethod = "pix_provider"
	MethodPixKey      PaymentMethod = "pix_key"
	MethodCard        PaymentMethod = "card"
	MethodWaiver      PaymentMethod = "waiver"
)

// PaymentState is the lifecycle status of a Payment row.
type PaymentState string

const (
	PaymentPending  PaymentState = "pending"
	PaymentPaid     PaymentState = "paid"
	PaymentFailed   PaymentState = "failed"
	PaymentRefunded PaymentState = "refunded"
)

// Payment is one recorded settlement. Once paid it is never mutated again
// (refunds are out of this flow's scope).
type Payment struct {
	ID            string        `json:"id"`
	AppointmentID string        `json:"appointment_id"`
	Method        PaymentMethod `json:"method"`
	Amount        float64       `json:"amount"`
	Status        PaymentState  `json:"status"`
	ProviderRef   string        `json:"provider_ref,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

// CheckoutPhase is the reconciliation engine's state.
type CheckoutPhase string

const (
	PhaseEditing   CheckoutPhase = "editing"
	PhaseCharging  CheckoutPhase = "charging"
	PhaseResolved  CheckoutPhase = "resolved"
	PhaseDismissed CheckoutPhase = "dismissed"
)

// CheckoutOutcome is how a resolved checkout was satisfied.
type CheckoutOutcome string

const (
	OutcomePaid   CheckoutOutcome = "paid"
	OutcomeWaived CheckoutOutcome = "waived"
)

// Checkout is the persisted checkout row plus its child collections.
type Checkout struct {
	AppointmentID string          `json:"appointment_id"`
	Phase         CheckoutPhase   `json:"phase"`
	Outcome       CheckoutOutcome `json:"outcome,omitempty"`
	Items         []CheckoutItem  `json:"items"`
	Discount      *Discount       `json:"discount,omitempty"`
	Payments      []Payment       `json:"payments"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ResolvedEvent is the single event the checkout engine emits toward the
// stage machine once the operator dismisses a resolved checkout.
type ResolvedEvent struct {
	AppointmentID string          `json:"appointment_id"`
	Outcome       CheckoutOutcome `json:"outcome"`
	PaymentID     string          `json:"payment_id,omitempty"`
}

// CardMode selects debit or credit on the terminal.
type CardMode string

const (
	CardDebit  CardMode = "debit"
	CardCredit CardMode = "credit"
)

// ParseCardMode validates a card mode coming from the API.
func ParseCardMode(s string) (CardMode, error) {
	switch CardMode(s) {
	case CardDebit, CardCredit:
		return CardMode(s), nil
	}
	return "", &ErrValidation{Field: "cardMode", Message: "must be debit or credit"}
}

// ReceiptMode selects how receipts are dispatched after settlement.
type ReceiptMode string

const (
	ReceiptAuto   ReceiptMode = "auto"
	ReceiptManual ReceiptMode = "manual"
)

// BillingConfig is the tenant billing configuration injected into the
// checkout engine at construction time. It is never read from ambient
// process-wide state.
type BillingConfig struct {
	PixKey          string
	PixKeyType      string // cpf, cnpj, email, phone, random
	MerchantName    string
	MerchantCity    string
	TerminalEnabled bool
	ReceiptMode     ReceiptMode
}

// CheckoutMetrics is the snapshot returned by GET /v1/metrics/checkout.
type CheckoutMetrics struct {
	PaymentsRecorded float64 `json:"payments_recorded"`
	PaymentsFailed   float64 `json:"payments_failed"`
	ChargesCreated   float64 `json:"charges_created"`
	PollTicks        float64 `json:"poll_ticks"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	Period           string  `json:"period"`
}
