package service

import (
	"context"
	"sync"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/infra/observability"
	"github.com/atendelab/atende-backend/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// EngineConfig carries the tenant billing settings and the engine cadences.
type EngineConfig struct {
	Billing          domain.BillingConfig
	PixPollInterval  time.Duration
	CardPollInterval time.Duration
	DiscountDebounce time.Duration
	PollTimeout      time.Duration
}

// CheckoutView is the aggregate read model for one checkout screen: the
// persisted checkout, derived totals and the in-memory charge state.
type CheckoutView struct {
	Checkout         *domain.Checkout           `json:"checkout"`
	Totals           domain.CheckoutTotals      `json:"totals"`
	Busy             bool                       `json:"busy"`
	PixCharge        *domain.PixProviderCharge  `json:"pix_charge,omitempty"`
	CardCharge       *domain.CardTerminalCharge `json:"card_charge,omitempty"`
	PixCode          string                     `json:"pix_code,omitempty"`
	ChargeCountdown  int                        `json:"charge_countdown_seconds,omitempty"`
	TerminalEnabled  bool                       `json:"terminal_enabled"`
	PixKeyConfigured bool                       `json:"pix_key_configured"`
}

// session is the in-memory state for one appointment's active checkout.
// Persisted state (items, discount, payments, phase) lives in the store; the
// session only holds what must not survive a restart: the busy flag, attempt
// counters, outstanding charges and the debounced discount draft.
type session struct {
	mu            sync.Mutex
	appointmentID string

	busy   bool
	busyOp string

	attempts   map[domain.PaymentMethod]int
	pixCharge  *domain.PixProviderCharge
	cardCharge *domain.CardTerminalCharge
	poller     *poller
	pixCode    string

	pendingDiscount *domain.Discount
	discountDirty   bool
	debounce        *time.Timer

	resolved *domain.ResolvedEvent
}

// begin acquires the session's single-flight guard.
func (s *session) begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return &domain.ErrConcurrencyGuard{Operation: s.busyOp}
	}
	s.busy = true
	s.busyOp = op
	return nil
}

func (s *session) end() {
	s.mu.Lock()
	s.busy = false
	s.busyOp = ""
	s.mu.Unlock()
}

func (s *session) currentPoller() *poller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poller
}

func (s *session) charging() bool {
	return s.currentPoller() != nil
}

// CheckoutEngine is the reconciliation engine: it owns the checkout's edit
// surface, the payment method adapters and the charge pollers.
type CheckoutEngine struct {
	store      port.CheckoutStore
	attendance port.AttendanceStore
	pix        port.PixChargeGateway
	terminal   port.CardTerminalGateway
	receipts   port.ReceiptSender
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        EngineConfig

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	onResolved func(context.Context, domain.ResolvedEvent)
	now        func() time.Time
}

func NewCheckoutEngine(
	store port.CheckoutStore,
	attendance port.AttendanceStore,
	pix port.PixChargeGateway,
	terminal port.CardTerminalGateway,
	receipts port.ReceiptSender,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg EngineConfig,
) *CheckoutEngine {
	return &CheckoutEngine{
		store:      store,
		attendance: attendance,
		pix:        pix,
		terminal:   terminal,
		receipts:   receipts,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		sessions:   make(map[string]*session),
		now:        time.Now,
	}
}

// OnResolved registers the hook fired when a resolved checkout is dismissed.
// Must be called before the engine starts serving requests.
func (e *CheckoutEngine) OnResolved(fn func(context.Context, domain.ResolvedEvent)) {
	e.onResolved = fn
}

func (e *CheckoutEngine) session(appointmentID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[appointmentID]
	if !ok {
		s = &session{
			appointmentID: appointmentID,
			attempts:      make(map[domain.PaymentMethod]int),
		}
		e.sessions[appointmentID] = s
	}
	return s
}

func (e *CheckoutEngine) dropSession(appointmentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, appointmentID)
}

// Close stops every poller and pending debounce timer. Charges outstanding
// at the provider are abandoned; the operator regenerates after restart.
func (e *CheckoutEngine) Close() {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.poller != nil {
			s.poller.Stop()
			s.poller = nil
		}
		if s.debounce != nil {
			s.debounce.Stop()
			s.debounce = nil
		}
		s.mu.Unlock()
	}
}

// GetCheckout returns the full checkout view.
func (e *CheckoutEngine) GetCheckout(ctx context.Context, appointmentID string) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.GetCheckout")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	checkout, err := e.store.GetCheckout(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	s := e.session(appointmentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Show the debounced discount draft before it lands in the store.
	if s.discountDirty {
		checkout.Discount = s.pendingDiscount
	}

	view := &CheckoutView{
		Checkout:         checkout,
		Totals:           domain.ComputeTotals(checkout.Items, checkout.Discount, checkout.Payments),
		Busy:             s.busy,
		PixCharge:        s.pixCharge,
		CardCharge:       s.cardCharge,
		PixCode:          s.pixCode,
		TerminalEnabled:  e.cfg.Billing.TerminalEnabled,
		PixKeyConfigured: e.cfg.Billing.PixKey != "",
	}
	if s.pixCharge != nil {
		view.ChargeCountdown = s.pixCharge.RemainingSeconds(e.now())
	}
	return view, nil
}

// editable loads the checkout and rejects mutation when it is past editing.
func (e *CheckoutEngine) editable(ctx context.Context, s *session) (*domain.Checkout, error) {
	if s.charging() {
		return nil, &domain.ErrConcurrencyGuard{Operation: "charge in progress"}
	}
	checkout, err := e.store.GetCheckout(ctx, s.appointmentID)
	if err != nil {
		return nil, err
	}
	switch checkout.Phase {
	case domain.PhaseResolved, domain.PhaseDismissed:
		return nil, &domain.ErrConflict{Message: "checkout is already " + string(checkout.Phase)}
	case domain.PhaseCharging:
		// Phase left over from a crash with no live poller: fall back to
		// editing so the operator can regenerate.
		if err := e.store.UpdateCheckoutPhase(ctx, s.appointmentID, domain.PhaseEditing, ""); err != nil {
			return nil, err
		}
		checkout.Phase = domain.PhaseEditing
	}
	return checkout, nil
}

// AddItem appends an operator-added line. Only addon and adjustment lines can
// be added here; service and fee lines are system managed.
func (e *CheckoutEngine) AddItem(ctx context.Context, appointmentID string, itemType domain.ItemType, label string, qty int, amount float64) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.AddItem")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	if itemType.SystemManaged() {
		return nil, &domain.ErrValidation{Field: "type", Message: "only addon and adjustment items can be added"}
	}
	if itemType != domain.ItemAddon && itemType != domain.ItemAdjustment {
		return nil, &domain.ErrValidation{Field: "type", Message: "unknown item type"}
	}
	if label == "" {
		return nil, &domain.ErrValidation{Field: "label", Message: "is required"}
	}

	s := e.session(appointmentID)
	if err := s.begin("add_item"); err != nil {
		return nil, err
	}
	defer s.end()

	checkout, err := e.editable(ctx, s)
	if err != nil {
		return nil, err
	}

	items := append(checkout.Items, domain.CheckoutItem{
		ID:            uuid.New().String(),
		AppointmentID: appointmentID,
		Type:          itemType,
		Label:         label,
		Qty:           qty,
		Amount:        amount,
		Position:      len(checkout.Items),
	})
	if err := e.store.SaveCheckoutItems(ctx, appointmentID, items); err != nil {
		return nil, err
	}
	return e.GetCheckout(ctx, appointmentID)
}

// RemoveItem deletes an operator-added line. Removing a system-managed line
// is a silent no-op so a stale UI cannot corrupt the bill.
func (e *CheckoutEngine) RemoveItem(ctx context.Context, appointmentID, itemID string) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.RemoveItem")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	s := e.session(appointmentID)
	if err := s.begin("remove_item"); err != nil {
		return nil, err
	}
	defer s.end()

	checkout, err := e.editable(ctx, s)
	if err != nil {
		return nil, err
	}

	items := make([]domain.CheckoutItem, 0, len(checkout.Items))
	removed := false
	for _, it := range checkout.Items {
		if it.ID == itemID && !it.Type.SystemManaged() {
			removed = true
			continue
		}
		items = append(items, it)
	}
	if removed {
		if err := e.store.SaveCheckoutItems(ctx, appointmentID, items); err != nil {
			return nil, err
		}
	}
	return e.GetCheckout(ctx, appointmentID)
}

// SetDiscount stages a discount draft and persists it after the debounce
// window, so rapid keystrokes collapse into one write. A nil discount clears
// it. The draft is flushed synchronously before any charge or payment.
func (e *CheckoutEngine) SetDiscount(ctx context.Context, appointmentID string, d *domain.Discount) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.SetDiscount")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	if d != nil {
		if d.Type != domain.DiscountValue && d.Type != domain.DiscountPct {
			return nil, &domain.ErrValidation{Field: "type", Message: "must be value or pct"}
		}
		if d.Value < 0 {
			return nil, &domain.ErrValidation{Field: "value", Message: "must not be negative"}
		}
	}

	s := e.session(appointmentID)
	if _, err := e.editable(ctx, s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pendingDiscount = d
	s.discountDirty = true
	if s.debounce != nil {
		s.debounce.Stop()
	}
	if e.cfg.DiscountDebounce <= 0 {
		s.mu.Unlock()
		if err := e.flushDiscount(ctx, s); err != nil {
			return nil, err
		}
	} else {
		s.debounce = time.AfterFunc(e.cfg.DiscountDebounce, func() {
			if err := e.flushDiscount(context.Background(), s); err != nil {
				e.logger.Error("discount flush failed",
					zap.String("appointment_id", appointmentID),
					zap.Error(err),
				)
			}
		})
		s.mu.Unlock()
	}

	return e.GetCheckout(ctx, appointmentID)
}

// flushDiscount persists the staged discount, if any.
func (e *CheckoutEngine) flushDiscount(ctx context.Context, s *session) error {
	s.mu.Lock()
	if !s.discountDirty {
		s.mu.Unlock()
		return nil
	}
	d := s.pendingDiscount
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	if err := e.store.SetDiscount(ctx, s.appointmentID, d); err != nil {
		return err
	}

	s.mu.Lock()
	// A newer draft may have arrived while writing; keep it dirty then.
	if s.pendingDiscount == d {
		s.discountDirty = false
	}
	s.mu.Unlock()
	return nil
}
