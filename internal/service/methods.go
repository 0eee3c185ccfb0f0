package service

import (
	"context"
	"time"

	"github.com/atendelab/atende-backend/internal/brcode"
	"github.com/atendelab/atende-backend/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Amounts are BRL floats; residuals under half a cent count as settled.
const settleEpsilon = 0.005

// resolveAmount turns a requested amount into the effective charge amount.
// Zero means "everything remaining"; explicit amounts are clamped down to
// the remaining balance so a charge can never over-collect.
func resolveAmount(requested, remaining float64) (float64, error) {
	if requested < 0 {
		return 0, &domain.ErrValidation{Field: "amount", Message: "must not be negative"}
	}
	if remaining <= settleEpsilon {
		return 0, &domain.ErrConflict{Message: "nothing remaining to charge"}
	}
	if requested == 0 || requested > remaining {
		return remaining, nil
	}
	return requested, nil
}

// recordPayment persists one settled or failed payment row.
func (e *CheckoutEngine) recordPayment(ctx context.Context, appointmentID string, method domain.PaymentMethod, amount float64, state domain.PaymentState, providerRef string) (*domain.Payment, error) {
	now := e.now().UTC()
	p := &domain.Payment{
		ID:            uuid.New().String(),
		AppointmentID: appointmentID,
		Method:        method,
		Amount:        amount,
		Status:        state,
		ProviderRef:   providerRef,
		CreatedAt:     now,
	}
	if state == domain.PaymentPaid {
		p.PaidAt = &now
	}

	stored, err := e.store.RecordPayment(ctx, p)
	if err != nil {
		return nil, err
	}
	e.metrics.IncrPayment(string(method), string(state))
	return stored, nil
}

// resolve moves the checkout to resolved and, in auto receipt mode, fires
// the receipt immediately. The resolution event is emitted at dismissal.
func (e *CheckoutEngine) resolve(ctx context.Context, s *session, outcome domain.CheckoutOutcome, paymentID string) error {
	if err := e.store.UpdateCheckoutPhase(ctx, s.appointmentID, domain.PhaseResolved, outcome); err != nil {
		return err
	}

	s.mu.Lock()
	s.resolved = &domain.ResolvedEvent{
		AppointmentID: s.appointmentID,
		Outcome:       outcome,
		PaymentID:     paymentID,
	}
	s.mu.Unlock()

	e.logger.Info("checkout resolved",
		zap.String("appointment_id", s.appointmentID),
		zap.String("outcome", string(outcome)),
	)

	if outcome == domain.OutcomePaid && e.cfg.Billing.ReceiptMode == domain.ReceiptAuto {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := e.receipts.SendReceipt(ctx, s.appointmentID, paymentID); err != nil {
				e.logger.Error("receipt send failed", zap.String("appointment_id", s.appointmentID), zap.Error(err))
			}
		}()
	}
	return nil
}

// settleSync is the shared path for the synchronous methods (cash, pix_key):
// record a paid payment and resolve when nothing remains.
func (e *CheckoutEngine) settleSync(ctx context.Context, s *session, method domain.PaymentMethod, requested float64) (*CheckoutView, error) {
	if err := e.flushDiscount(ctx, s); err != nil {
		return nil, err
	}
	checkout, err := e.editable(ctx, s)
	if err != nil {
		return nil, err
	}

	totals := domain.ComputeTotals(checkout.Items, checkout.Discount, checkout.Payments)
	amount, err := resolveAmount(requested, totals.Remaining)
	if err != nil {
		return nil, err
	}

	payment, err := e.recordPayment(ctx, s.appointmentID, method, amount, domain.PaymentPaid, "")
	if err != nil {
		return nil, err
	}

	if domain.Remaining(totals.Total, totals.PaidTotal+amount) <= settleEpsilon {
		if err := e.resolve(ctx, s, domain.OutcomePaid, payment.ID); err != nil {
			return nil, err
		}
	}
	return e.GetCheckout(ctx, s.appointmentID)
}

// RegisterCash records a cash payment handed over at the counter.
func (e *CheckoutEngine) RegisterCash(ctx context.Context, appointmentID string, amount float64) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.RegisterCash")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	s := e.session(appointmentID)
	if err := s.begin("register_cash"); err != nil {
		return nil, err
	}
	defer s.end()

	return e.settleSync(ctx, s, domain.MethodCash, amount)
}

// RegisterPixKey records a static-key PIX transfer the operator confirmed in
// the merchant's bank app. Requires a configured PIX key.
func (e *CheckoutEngine) RegisterPixKey(ctx context.Context, appointmentID string, amount float64) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.RegisterPixKey")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	if e.cfg.Billing.PixKey == "" {
		return nil, &domain.ErrConfiguration{Setting: "pix_key", Message: "no PIX key configured"}
	}

	s := e.session(appointmentID)
	if err := s.begin("register_pix_key"); err != nil {
		return nil, err
	}
	defer s.end()

	return e.settleSync(ctx, s, domain.MethodPixKey, amount)
}

// PixKeyCode generates the copy-and-paste BR Code payload for the configured
// static key. Regenerating replaces the previous payload; nothing is charged
// until the operator confirms receipt.
func (e *CheckoutEngine) PixKeyCode(ctx context.Context, appointmentID string, amount float64) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.PixKeyCode")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	if e.cfg.Billing.PixKey == "" {
		return nil, &domain.ErrConfiguration{Setting: "pix_key", Message: "no PIX key configured"}
	}

	s := e.session(appointmentID)
	if err := s.begin("pix_key_code"); err != nil {
		return nil, err
	}
	defer s.end()

	if err := e.flushDiscount(ctx, s); err != nil {
		return nil, err
	}
	checkout, err := e.editable(ctx, s)
	if err != nil {
		return nil, err
	}

	totals := domain.ComputeTotals(checkout.Items, checkout.Discount, checkout.Payments)
	amt, err := resolveAmount(amount, totals.Remaining)
	if err != nil {
		return nil, err
	}

	appt, err := e.attendance.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	code, err := brcode.Encode(brcode.Params{
		Key:          e.cfg.Billing.PixKey,
		Amount:       amt,
		MerchantName: e.cfg.Billing.MerchantName,
		MerchantCity: e.cfg.Billing.MerchantCity,
		TxID:         appointmentID,
		Description:  appt.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pixCode = code
	s.mu.Unlock()

	return e.GetCheckout(ctx, appointmentID)
}

// CreatePixCharge creates a provider-hosted PIX charge and starts polling it.
// Every create consumes one attempt, success or not.
func (e *CheckoutEngine) CreatePixCharge(ctx context.Context, appointmentID string, amount float64) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.CreatePixCharge")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	s := e.session(appointmentID)
	if err := s.begin("create_pix_charge"); err != nil {
		return nil, err
	}
	defer s.end()

	if err := e.flushDiscount(ctx, s); err != nil {
		return nil, err
	}
	checkout, err := e.editable(ctx, s)
	if err != nil {
		return nil, err
	}

	totals := domain.ComputeTotals(checkout.Items, checkout.Discount, checkout.Payments)
	amt, err := resolveAmount(amount, totals.Remaining)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.attempts[domain.MethodPixProvider]++
	attempt := s.attempts[domain.MethodPixProvider]
	s.mu.Unlock()

	charge, err := e.pix.CreateCharge(ctx, appointmentID, amt, attempt)
	if err != nil {
		e.metrics.IncrExternalError("pix")
		return nil, err
	}
	e.metrics.IncrChargeCreated(string(domain.MethodPixProvider))

	if err := e.store.UpdateCheckoutPhase(ctx, appointmentID, domain.PhaseCharging, ""); err != nil {
		e.logger.Warn("charge created but phase update failed, abandoning charge",
			zap.String("appointment_id", appointmentID),
			zap.String("order_id", charge.OrderID),
			zap.Error(err),
		)
		return nil, err
	}

	s.mu.Lock()
	s.pixCharge = charge
	s.cardCharge = nil
	s.startPollerLocked(e, domain.MethodPixProvider, charge.OrderID, e.cfg.PixPollInterval)
	s.mu.Unlock()

	return e.GetCheckout(ctx, appointmentID)
}

// CreateCardCharge pushes a charge to the card terminal and starts polling it.
func (e *CheckoutEngine) CreateCardCharge(ctx context.Context, appointmentID string, amount float64, mode domain.CardMode) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.CreateCardCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("card_mode", string(mode)),
	)

	if !e.cfg.Billing.TerminalEnabled {
		return nil, &domain.ErrConfiguration{Setting: "terminal_enabled", Message: "card terminal is not enabled"}
	}

	s := e.session(appointmentID)
	if err := s.begin("create_card_charge"); err != nil {
		return nil, err
	}
	defer s.end()

	if err := e.flushDiscount(ctx, s); err != nil {
		return nil, err
	}
	checkout, err := e.editable(ctx, s)
	if err != nil {
		return nil, err
	}

	totals := domain.ComputeTotals(checkout.Items, checkout.Discount, checkout.Payments)
	amt, err := resolveAmount(amount, totals.Remaining)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.attempts[domain.MethodCard]++
	attempt := s.attempts[domain.MethodCard]
	s.mu.Unlock()

	charge, err := e.terminal.CreateCharge(ctx, appointmentID, amt, mode, attempt)
	if err != nil {
		e.metrics.IncrExternalError("card-terminal")
		return nil, err
	}
	e.metrics.IncrChargeCreated(string(domain.MethodCard))

	if err := e.store.UpdateCheckoutPhase(ctx, appointmentID, domain.PhaseCharging, ""); err != nil {
		e.logger.Warn("charge created but phase update failed, abandoning charge",
			zap.String("appointment_id", appointmentID),
			zap.String("order_id", charge.OrderID),
			zap.Error(err),
		)
		return nil, err
	}

	s.mu.Lock()
	s.cardCharge = charge
	s.pixCharge = nil
	s.startPollerLocked(e, domain.MethodCard, charge.OrderID, e.cfg.CardPollInterval)
	s.mu.Unlock()

	return e.GetCheckout(ctx, appointmentID)
}

// CancelCharge abandons the outstanding charge and returns to editing.
func (e *CheckoutEngine) CancelCharge(ctx context.Context, appointmentID string) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.CancelCharge")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	s := e.session(appointmentID)
	if err := s.begin("cancel_charge"); err != nil {
		return nil, err
	}
	defer s.end()

	s.mu.Lock()
	if s.poller == nil {
		s.mu.Unlock()
		return nil, &domain.ErrConflict{Message: "no outstanding charge"}
	}
	s.poller.Stop()
	s.poller = nil
	s.pixCharge = nil
	s.cardCharge = nil
	s.mu.Unlock()

	if err := e.store.UpdateCheckoutPhase(ctx, appointmentID, domain.PhaseEditing, ""); err != nil {
		return nil, err
	}
	e.logger.Info("charge canceled", zap.String("appointment_id", appointmentID))
	return e.GetCheckout(ctx, appointmentID)
}

// ApplyWaiver resolves the checkout as waived. Blocked once any payment has
// settled; waiving is irreversible.
func (e *CheckoutEngine) ApplyWaiver(ctx context.Context, appointmentID, reason string) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.ApplyWaiver")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	s := e.session(appointmentID)
	if err := s.begin("apply_waiver"); err != nil {
		return nil, err
	}
	defer s.end()

	checkout, err := e.editable(ctx, s)
	if err != nil {
		return nil, err
	}
	if domain.PaidTotal(checkout.Payments) > 0 {
		return nil, &domain.ErrConflict{Message: "cannot waive after a payment has settled"}
	}

	e.logger.Info("waiver applied",
		zap.String("appointment_id", appointmentID),
		zap.String("reason", reason),
	)
	e.metrics.IncrPayment(string(domain.MethodWaiver), string(domain.PaymentPaid))
	if err := e.resolve(ctx, s, domain.OutcomeWaived, ""); err != nil {
		return nil, err
	}
	return e.GetCheckout(ctx, appointmentID)
}

// Dismiss closes a resolved checkout, emits the resolution event toward the
// stage machine and, in manual receipt mode, optionally sends the receipt.
func (e *CheckoutEngine) Dismiss(ctx context.Context, appointmentID string, sendReceipt bool) (*CheckoutView, error) {
	ctx, span := tracer.Start(ctx, "CheckoutEngine.Dismiss")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	s := e.session(appointmentID)
	if err := s.begin("dismiss"); err != nil {
		return nil, err
	}
	defer s.end()

	checkout, err := e.store.GetCheckout(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if checkout.Phase != domain.PhaseResolved {
		return nil, &domain.ErrConflict{Message: "checkout is not resolved"}
	}

	if err := e.store.UpdateCheckoutPhase(ctx, appointmentID, domain.PhaseDismissed, checkout.Outcome); err != nil {
		return nil, err
	}

	ev := e.resolutionEvent(s, checkout)
	if e.onResolved != nil {
		e.onResolved(ctx, ev)
	}

	if sendReceipt && e.cfg.Billing.ReceiptMode == domain.ReceiptManual && ev.Outcome == domain.OutcomePaid {
		if err := e.receipts.SendReceipt(ctx, appointmentID, ev.PaymentID); err != nil {
			e.logger.Error("receipt send failed", zap.String("appointment_id", appointmentID), zap.Error(err))
		}
	}

	view, err := e.GetCheckout(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	e.dropSession(appointmentID)
	return view, nil
}

// resolutionEvent reconstructs the event from persisted state when the
// session did not witness the resolution (e.g. after a restart).
func (e *CheckoutEngine) resolutionEvent(s *session, checkout *domain.Checkout) domain.ResolvedEvent {
	s.mu.Lock()
	resolved := s.resolved
	s.mu.Unlock()
	if resolved != nil {
		return *resolved
	}

	ev := domain.ResolvedEvent{
		AppointmentID: checkout.AppointmentID,
		Outcome:       checkout.Outcome,
	}
	for i := len(checkout.Payments) - 1; i >= 0; i-- {
		if checkout.Payments[i].Status == domain.PaymentPaid {
			ev.PaymentID = checkout.Payments[i].ID
			break
		}
	}
	return ev
}
