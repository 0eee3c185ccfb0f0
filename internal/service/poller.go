package service

import (
	"context"
	"sync"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"

	"go.uber.org/zap"
)

// poller drives one outstanding async charge at a fixed cadence. It stops on
// terminal status, cancellation, expiry or engine shutdown. Ticks are applied
// only while this poller is still the session's current one, so a superseded
// poller can never clobber a newer charge.
type poller struct {
	engine   *CheckoutEngine
	sess     *session
	method   domain.PaymentMethod
	orderID  string
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// startPollerLocked replaces the session's poller. Caller holds sess.mu.
func (s *session) startPollerLocked(e *CheckoutEngine, method domain.PaymentMethod, orderID string, interval time.Duration) {
	if s.poller != nil {
		s.poller.Stop()
	}
	p := &poller{
		engine:   e,
		sess:     s,
		method:   method,
		orderID:  orderID,
		interval: interval,
		stop:     make(chan struct{}),
	}
	s.poller = p
	go p.run()
}

// Stop signals the poll loop to exit. It never blocks and is safe to call
// multiple times and from within a tick.
func (p *poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *poller) run() {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.engine.tick(p)
		}
	}
}

// tick polls the provider once and applies the result.
func (e *CheckoutEngine) tick(p *poller) {
	s := p.sess
	if s.currentPoller() != p {
		return
	}

	if p.method == domain.MethodPixProvider {
		s.mu.Lock()
		charge := s.pixCharge
		s.mu.Unlock()
		if charge.Expired(e.now()) {
			e.expireCharge(p)
			return
		}
	}

	e.metrics.IncrPollTick(string(p.method))

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PollTimeout)
	defer cancel()

	var (
		poll *domain.ChargePoll
		err  error
	)
	switch p.method {
	case domain.MethodPixProvider:
		poll, err = e.pix.PollCharge(ctx, s.appointmentID, p.orderID)
	case domain.MethodCard:
		poll, err = e.terminal.PollCharge(ctx, s.appointmentID, p.orderID)
	default:
		return
	}
	if err != nil {
		// Transient poll failures keep the poller alive; the next tick retries.
		e.metrics.IncrExternalError(string(p.method))
		e.logger.Warn("charge poll failed",
			zap.String("appointment_id", s.appointmentID),
			zap.String("order_id", p.orderID),
			zap.Error(err),
		)
		return
	}

	// The charge may have been canceled or replaced during the network call.
	if s.currentPoller() != p {
		return
	}

	switch poll.Status {
	case domain.ChargePaid:
		e.completeCharge(p, poll.PaymentID)
	case domain.ChargeFailed:
		e.failCharge(p)
	case domain.ChargeExpired:
		e.expireCharge(p)
	}
}

// detach removes p as the session's poller and returns the charge amount it
// was collecting. Reports false when p was already superseded.
func (p *poller) detach(status domain.ChargeStatus) (float64, bool) {
	s := p.sess
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller != p {
		return 0, false
	}
	s.poller = nil
	p.Stop()

	var amount float64
	switch p.method {
	case domain.MethodPixProvider:
		if s.pixCharge != nil {
			amount = s.pixCharge.Amount
			s.pixCharge.Status = status
		}
	case domain.MethodCard:
		if s.cardCharge != nil {
			amount = s.cardCharge.Amount
			s.cardCharge.Status = status
		}
	}
	return amount, true
}

// completeCharge records the settled payment and resolves the checkout when
// nothing remains, otherwise returns it to editing for the next partial.
func (e *CheckoutEngine) completeCharge(p *poller, providerRef string) {
	s := p.sess
	amount, ok := p.detach(domain.ChargePaid)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payment, err := e.recordPayment(ctx, s.appointmentID, p.method, amount, domain.PaymentPaid, providerRef)
	if err != nil {
		// The provider settled money we failed to record. Surface loudly and
		// drop back to editing so the operator reconciles by hand.
		e.logger.Error("settled charge could not be recorded",
			zap.String("appointment_id", s.appointmentID),
			zap.String("order_id", p.orderID),
			zap.Float64("amount", amount),
			zap.Error(err),
		)
		if err := e.store.UpdateCheckoutPhase(ctx, s.appointmentID, domain.PhaseEditing, ""); err != nil {
			e.logger.Error("phase rollback failed", zap.String("appointment_id", s.appointmentID), zap.Error(err))
		}
		return
	}

	checkout, err := e.store.GetCheckout(ctx, s.appointmentID)
	if err != nil {
		e.logger.Error("checkout reload failed after settlement",
			zap.String("appointment_id", s.appointmentID),
			zap.Error(err),
		)
		return
	}
	totals := domain.ComputeTotals(checkout.Items, checkout.Discount, checkout.Payments)

	if totals.Remaining <= settleEpsilon {
		if err := e.resolve(ctx, s, domain.OutcomePaid, payment.ID); err != nil {
			e.logger.Error("resolve failed after settlement", zap.String("appointment_id", s.appointmentID), zap.Error(err))
		}
		return
	}
	if err := e.store.UpdateCheckoutPhase(ctx, s.appointmentID, domain.PhaseEditing, ""); err != nil {
		e.logger.Error("phase update failed after partial settlement", zap.String("appointment_id", s.appointmentID), zap.Error(err))
	}
	e.logger.Info("partial charge settled",
		zap.String("appointment_id", s.appointmentID),
		zap.Float64("amount", amount),
		zap.Float64("remaining", totals.Remaining),
	)
}

// failCharge records the declined attempt and returns the checkout to editing.
func (e *CheckoutEngine) failCharge(p *poller) {
	s := p.sess
	amount, ok := p.detach(domain.ChargeFailed)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := e.recordPayment(ctx, s.appointmentID, p.method, amount, domain.PaymentFailed, p.orderID); err != nil {
		e.logger.Error("failed charge could not be recorded", zap.String("appointment_id", s.appointmentID), zap.Error(err))
	}
	if err := e.store.UpdateCheckoutPhase(ctx, s.appointmentID, domain.PhaseEditing, ""); err != nil {
		e.logger.Error("phase update failed after declined charge", zap.String("appointment_id", s.appointmentID), zap.Error(err))
	}
	e.logger.Info("charge declined",
		zap.String("appointment_id", s.appointmentID),
		zap.String("order_id", p.orderID),
		zap.String("method", string(p.method)),
	)
}

// expireCharge abandons an expired charge. No payment row is written; the
// charge stays visible with expired status so the operator can regenerate.
func (e *CheckoutEngine) expireCharge(p *poller) {
	s := p.sess
	if _, ok := p.detach(domain.ChargeExpired); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.store.UpdateCheckoutPhase(ctx, s.appointmentID, domain.PhaseEditing, ""); err != nil {
		e.logger.Error("phase update failed after charge expiry", zap.String("appointment_id", s.appointmentID), zap.Error(err))
	}
	e.logger.Info("charge expired",
		zap.String("appointment_id", s.appointmentID),
		zap.String("order_id", p.orderID),
		zap.String("method", string(p.method)),
	)
}
