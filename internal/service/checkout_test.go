package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/infra/observability"
	"github.com/atendelab/atende-backend/internal/port"
	"github.com/atendelab/atende-backend/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- Mocks ---

type mockCheckoutStore struct {
	mu        sync.Mutex
	phases    map[string]domain.CheckoutPhase
	outcomes  map[string]domain.CheckoutOutcome
	items     map[string][]domain.CheckoutItem
	discounts map[string]*domain.Discount
	payments  map[string][]domain.Payment
	writes    int
}

func newMockCheckoutStore() *mockCheckoutStore {
	return &mockCheckoutStore{
		phases:    make(map[string]domain.CheckoutPhase),
		outcomes:  make(map[string]domain.CheckoutOutcome),
		items:     make(map[string][]domain.CheckoutItem),
		discounts: make(map[string]*domain.Discount),
		payments:  make(map[string][]domain.Payment),
	}
}

func (m *mockCheckoutStore) GetCheckout(_ context.Context, appointmentID string) (*domain.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[appointmentID]
	if !ok {
		phase = domain.PhaseEditing
	}
	return &domain.Checkout{
		AppointmentID: appointmentID,
		Phase:         phase,
		Outcome:       m.outcomes[appointmentID],
		Items:         append([]domain.CheckoutItem(nil), m.items[appointmentID]...),
		Discount:      m.discounts[appointmentID],
		Payments:      append([]domain.Payment(nil), m.payments[appointmentID]...),
	}, nil
}

func (m *mockCheckoutStore) SaveCheckoutItems(_ context.Context, appointmentID string, items []domain.CheckoutItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.items[appointmentID] = append([]domain.CheckoutItem(nil), items...)
	return nil
}

func (m *mockCheckoutStore) SetDiscount(_ context.Context, appointmentID string, d *domain.Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.discounts[appointmentID] = d
	return nil
}

func (m *mockCheckoutStore) UpdateCheckoutPhase(_ context.Context, appointmentID string, phase domain.CheckoutPhase, outcome domain.CheckoutOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.phases[appointmentID] = phase
	m.outcomes[appointmentID] = outcome
	return nil
}

func (m *mockCheckoutStore) RecordPayment(_ context.Context, p *domain.Payment) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	stored := *p
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	m.payments[p.AppointmentID] = append(m.payments[p.AppointmentID], stored)
	return &stored, nil
}

func (m *mockCheckoutStore) ListPayments(_ context.Context, appointmentID string) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Payment(nil), m.payments[appointmentID]...), nil
}

func (m *mockCheckoutStore) phase(appointmentID string) domain.CheckoutPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[appointmentID]
	if !ok {
		return domain.PhaseEditing
	}
	return phase
}

func (m *mockCheckoutStore) discount(appointmentID string) *domain.Discount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discounts[appointmentID]
}

func (m *mockCheckoutStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type mockPixGateway struct {
	mu          sync.Mutex
	creates     int
	lastAttempt int
	expiresIn   time.Duration
	pollStatus  domain.ChargeStatus
	pollErr     error
	polled      []string
}

func (m *mockPixGateway) CreateCharge(_ context.Context, appointmentID string, amount float64, attempt int) (*domain.PixProviderCharge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	m.lastAttempt = attempt
	expiresIn := m.expiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	return &domain.PixProviderCharge{
		OrderID:       fmt.Sprintf("order-%d", m.creates),
		AppointmentID: appointmentID,
		Amount:        amount,
		QRPayload:     "qr-payload",
		Status:        domain.ChargePending,
		ExpiresAt:     time.Now().Add(expiresIn),
		Attempt:       attempt,
		CreatedAt:     time.Now(),
	}, nil
}

func (m *mockPixGateway) PollCharge(_ context.Context, _, orderID string) (*domain.ChargePoll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polled = append(m.polled, orderID)
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	return &domain.ChargePoll{Status: m.pollStatus, PaymentID: "prov-pay-1"}, nil
}

func (m *mockPixGateway) pollCount(orderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.polled {
		if id == orderID {
			n++
		}
	}
	return n
}

type mockTerminalGateway struct {
	mu          sync.Mutex
	creates     int
	lastAttempt int
	lastMode    domain.CardMode
	pollStatus  domain.ChargeStatus
}

func (m *mockTerminalGateway) CreateCharge(_ context.Context, appointmentID string, amount float64, mode domain.CardMode, attempt int) (*domain.CardTerminalCharge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	m.lastAttempt = attempt
	m.lastMode = mode
	return &domain.CardTerminalCharge{
		OrderID:       fmt.Sprintf("term-%d", m.creates),
		AppointmentID: appointmentID,
		Amount:        amount,
		CardMode:      mode,
		Status:        domain.ChargePending,
		Attempt:       attempt,
		CreatedAt:     time.Now(),
	}, nil
}

func (m *mockTerminalGateway) PollCharge(_ context.Context, _, _ string) (*domain.ChargePoll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &domain.ChargePoll{Status: m.pollStatus, PaymentID: "term-pay-1"}, nil
}

type mockReceiptSender struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockReceiptSender) SendReceipt(_ context.Context, appointmentID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, appointmentID)
	return nil
}

func (m *mockReceiptSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// --- Helpers ---

type engineFixture struct {
	engine   *service.CheckoutEngine
	store    *mockCheckoutStore
	attStore *mockAttendanceStore
	pix      *mockPixGateway
	terminal *mockTerminalGateway
	receipts *mockReceiptSender
}

func newEngineFixture(t *testing.T, cfg service.EngineConfig) *engineFixture {
	t.Helper()
	if cfg.PixPollInterval == 0 {
		cfg.PixPollInterval = 5 * time.Millisecond
	}
	if cfg.CardPollInterval == 0 {
		cfg.CardPollInterval = 5 * time.Millisecond
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Billing.ReceiptMode == "" {
		cfg.Billing.ReceiptMode = domain.ReceiptManual
	}

	f := &engineFixture{
		store:    newMockCheckoutStore(),
		attStore: newMockAttendanceStore(),
		pix:      &mockPixGateway{},
		terminal: &mockTerminalGateway{},
		receipts: &mockReceiptSender{},
	}
	f.attStore.appointments["appt-1"] = &domain.Appointment{
		ID:          "appt-1",
		ClientName:  "Ana",
		ServiceName: "Corte",
	}
	f.engine = service.NewCheckoutEngine(
		f.store,
		f.attStore,
		f.pix,
		f.terminal,
		f.receipts,
		observability.NewMetrics(),
		zap.NewNop(),
		cfg,
	)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *engineFixture) seedService(appointmentID string, amount float64) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.items[appointmentID] = []domain.CheckoutItem{{
		ID:            uuid.New().String(),
		AppointmentID: appointmentID,
		Type:          domain.ItemService,
		Label:         "Corte",
		Qty:           1,
		Amount:        amount,
	}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

var _ port.CheckoutStore = (*mockCheckoutStore)(nil)
var _ port.PixChargeGateway = (*mockPixGateway)(nil)
var _ port.CardTerminalGateway = (*mockTerminalGateway)(nil)
var _ port.ReceiptSender = (*mockReceiptSender)(nil)

// --- Tests ---

func TestRegisterCash_FullSettlementResolves(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	view, err := f.engine.RegisterCash(context.Background(), "appt-1", 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if view.Checkout.Phase != domain.PhaseResolved {
		t.Errorf("expected phase resolved, got %s", view.Checkout.Phase)
	}
	if view.Checkout.Outcome != domain.OutcomePaid {
		t.Errorf("expected outcome paid, got %s", view.Checkout.Outcome)
	}
	if len(view.Checkout.Payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(view.Checkout.Payments))
	}
	p := view.Checkout.Payments[0]
	if p.Method != domain.MethodCash || p.Amount != 100 || p.Status != domain.PaymentPaid {
		t.Errorf("unexpected payment: %+v", p)
	}
	if view.Totals.Remaining != 0 {
		t.Errorf("expected remaining 0, got %f", view.Totals.Remaining)
	}
}

func TestRegisterCash_PartialThenFull(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 200)

	view, err := f.engine.RegisterCash(context.Background(), "appt-1", 60)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Checkout.Phase != domain.PhaseEditing {
		t.Errorf("expected phase editing after partial, got %s", view.Checkout.Phase)
	}
	if view.Totals.Remaining != 140 {
		t.Errorf("expected remaining 140, got %f", view.Totals.Remaining)
	}

	view, err = f.engine.RegisterCash(context.Background(), "appt-1", 140)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Checkout.Phase != domain.PhaseResolved {
		t.Errorf("expected phase resolved, got %s", view.Checkout.Phase)
	}
	if len(view.Checkout.Payments) != 2 {
		t.Errorf("expected 2 payments, got %d", len(view.Checkout.Payments))
	}
}

func TestRegisterCash_OverpayClampedToRemaining(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	view, err := f.engine.RegisterCash(context.Background(), "appt-1", 1100)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Checkout.Payments[0].Amount != 100 {
		t.Errorf("expected payment clamped to 100, got %f", view.Checkout.Payments[0].Amount)
	}
}

func TestRegisterCash_NegativeAmountRejected(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	var validation *domain.ErrValidation
	_, err := f.engine.RegisterCash(context.Background(), "appt-1", -1)
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRegisterCash_NothingRemaining(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 50)

	if _, err := f.engine.RegisterCash(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var conflict *domain.ErrConflict
	_, err := f.engine.RegisterCash(context.Background(), "appt-1", 10)
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict on settled checkout, got %v", err)
	}
}

func TestApplyWaiver_ResolvesWithoutPaymentRow(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 80)

	view, err := f.engine.ApplyWaiver(context.Background(), "appt-1", "client courtesy")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Checkout.Phase != domain.PhaseResolved {
		t.Errorf("expected phase resolved, got %s", view.Checkout.Phase)
	}
	if view.Checkout.Outcome != domain.OutcomeWaived {
		t.Errorf("expected outcome waived, got %s", view.Checkout.Outcome)
	}
	if len(view.Checkout.Payments) != 0 {
		t.Errorf("expected no payment rows, got %d", len(view.Checkout.Payments))
	}
}

func TestApplyWaiver_BlockedAfterPayment(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	if _, err := f.engine.RegisterCash(context.Background(), "appt-1", 40); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var conflict *domain.ErrConflict
	_, err := f.engine.ApplyWaiver(context.Background(), "appt-1", "")
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestRegisterPixKey_RequiresConfiguredKey(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	var configuration *domain.ErrConfiguration
	_, err := f.engine.RegisterPixKey(context.Background(), "appt-1", 0)
	if !errors.As(err, &configuration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	_, err = f.engine.PixKeyCode(context.Background(), "appt-1", 0)
	if !errors.As(err, &configuration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestPixKeyCode_GeneratesPayload(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{
		Billing: domain.BillingConfig{
			PixKey:       "loja@example.com",
			MerchantName: "Studio Bela",
			MerchantCity: "Curitiba",
		},
	})
	f.seedService("appt-1", 90)

	view, err := f.engine.PixKeyCode(context.Background(), "appt-1", 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.PixCode == "" {
		t.Fatal("expected a BR code payload")
	}

	// Regeneration replaces the payload and stays deterministic.
	again, err := f.engine.PixKeyCode(context.Background(), "appt-1", 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if again.PixCode != view.PixCode {
		t.Error("expected identical payload for unchanged checkout")
	}
}

func TestRegisterPixKey_Settles(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{
		Billing: domain.BillingConfig{PixKey: "loja@example.com"},
	})
	f.seedService("appt-1", 70)

	view, err := f.engine.RegisterPixKey(context.Background(), "appt-1", 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Checkout.Phase != domain.PhaseResolved {
		t.Errorf("expected phase resolved, got %s", view.Checkout.Phase)
	}
	if view.Checkout.Payments[0].Method != domain.MethodPixKey {
		t.Errorf("expected pix_key payment, got %s", view.Checkout.Payments[0].Method)
	}
}

func TestAddItem_OnlyOperatorTypes(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})

	var validation *domain.ErrValidation
	_, err := f.engine.AddItem(context.Background(), "appt-1", domain.ItemService, "sneaky", 1, 10)
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error for service item, got %v", err)
	}

	view, err := f.engine.AddItem(context.Background(), "appt-1", domain.ItemAddon, "Hidratação", 1, 35)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(view.Checkout.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(view.Checkout.Items))
	}
	if view.Totals.Total != 35 {
		t.Errorf("expected total 35, got %f", view.Totals.Total)
	}
}

func TestRemoveItem_SystemManagedIsNoop(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	view, err := f.engine.GetCheckout(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	serviceItemID := view.Checkout.Items[0].ID

	view, err = f.engine.RemoveItem(context.Background(), "appt-1", serviceItemID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(view.Checkout.Items) != 1 {
		t.Errorf("expected service item to survive removal, got %d items", len(view.Checkout.Items))
	}
}

func TestRemoveItem_Addon(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})

	view, err := f.engine.AddItem(context.Background(), "appt-1", domain.ItemAdjustment, "Ajuste", 1, 15)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	itemID := view.Checkout.Items[0].ID

	view, err = f.engine.RemoveItem(context.Background(), "appt-1", itemID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(view.Checkout.Items) != 0 {
		t.Errorf("expected no items, got %d", len(view.Checkout.Items))
	}
}

func TestSetDiscount_ZeroDebounceAppliesImmediately(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	view, err := f.engine.SetDiscount(context.Background(), "appt-1", &domain.Discount{
		Type:  domain.DiscountPct,
		Value: 10,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Totals.Total != 90 {
		t.Errorf("expected total 90, got %f", view.Totals.Total)
	}
	if f.store.discount("appt-1") == nil {
		t.Error("expected discount persisted immediately with zero debounce")
	}
}

func TestSetDiscount_DebouncedDraftFlushedBeforePayment(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{DiscountDebounce: time.Hour})
	f.seedService("appt-1", 100)

	view, err := f.engine.SetDiscount(context.Background(), "appt-1", &domain.Discount{
		Type:  domain.DiscountValue,
		Value: 20,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// Draft is visible in the view but not persisted yet.
	if view.Totals.Total != 80 {
		t.Errorf("expected draft total 80, got %f", view.Totals.Total)
	}
	if f.store.discount("appt-1") != nil {
		t.Error("expected discount not persisted before debounce fires")
	}

	// A payment flushes the draft first, so the charge amount honors it.
	view, err = f.engine.RegisterCash(context.Background(), "appt-1", 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Checkout.Payments[0].Amount != 80 {
		t.Errorf("expected payment 80 after discount flush, got %f", view.Checkout.Payments[0].Amount)
	}
	if f.store.discount("appt-1") == nil {
		t.Error("expected discount persisted by flush")
	}
}

func TestSetDiscount_InvalidRejected(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})

	var validation *domain.ErrValidation
	_, err := f.engine.SetDiscount(context.Background(), "appt-1", &domain.Discount{Type: "bogus", Value: 1})
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error, got %v", err)
	}
	_, err = f.engine.SetDiscount(context.Background(), "appt-1", &domain.Discount{Type: domain.DiscountPct, Value: -3})
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCreatePixCharge_PollsUntilPaidAndResolves(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.pix.pollStatus = domain.ChargePaid
	f.seedService("appt-1", 120)

	view, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Checkout.Phase != domain.PhaseCharging {
		t.Errorf("expected phase charging, got %s", view.Checkout.Phase)
	}
	if view.PixCharge == nil || view.PixCharge.QRPayload == "" {
		t.Fatal("expected an outstanding pix charge with QR payload")
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.store.phase("appt-1") == domain.PhaseResolved
	})

	payments, _ := f.store.ListPayments(context.Background(), "appt-1")
	if len(payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(payments))
	}
	if payments[0].Method != domain.MethodPixProvider || payments[0].Amount != 120 {
		t.Errorf("unexpected payment: %+v", payments[0])
	}
	if payments[0].ProviderRef != "prov-pay-1" {
		t.Errorf("expected provider ref, got %q", payments[0].ProviderRef)
	}
}

func TestCreatePixCharge_DeclinedReturnsToEditing(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.pix.pollStatus = domain.ChargeFailed
	f.seedService("appt-1", 120)

	if _, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.store.phase("appt-1") == domain.PhaseEditing
	})

	payments, _ := f.store.ListPayments(context.Background(), "appt-1")
	if len(payments) != 1 || payments[0].Status != domain.PaymentFailed {
		t.Fatalf("expected one failed payment row, got %+v", payments)
	}
	// A failed attempt settles nothing.
	view, _ := f.engine.GetCheckout(context.Background(), "appt-1")
	if view.Totals.Remaining != 120 {
		t.Errorf("expected remaining 120, got %f", view.Totals.Remaining)
	}
}

func TestCreatePixCharge_ExpiresLocally(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.pix.pollStatus = domain.ChargePending
	f.pix.expiresIn = -time.Second
	f.seedService("appt-1", 120)

	if _, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.store.phase("appt-1") == domain.PhaseEditing
	})

	payments, _ := f.store.ListPayments(context.Background(), "appt-1")
	if len(payments) != 0 {
		t.Errorf("expected no payment rows for expired charge, got %d", len(payments))
	}
	view, _ := f.engine.GetCheckout(context.Background(), "appt-1")
	if view.PixCharge == nil || view.PixCharge.Status != domain.ChargeExpired {
		t.Errorf("expected expired charge kept visible, got %+v", view.PixCharge)
	}
}

func TestChargeAttemptCounterIncrements(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{PixPollInterval: time.Hour})
	f.pix.pollStatus = domain.ChargePending
	f.seedService("appt-1", 120)

	if _, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.pix.lastAttempt != 1 {
		t.Errorf("expected attempt 1, got %d", f.pix.lastAttempt)
	}

	if _, err := f.engine.CancelCharge(context.Background(), "appt-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.pix.lastAttempt != 2 {
		t.Errorf("expected attempt 2, got %d", f.pix.lastAttempt)
	}
}

func TestChargingBlocksEdits(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{PixPollInterval: time.Hour})
	f.pix.pollStatus = domain.ChargePending
	f.seedService("appt-1", 120)

	if _, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	var guard *domain.ErrConcurrencyGuard
	_, err := f.engine.AddItem(context.Background(), "appt-1", domain.ItemAddon, "x", 1, 10)
	if !errors.As(err, &guard) {
		t.Errorf("expected concurrency guard while charging, got %v", err)
	}
	_, err = f.engine.RegisterCash(context.Background(), "appt-1", 10)
	if !errors.As(err, &guard) {
		t.Errorf("expected concurrency guard while charging, got %v", err)
	}
}

func TestCancelCharge_NoOutstandingCharge(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})

	var conflict *domain.ErrConflict
	_, err := f.engine.CancelCharge(context.Background(), "appt-1")
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCancelCharge_StopsPollerTicks(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.pix.pollStatus = domain.ChargePending
	f.seedService("appt-1", 120)

	if _, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return f.pix.pollCount("order-1") > 0
	})

	if _, err := f.engine.CancelCharge(context.Background(), "appt-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Let a tick that was mid-flight during the cancel drain out, then the
	// canceled order must see no further polls and no further store writes.
	time.Sleep(25 * time.Millisecond)
	polls := f.pix.pollCount("order-1")
	writes := f.store.writeCount()

	time.Sleep(50 * time.Millisecond)

	if got := f.pix.pollCount("order-1"); got != polls {
		t.Errorf("canceled order polled %d more times", got-polls)
	}
	if got := f.store.writeCount(); got != writes {
		t.Errorf("store written %d more times after cancel", got-writes)
	}
	payments, _ := f.store.ListPayments(context.Background(), "appt-1")
	if len(payments) != 0 {
		t.Errorf("expected no payment rows after cancel, got %d", len(payments))
	}
	if f.store.phase("appt-1") != domain.PhaseEditing {
		t.Errorf("expected phase editing after cancel, got %s", f.store.phase("appt-1"))
	}
}

func TestClose_StopsPollerTicks(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.pix.pollStatus = domain.ChargePending
	f.seedService("appt-1", 120)

	if _, err := f.engine.CreatePixCharge(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return f.pix.pollCount("order-1") > 0
	})

	f.engine.Close()

	time.Sleep(25 * time.Millisecond)
	polls := f.pix.pollCount("order-1")
	writes := f.store.writeCount()

	time.Sleep(50 * time.Millisecond)

	if got := f.pix.pollCount("order-1"); got != polls {
		t.Errorf("poller survived Close: %d more polls", got-polls)
	}
	if got := f.store.writeCount(); got != writes {
		t.Errorf("store written %d more times after Close", got-writes)
	}
}

func TestCreateCardCharge_RequiresTerminal(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	var configuration *domain.ErrConfiguration
	_, err := f.engine.CreateCardCharge(context.Background(), "appt-1", 0, domain.CardDebit)
	if !errors.As(err, &configuration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestCreateCardCharge_PaidResolves(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{
		Billing: domain.BillingConfig{TerminalEnabled: true},
	})
	f.terminal.pollStatus = domain.ChargePaid
	f.seedService("appt-1", 150)

	view, err := f.engine.CreateCardCharge(context.Background(), "appt-1", 0, domain.CardCredit)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.CardCharge == nil {
		t.Fatal("expected an outstanding card charge")
	}
	if f.terminal.lastMode != domain.CardCredit {
		t.Errorf("expected credit mode forwarded, got %s", f.terminal.lastMode)
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.store.phase("appt-1") == domain.PhaseResolved
	})

	payments, _ := f.store.ListPayments(context.Background(), "appt-1")
	if len(payments) != 1 || payments[0].Method != domain.MethodCard {
		t.Fatalf("expected one card payment, got %+v", payments)
	}
}

func TestDismiss_EmitsResolvedEvent(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	var got domain.ResolvedEvent
	f.engine.OnResolved(func(_ context.Context, ev domain.ResolvedEvent) {
		got = ev
	})

	if _, err := f.engine.RegisterCash(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	view, err := f.engine.Dismiss(context.Background(), "appt-1", false)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if view.Checkout.Phase != domain.PhaseDismissed {
		t.Errorf("expected phase dismissed, got %s", view.Checkout.Phase)
	}
	if got.AppointmentID != "appt-1" || got.Outcome != domain.OutcomePaid || got.PaymentID == "" {
		t.Errorf("unexpected resolved event: %+v", got)
	}
}

func TestDismiss_RequiresResolvedPhase(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	var conflict *domain.ErrConflict
	_, err := f.engine.Dismiss(context.Background(), "appt-1", false)
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestDismiss_ManualReceipt(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{})
	f.seedService("appt-1", 100)

	if _, err := f.engine.RegisterCash(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.receipts.count() != 0 {
		t.Error("expected no receipt before dismissal in manual mode")
	}

	if _, err := f.engine.Dismiss(context.Background(), "appt-1", true); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if f.receipts.count() != 1 {
		t.Errorf("expected 1 receipt, got %d", f.receipts.count())
	}
}

func TestResolve_AutoReceipt(t *testing.T) {
	f := newEngineFixture(t, service.EngineConfig{
		Billing: domain.BillingConfig{ReceiptMode: domain.ReceiptAuto},
	})
	f.seedService("appt-1", 100)

	if _, err := f.engine.RegisterCash(context.Background(), "appt-1", 0); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.receipts.count() == 1 })
}
