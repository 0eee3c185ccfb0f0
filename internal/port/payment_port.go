package port

import (
	"context"

	"github.com/atendelab/atende-backend/internal/domain"
)

// PixChargeGateway talks to the payment provider's asynchronous PIX API.
// Create registers a charge; Poll reports its current status. The attempt
// counter is forwarded for provider-side idempotency and audit.
type PixChargeGateway interface {
	CreateCharge(ctx context.Context, appointmentID string, amount float64, attempt int) (*domain.PixProviderCharge, error)
	PollCharge(ctx context.Context, appointmentID, orderID string) (*domain.ChargePoll, error)
}

// CardTerminalGateway pushes charges to a physical card terminal. Same
// create→poll shape as the PIX gateway, different cadence, no visible QR.
type CardTerminalGateway interface {
	CreateCharge(ctx context.Context, appointmentID string, amount float64, mode domain.CardMode, attempt int) (*domain.CardTerminalCharge, error)
	PollCharge(ctx context.Context, appointmentID, orderID string) (*domain.ChargePoll, error)
}

// ReceiptSender dispatches a settlement receipt to the client. Only the
// request/response contract matters here; message rendering and delivery
// semantics live with the messaging provider.
type ReceiptSender interface {
	SendReceipt(ctx context.Context, appointmentID, paymentID string) error
}
