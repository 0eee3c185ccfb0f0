package provider

import (
	"context"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// TerminalGateway implements port.CardTerminalGateway against the provider API.
type TerminalGateway struct {
	client *Client
}

func NewTerminalGateway(client *Client) *TerminalGateway {
	return &TerminalGateway{client: client}
}

type terminalChargeRequest struct {
	AppointmentID string  `json:"appointment_id"`
	Amount        float64 `json:"amount"`
	CardMode      string  `json:"card_mode"`
	Attempt       int     `json:"attempt"`
}

type terminalChargeResponse struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	DeclineMsg string `json:"decline_reason"`
}

// CreateCharge pushes a charge to the physical terminal. The terminal shows
// the amount on its display; the cardholder completes it there.
func (g *TerminalGateway) CreateCharge(ctx context.Context, appointmentID string, amount float64, mode domain.CardMode, attempt int) (*domain.CardTerminalCharge, error) {
	ctx, span := tracer.Start(ctx, "Provider.CreateTerminalCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.Float64("charge.amount", amount),
		attribute.String("charge.card_mode", string(mode)),
		attribute.Int("charge.attempt", attempt),
	)

	req := terminalChargeRequest{
		AppointmentID: appointmentID,
		Amount:        amount,
		CardMode:      string(mode),
		Attempt:       attempt,
	}

	var resp terminalChargeResponse
	if err := g.client.create(ctx, "/v1/terminal/charges", req, &resp); err != nil {
		if _, ok := err.(*domain.ErrCircuitOpen); ok {
			return nil, err
		}
		return nil, &domain.ErrProvider{Service: "card-terminal", Err: err}
	}

	if domain.ChargeStatus(resp.Status) == domain.ChargeFailed {
		return nil, &domain.ErrDeclined{Method: domain.MethodCard, Reason: resp.DeclineMsg}
	}

	g.client.logger.Info("provider: terminal charge created",
		zap.String("appointment_id", appointmentID),
		zap.String("order_id", resp.OrderID),
		zap.String("card_mode", string(mode)),
		zap.Int("attempt", attempt),
	)

	return &domain.CardTerminalCharge{
		OrderID:       resp.OrderID,
		AppointmentID: appointmentID,
		Amount:        amount,
		CardMode:      mode,
		Status:        domain.ChargePending,
		Attempt:       attempt,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PollCharge asks the provider for the current status of a terminal charge.
func (g *TerminalGateway) PollCharge(ctx context.Context, appointmentID, orderID string) (*domain.ChargePoll, error) {
	ctx, span := tracer.Start(ctx, "Provider.PollTerminalCharge")
	defer span.End()
	span.SetAttributes(attribute.String("charge.order_id", orderID))

	var resp chargePollResponse
	if err := g.client.poll(ctx, "/v1/terminal/charges/"+orderID, &resp); err != nil {
		if _, ok := err.(*domain.ErrCircuitOpen); ok {
			return nil, err
		}
		return nil, &domain.ErrProvider{Service: "card-terminal", Err: err}
	}

	return &domain.ChargePoll{
		Status:    domain.ChargeStatus(resp.Status),
		PaymentID: resp.PaymentID,
	}, nil
}
