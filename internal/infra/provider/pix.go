package provider

import (
	"context"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PixGateway implements port.PixChargeGateway against the provider API.
type PixGateway struct {
	client *Client
}

func NewPixGateway(client *Client) *PixGateway {
	return &PixGateway{client: client}
}

type pixChargeRequest struct {
	AppointmentID string  `json:"appointment_id"`
	Amount        float64 `json:"amount"`
	Attempt       int     `json:"attempt"`
}

type pixChargeResponse struct {
	OrderID    string    `json:"order_id"`
	QRPayload  string    `json:"qr_payload"`
	QRImage    string    `json:"qr_image"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	DeclineMsg string    `json:"decline_reason"`
}

type chargePollResponse struct {
	Status     string `json:"status"`
	PaymentID  string `json:"payment_id"`
	DeclineMsg string `json:"decline_reason"`
}

// CreateCharge registers a provider-hosted PIX charge and returns the QR
// payload the operator shows to the client.
func (g *PixGateway) CreateCharge(ctx context.Context, appointmentID string, amount float64, attempt int) (*domain.PixProviderCharge, error) {
	ctx, span := tracer.Start(ctx, "Provider.CreatePixCharge")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.Float64("charge.amount", amount),
		attribute.Int("charge.attempt", attempt),
	)

	req := pixChargeRequest{
		AppointmentID: appointmentID,
		Amount:        amount,
		Attempt:       attempt,
	}

	var resp pixChargeResponse
	if err := g.client.create(ctx, "/v1/pix/charges", req, &resp); err != nil {
		if _, ok := err.(*domain.ErrCircuitOpen); ok {
			return nil, err
		}
		return nil, &domain.ErrProvider{Service: "pix", Err: err}
	}

	if domain.ChargeStatus(resp.Status) == domain.ChargeFailed {
		return nil, &domain.ErrDeclined{Method: domain.MethodPixProvider, Reason: resp.DeclineMsg}
	}

	g.client.logger.Info("provider: pix charge created",
		zap.String("appointment_id", appointmentID),
		zap.String("order_id", resp.OrderID),
		zap.Int("attempt", attempt),
	)

	return &domain.PixProviderCharge{
		OrderID:       resp.OrderID,
		AppointmentID: appointmentID,
		Amount:        amount,
		QRPayload:     resp.QRPayload,
		QRImage:       resp.QRImage,
		Status:        domain.ChargePending,
		ExpiresAt:     resp.ExpiresAt,
		Attempt:       attempt,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// PollCharge asks the provider for the current status of a PIX charge.
func (g *PixGateway) PollCharge(ctx context.Context, appointmentID, orderID string) (*domain.ChargePoll, error) {
	ctx, span := tracer.Start(ctx, "Provider.PollPixCharge")
	defer span.End()
	span.SetAttributes(attribute.String("charge.order_id", orderID))

	var resp chargePollResponse
	if err := g.client.poll(ctx, "/v1/pix/charges/"+orderID, &resp); err != nil {
		if _, ok := err.(*domain.ErrCircuitOpen); ok {
			return nil, err
		}
		return nil, &domain.ErrProvider{Service: "pix", Err: err}
	}

	return &domain.ChargePoll{
		Status:    domain.ChargeStatus(resp.Status),
		PaymentID: resp.PaymentID,
	}, nil
}
