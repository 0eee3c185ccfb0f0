// Package messaging dispatches settlement receipts to clients over WhatsApp.
package messaging

import (
	"context"
	"fmt"

	"github.com/atendelab/atende-backend/internal/port"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("messaging")

// WhatsAppSender sends receipts through the Twilio WhatsApp channel. The
// client phone comes off the appointment row; appointments without a phone
// are skipped silently.
type WhatsAppSender struct {
	client *twilio.RestClient
	from   string
	store  port.AttendanceStore
	logger *zap.Logger
}

func NewWhatsAppSender(accountSID, authToken, from string, store port.AttendanceStore, logger *zap.Logger) *WhatsAppSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &WhatsAppSender{client: client, from: from, store: store, logger: logger}
}

// SendReceipt looks up the appointment and sends a settlement receipt to its
// client. Delivery failures are logged but never bubble into the checkout
// flow: a receipt must not block resolution.
func (s *WhatsAppSender) SendReceipt(ctx context.Context, appointmentID, paymentID string) error {
	ctx, span := tracer.Start(ctx, "Messaging.SendReceipt")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", appointmentID),
		attribute.String("payment.id", paymentID),
	)

	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		s.logger.Warn("messaging: appointment lookup failed, receipt skipped",
			zap.String("appointment_id", appointmentID),
			zap.Error(err),
		)
		return nil
	}
	if appt.ClientPhone == "" {
		s.logger.Info("messaging: client has no phone, receipt skipped",
			zap.String("appointment_id", appointmentID),
		)
		return nil
	}

	body := fmt.Sprintf(
		"Olá %s! Recebemos o pagamento do seu atendimento de %s. Obrigado e até a próxima!",
		appt.ClientName, appt.ServiceName,
	)

	params := &openapi.CreateMessageParams{}
	params.SetTo("whatsapp:" + appt.ClientPhone)
	params.SetFrom("whatsapp:" + s.from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		s.logger.Error("messaging: receipt delivery failed",
			zap.String("appointment_id", appointmentID),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return nil
	}

	s.logger.Info("messaging: receipt sent",
		zap.String("appointment_id", appointmentID),
		zap.String("payment_id", paymentID),
	)
	return nil
}

// NoopSender is used when Twilio credentials are not configured.
type NoopSender struct {
	logger *zap.Logger
}

func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

func (s *NoopSender) SendReceipt(_ context.Context, appointmentID, paymentID string) error {
	s.logger.Debug("messaging: receipts disabled, skipping",
		zap.String("appointment_id", appointmentID),
		zap.String("payment_id", paymentID),
	)
	return nil
}
