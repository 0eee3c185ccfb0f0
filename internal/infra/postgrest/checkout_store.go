package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atendelab/atende-backend/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// checkoutRow maps the checkouts table. Discount columns are nullable; a
// null discount_type means no discount applied.
type checkoutRow struct {
	AppointmentID  string    `json:"appointment_id"`
	Phase          string    `json:"phase"`
	Outcome        string    `json:"outcome"`
	DiscountType   *string   `json:"discount_type"`
	DiscountValue  *float64  `json:"discount_value"`
	DiscountReason *string   `json:"discount_reason"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type checkoutItemRow struct {
	ID            string  `json:"id"`
	AppointmentID string  `json:"appointment_id"`
	ItemType      string  `json:"item_type"`
	Label         string  `json:"label"`
	Qty           int     `json:"qty"`
	Amount        float64 `json:"amount"`
	Position      int     `json:"position"`
}

type paymentRow struct {
	ID            string     `json:"id"`
	AppointmentID string     `json:"appointment_id"`
	Method        string     `json:"method"`
	Amount        float64    `json:"amount"`
	Status        string     `json:"status"`
	ProviderRef   string     `json:"provider_ref"`
	CreatedAt     time.Time  `json:"created_at"`
	PaidAt        *time.Time `json:"paid_at"`
}

func (r paymentRow) toDomain() domain.Payment {
	return domain.Payment{
		ID:            r.ID,
		AppointmentID: r.AppointmentID,
		Method:        domain.PaymentMethod(r.Method),
		Amount:        r.Amount,
		Status:        domain.PaymentState(r.Status),
		ProviderRef:   r.ProviderRef,
		CreatedAt:     r.CreatedAt,
		PaidAt:        r.PaidAt,
	}
}

// GetCheckout assembles the checkout row plus its items and payments. An
// appointment without a checkout row yet yields a default editing checkout.
func (c *Client) GetCheckout(ctx context.Context, appointmentID string) (*domain.Checkout, error) {
	ctx, span := tracer.Start(ctx, "Postgrest.GetCheckout")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", appointmentID))

	checkout := &domain.Checkout{
		AppointmentID: appointmentID,
		Phase:         domain.PhaseEditing,
	}

	err := c.execute(ctx, func() error {
		path := fmt.Sprintf("checkouts?appointment_id=eq.%s&limit=1", appointmentID)
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		if body == nil || string(body) == "[]" {
			return nil // no row yet: stay with the editing default
		}

		var rows []checkoutRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode checkouts: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		row := rows[0]
		checkout.Phase = domain.CheckoutPhase(row.Phase)
		checkout.Outcome = domain.CheckoutOutcome(row.Outcome)
		checkout.UpdatedAt = row.UpdatedAt
		if row.DiscountType != nil && *row.DiscountType != "" {
			d := &domain.Discount{Type: domain.DiscountType(*row.DiscountType)}
			if row.DiscountValue != nil {
				d.Value = *row.DiscountValue
			}
			if row.DiscountReason != nil {
				d.Reason = *row.DiscountReason
			}
			checkout.Discount = d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = c.execute(ctx, func() error {
		path := fmt.Sprintf("checkout_items?appointment_id=eq.%s&order=position.asc", appointmentID)
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		if body == nil {
			return nil
		}

		var rows []checkoutItemRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode checkout_items: %w", err)
		}
		for _, r := range rows {
			checkout.Items = append(checkout.Items, domain.CheckoutItem{
				ID:            r.ID,
				AppointmentID: r.AppointmentID,
				Type:          domain.ItemType(r.ItemType),
				Label:         r.Label,
				Qty:           r.Qty,
				Amount:        r.Amount,
				Position:      r.Position,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	payments, err := c.ListPayments(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	checkout.Payments = payments

	return checkout, nil
}

// SaveCheckoutItems replaces the item collection for the appointment.
func (c *Client) SaveCheckoutItems(ctx context.Context, appointmentID string, items []domain.CheckoutItem) error {
	ctx, span := tracer.Start(ctx, "Postgrest.SaveCheckoutItems")
	defer span.End()

	rows := make([]checkoutItemRow, 0, len(items))
	for i, it := range items {
		rows = append(rows, checkoutItemRow{
			ID:            it.ID,
			AppointmentID: appointmentID,
			ItemType:      string(it.Type),
			Label:         it.Label,
			Qty:           it.Qty,
			Amount:        it.Amount,
			Position:      i,
		})
	}

	return c.execute(ctx, func() error {
		path := fmt.Sprintf("checkout_items?appointment_id=eq.%s", appointmentID)
		if _, err := c.doRequest(ctx, http.MethodDelete, path, nil, ""); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := c.doRequest(ctx, http.MethodPost, "checkout_items", rows, "")
		return err
	})
}

// SetDiscount upserts the discount columns on the checkout row. A nil
// discount clears them.
func (c *Client) SetDiscount(ctx context.Context, appointmentID string, d *domain.Discount) error {
	ctx, span := tracer.Start(ctx, "Postgrest.SetDiscount")
	defer span.End()

	data := map[string]any{
		"appointment_id":  appointmentID,
		"discount_type":   nil,
		"discount_value":  nil,
		"discount_reason": nil,
		"updated_at":      time.Now().UTC(),
	}
	if d != nil {
		data["discount_type"] = string(d.Type)
		data["discount_value"] = d.Value
		data["discount_reason"] = d.Reason
	}

	return c.execute(ctx, func() error {
		path := "checkouts?on_conflict=appointment_id"
		_, err := c.doRequest(ctx, http.MethodPost, path, data, "resolution=merge-duplicates")
		return err
	})
}

// UpdateCheckoutPhase upserts the checkout phase and outcome.
func (c *Client) UpdateCheckoutPhase(ctx context.Context, appointmentID string, phase domain.CheckoutPhase, outcome domain.CheckoutOutcome) error {
	ctx, span := tracer.Start(ctx, "Postgrest.UpdateCheckoutPhase")
	defer span.End()

	data := map[string]any{
		"appointment_id": appointmentID,
		"phase":          string(phase),
		"outcome":        string(outcome),
		"updated_at":     time.Now().UTC(),
	}

	return c.execute(ctx, func() error {
		path := "checkouts?on_conflict=appointment_id"
		_, err := c.doRequest(ctx, http.MethodPost, path, data, "resolution=merge-duplicates")
		return err
	})
}

// RecordPayment inserts one payment row and returns the stored row.
func (c *Client) RecordPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Postgrest.RecordPayment")
	defer span.End()

	data := paymentRow{
		ID:            p.ID,
		AppointmentID: p.AppointmentID,
		Method:        string(p.Method),
		Amount:        p.Amount,
		Status:        string(p.Status),
		ProviderRef:   p.ProviderRef,
		CreatedAt:     p.CreatedAt,
		PaidAt:        p.PaidAt,
	}

	var stored *domain.Payment
	err := c.execute(ctx, func() error {
		body, err := c.doRequest(ctx, http.MethodPost, "payments", data, "")
		if err != nil {
			return err
		}

		var rows []paymentRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode payments: %w", err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("payments insert returned no rows")
		}
		row := rows[0].toDomain()
		stored = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListPayments returns all payments for an appointment, oldest first.
func (c *Client) ListPayments(ctx context.Context, appointmentID string) ([]domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "Postgrest.ListPayments")
	defer span.End()

	var payments []domain.Payment
	err := c.execute(ctx, func() error {
		path := fmt.Sprintf("payments?appointment_id=eq.%s&order=created_at.asc", appointmentID)
		body, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		if body == nil {
			return nil
		}

		var rows []paymentRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return fmt.Errorf("decode payments: %w", err)
		}
		payments = payments[:0]
		for _, r := range rows {
			payments = append(payments, r.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payments, nil
}
