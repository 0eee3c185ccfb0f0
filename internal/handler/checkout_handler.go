package handler

import (
	"encoding/json"
	"net/http"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Checkout — reconciliation endpoints
// ============================================================

func getCheckoutHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/appointments/{appointmentId}/checkout")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		if appointmentID == "" {
			writeError(w, http.StatusBadRequest, "appointment_id is required")
			return
		}
		span.SetAttributes(attribute.String("appointment.id", appointmentID))

		view, err := engine.GetCheckout(ctx, appointmentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type addItemRequest struct {
	Type   string  `json:"type"`
	Label  string  `json:"label"`
	Qty    int     `json:"qty"`
	Amount float64 `json:"amount"`
}

func addItemHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/items")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		var req addItemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		view, err := engine.AddItem(ctx, appointmentID, domain.ItemType(req.Type), req.Label, req.Qty, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func removeItemHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/appointments/{appointmentId}/checkout/items/{itemId}")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		itemID := chi.URLParam(r, "itemId")

		view, err := engine.RemoveItem(ctx, appointmentID, itemID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type discountRequest struct {
	Type   string  `json:"type"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason"`
}

func setDiscountHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/appointments/{appointmentId}/checkout/discount")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")

		// A JSON null body clears the discount.
		var req *discountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		var d *domain.Discount
		if req != nil {
			d = &domain.Discount{
				Type:   domain.DiscountType(req.Type),
				Value:  req.Value,
				Reason: req.Reason,
			}
		}

		view, err := engine.SetDiscount(ctx, appointmentID, d)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type paymentRequest struct {
	Amount   float64 `json:"amount"`
	CardMode string  `json:"card_mode"`
	Reason   string  `json:"reason"`
}

func decodePayment(w http.ResponseWriter, r *http.Request) (paymentRequest, bool) {
	var req paymentRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return req, false
		}
	}
	return req, true
}

func cashHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/payments/cash")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}

		view, err := engine.RegisterCash(ctx, appointmentID, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func pixKeyHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/payments/pix-key")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}

		view, err := engine.RegisterPixKey(ctx, appointmentID, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func pixKeyCodeHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/payments/pix-key/code")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}

		view, err := engine.PixKeyCode(ctx, appointmentID, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func pixChargeHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/payments/pix/charge")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}

		view, err := engine.CreatePixCharge(ctx, appointmentID, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func cardChargeHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/payments/card/charge")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}
		mode, err := domain.ParseCardMode(req.CardMode)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		view, err := engine.CreateCardCharge(ctx, appointmentID, req.Amount, mode)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, view)
	}
}

func cancelChargeHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/charge/cancel")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")

		view, err := engine.CancelCharge(ctx, appointmentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func waiverHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/waiver")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}

		view, err := engine.ApplyWaiver(ctx, appointmentID, req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type dismissRequest struct {
	SendReceipt bool `json:"send_receipt"`
}

func dismissHandler(engine *service.CheckoutEngine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/checkout/dismiss")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		var req dismissRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}

		view, err := engine.Dismiss(ctx, appointmentID, req.SendReceipt)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}
