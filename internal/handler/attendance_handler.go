package handler

import (
	"context"
	"net/http"

	"github.com/atendelab/atende-backend/internal/domain"
	"github.com/atendelab/atende-backend/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Atendimento — stage machine endpoints
// ============================================================

func getOverviewHandler(svc *service.AttendanceService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/appointments/{appointmentId}/attendance")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		if appointmentID == "" {
			writeError(w, http.StatusBadRequest, "appointment_id is required")
			return
		}
		span.SetAttributes(attribute.String("appointment.id", appointmentID))

		overview, err := svc.GetOverview(ctx, appointmentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, overview)
	}
}

// stageAction adapts one stage mutation into a handler.
func stageAction(
	fn func(ctx context.Context, appointmentID string, stage domain.Stage) (*domain.AttendanceRecord, error),
	spanName string,
	logger *zap.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), spanName)
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		if appointmentID == "" {
			writeError(w, http.StatusBadRequest, "appointment_id is required")
			return
		}
		stage, err := domain.ParseStage(chi.URLParam(r, "stage"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(
			attribute.String("appointment.id", appointmentID),
			attribute.String("stage", string(stage)),
		)

		rec, err := fn(ctx, appointmentID, stage)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func startStageHandler(svc *service.AttendanceService, logger *zap.Logger) http.HandlerFunc {
	return stageAction(svc.StartStage, "POST /v1/appointments/{appointmentId}/attendance/stages/{stage}/start", logger)
}

func completeStageHandler(svc *service.AttendanceService, logger *zap.Logger) http.HandlerFunc {
	return stageAction(svc.CompleteStage, "POST /v1/appointments/{appointmentId}/attendance/stages/{stage}/complete", logger)
}

func skipStageHandler(svc *service.AttendanceService, logger *zap.Logger) http.HandlerFunc {
	return stageAction(svc.SkipStage, "POST /v1/appointments/{appointmentId}/attendance/stages/{stage}/skip", logger)
}

// timerHandler adapts one timer mutation into a handler.
func timerHandler(
	fn func(ctx context.Context, appointmentID string) (*domain.AttendanceRecord, error),
	logger *zap.Logger,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/appointments/{appointmentId}/attendance/timer")
		defer span.End()

		appointmentID := chi.URLParam(r, "appointmentId")
		if appointmentID == "" {
			writeError(w, http.StatusBadRequest, "appointment_id is required")
			return
		}
		span.SetAttributes(attribute.String("appointment.id", appointmentID))

		rec, err := fn(ctx, appointmentID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
