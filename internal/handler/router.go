package handler

import (
	"net/http"
	"time"

	"github.com/atendelab/atende-backend/internal/infra/observability"
	"github.com/atendelab/atende-backend/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// NewRouter creates the HTTP router with all routes and middleware.
// Routes follow the API contract for the attendance frontend.
func NewRouter(attSvc *service.AttendanceService, engine *service.CheckoutEngine, metrics *observability.Metrics, jwtSecret string, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {

		// =============================================
		// 📊 Métricas
		// GET /v1/metrics/checkout
		// =============================================
		r.Get("/metrics/checkout", checkoutMetricsHandler(metrics, logger))

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(jwtSecret, logger))

			r.Route("/appointments/{appointmentId}", func(r chi.Router) {

				// =============================================
				// 🗂 Atendimento (stage machine)
				// =============================================
				r.Get("/attendance", getOverviewHandler(attSvc, logger))
				r.Post("/attendance/stages/{stage}/start", startStageHandler(attSvc, logger))
				r.Post("/attendance/stages/{stage}/complete", completeStageHandler(attSvc, logger))
				r.Post("/attendance/stages/{stage}/skip", skipStageHandler(attSvc, logger))

				// =============================================
				// ⏱ Timer de sessão
				// =============================================
				r.Post("/attendance/timer/start", timerHandler(attSvc.StartTimer, logger))
				r.Post("/attendance/timer/pause", timerHandler(attSvc.PauseTimer, logger))
				r.Post("/attendance/timer/resume", timerHandler(attSvc.ResumeTimer, logger))

				// =============================================
				// 💰 Checkout
				// =============================================
				r.Get("/checkout", getCheckoutHandler(engine, logger))
				r.Post("/checkout/items", addItemHandler(engine, logger))
				r.Delete("/checkout/items/{itemId}", removeItemHandler(engine, logger))
				r.Put("/checkout/discount", setDiscountHandler(engine, logger))

				// =============================================
				// ⚡ Pagamentos
				// =============================================
				r.Post("/checkout/payments/cash", cashHandler(engine, logger))
				r.Post("/checkout/payments/pix-key", pixKeyHandler(engine, logger))
				r.Post("/checkout/payments/pix-key/code", pixKeyCodeHandler(engine, logger))
				r.Post("/checkout/payments/pix/charge", pixChargeHandler(engine, logger))
				r.Post("/checkout/payments/card/charge", cardChargeHandler(engine, logger))
				r.Post("/checkout/charge/cancel", cancelChargeHandler(engine, logger))
				r.Post("/checkout/waiver", waiverHandler(engine, logger))
				r.Post("/checkout/dismiss", dismissHandler(engine, logger))
			})
		})
	})

	return r
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func checkoutMetricsHandler(metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := tracer.Start(r.Context(), "GET /v1/metrics/checkout")
		defer span.End()

		writeJSON(w, http.StatusOK, metrics.GetCheckoutSnapshot())
	}
}
