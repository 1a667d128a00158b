package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Router *chi.Mux
}

// NewServer mounts the public order API, the signed webhook receiver and
// the bearer-protected internal routes.
func NewServer(handler *Handler, internalToken string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument(handler.Log))
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrder)
		r.Get("/{orderId}", handler.GetOrder)
		r.Post("/{orderId}/cancel", handler.CancelOrder)
		r.Post("/{orderId}/regenerate", handler.RegenerateOrder)
	})
	r.Post("/webhooks/address-activity", handler.AddressActivity)

	r.Route("/internal", func(r chi.Router) {
		r.Use(requireBearer(internalToken))
		r.Post("/orders/validate-open", handler.ValidateOpen)
		r.Post("/orders/expire", handler.SweepExpired)
		r.Post("/orders/{orderId}/validate", handler.ValidateOrder)
		r.Post("/orders/{orderId}/payout", handler.TriggerPayout)
		r.Post("/orders/{orderId}/fail", handler.FailOrder)
		r.Post("/payouts/retry", handler.RetryPayouts)
		r.Post("/webhooks/sync", handler.SyncWebhooks)
		r.Post("/pool/derive", handler.DerivePool)
	})

	return &Server{Router: r}
}
