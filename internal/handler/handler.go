// Package handler exposes the order command API over HTTP. It translates
// JSON requests into domain commands, delegates to the order service, and
// maps domain errors onto status codes.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/ordercore/internal/domain/auth"
	"github.com/xenking/ordercore/internal/domain/order"
)

// Handler serves the order API routes.
type Handler struct {
	orders   *order.Service
	security *Security
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(orders *order.Service, security *Security) *Handler {
	return &Handler{
		orders:   orders,
		security: security,
	}
}

// Routes returns the authenticated API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.security.Authenticate)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/{orderID}", h.GetOrder)
		r.Put("/{orderID}", h.UpdateOrder)
		r.Post("/{orderID}/cancel", h.CancelOrder)
		r.Post("/{orderID}/tracking", h.AddTracking)

		// Administrative transition path.
		r.With(RequireScope(auth.ScopeOrdersAdmin)).
			Post("/{orderID}/status", h.ChangeStatus)
	})

	return r
}

// orderID extracts the order identifier path parameter.
func orderID(r *http.Request) string {
	return chi.URLParam(r, "orderID")
}
