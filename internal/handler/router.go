package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/FNZ-Store/virus/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/payments", h.CreatePayment)
		r.Post("/payments/{paymentID}/confirm", h.ConfirmPayment)
		r.Post("/payments/{paymentID}/cancel", h.CancelPayment)

		r.Post("/purchases/balance", h.BalancePurchase)

		r.Get("/users/{userID}", h.GetUser)
		r.Get("/users/{userID}/history", h.GetHistory)

		r.Get("/products", h.GetProducts)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.RequireAdmin)

			r.Post("/payments/sweep", h.SweepPayments)

			r.Put("/admin/products/{key}", h.UpsertProduct)
			r.Delete("/admin/products/{key}", h.DeleteProduct)

			r.Get("/admin/rewards", h.GetRewards)
			r.Put("/admin/rewards", h.UpdateRewards)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
