package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/ovolkov/supplybook/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса учёта поставок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Route("/customers", func(r chi.Router) {
				r.Post("/", h.CreateCustomer)
				r.Get("/", h.ListCustomers)
				r.Get("/{customerID}", h.GetCustomer)
				r.Put("/{customerID}", h.UpdateCustomer)
				r.Delete("/{customerID}", h.DeleteCustomer)
				r.Get("/{customerID}/statement", h.Statement)
				r.Delete("/{customerID}/entries/{entryID}", h.DeleteEntry)
			})

			r.Post("/sheet", h.SaveSheet)
			r.Post("/entries", h.SaveEntry)

			r.Get("/settings/rate", h.GetRate)
			r.Put("/settings/rate", h.SetRate)

			r.Post("/restore", h.Restore)
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
