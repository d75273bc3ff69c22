package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/invitaly/publication-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса публикаций.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	// Вебхук шлюза аутентифицируется подписью заголовка, не cookie.
	r.Post("/api/payments/webhook", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/api/checkout", func(r chi.Router) {
			r.Post("/", h.CreateCheckout)
			r.Get("/{sessionID}", h.GetCheckout)
			r.Post("/{sessionID}/pay", h.Pay)
			r.Post("/{sessionID}/retry-slug", h.RetrySlug)
		})

		r.Get("/api/slugs/{slug}/availability", h.CheckSlug)

		r.Route("/api/publications/{slug}", func(r chi.Router) {
			r.Get("/", h.GetPublication)
			r.Post("/transition", h.TransitionPublication)
			r.Delete("/", h.DeletePublication)
		})

		r.Route("/api/admin/discounts", func(r chi.Router) {
			r.Post("/", h.CreateDiscountCode)
			r.Get("/", h.ListDiscountCodes)
			r.Put("/{code}", h.UpdateDiscountCode)
			r.Get("/{code}/usages", h.ListDiscountUsages)
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
