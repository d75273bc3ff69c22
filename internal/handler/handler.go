// Package handler содержит HTTP-обработчики API сервиса публикации приглашений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/gateway"
	"github.com/invitaly/publication-system/internal/middleware"
	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
	"github.com/invitaly/publication-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (int64, error)

	CreateCheckout(ctx context.Context, req service.CreateCheckoutRequest) (*model.CheckoutSession, error)
	GetCheckout(ctx context.Context, sessionID string, userID int64) (*model.CheckoutSession, error)
	Pay(ctx context.Context, sessionID string, userID int64, instrument gateway.ChargeRequest) (*model.CheckoutSession, error)
	RetrySlugConflict(ctx context.Context, sessionID string, userID int64, newSlug string) (*model.CheckoutSession, error)
	IngestWebhook(ctx context.Context, paymentID string) (*model.CheckoutSession, error)
	CheckSlugAvailability(ctx context.Context, slug string, userID, draftID int64) (*service.AvailabilityResult, error)

	GetPublication(ctx context.Context, userID int64, slug string) (*model.Publication, error)
	TransitionPublication(ctx context.Context, userID int64, slug string, action service.LifecycleAction) (*model.Publication, error)
	DeletePublication(ctx context.Context, userID int64, slug string) error

	CreateDiscountCode(ctx context.Context, adminID int64, c *model.DiscountCode) error
	UpdateDiscountCode(ctx context.Context, adminID int64, c *model.DiscountCode) error
	ListDiscountCodes(ctx context.Context, adminID int64) ([]repository.DiscountCodeStats, error)
	ListDiscountUsages(ctx context.Context, adminID int64, code string) ([]model.DiscountUsage, error)
}

// Handler реализует HTTP-обработчики API сервиса публикации приглашений.
type Handler struct {
	service        Service
	verifier       *gateway.WebhookVerifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, verifier *gateway.WebhookVerifier, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		verifier:       verifier,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type createCheckoutRequest struct {
	DraftID      int64  `json:"draft_id"`
	Operation    string `json:"operation"`
	Slug         string `json:"slug,omitempty"`
	DiscountCode string `json:"discount_code,omitempty"`
}

type receiptResponse struct {
	Slug        string `json:"slug"`
	URL         string `json:"url"`
	PublishedAt string `json:"published_at"`
}

type sessionResponse struct {
	ID             string           `json:"id"`
	DraftID        int64            `json:"draft_id"`
	Operation      string           `json:"operation"`
	Slug           string           `json:"slug"`
	Status         string           `json:"status"`
	BaseAmount     int64            `json:"base_amount"`
	DiscountAmount int64            `json:"discount_amount"`
	FinalAmount    int64            `json:"final_amount"`
	Currency       string           `json:"currency"`
	DiscountCode   *string          `json:"discount_code,omitempty"`
	PreferenceID   *string          `json:"preference_id,omitempty"`
	ExpiresAt      string           `json:"expires_at"`
	LastError      *string          `json:"last_error,omitempty"`
	Receipt        *receiptResponse `json:"receipt,omitempty"`
}

func toSessionResponse(s *model.CheckoutSession) sessionResponse {
	resp := sessionResponse{
		ID:             s.ID,
		DraftID:        s.DraftID,
		Operation:      string(s.Operation),
		Slug:           s.Slug,
		Status:         string(s.Status),
		BaseAmount:     s.BaseAmount,
		DiscountAmount: s.DiscountAmount,
		FinalAmount:    s.FinalAmount,
		Currency:       s.Currency,
		DiscountCode:   s.DiscountCode,
		PreferenceID:   s.PreferenceID,
		ExpiresAt:      s.ExpiresAt.Format(time.RFC3339),
		LastError:      s.LastError,
	}
	if s.Receipt != nil {
		resp.Receipt = &receiptResponse{
			Slug:        s.Receipt.Slug,
			URL:         s.Receipt.URL,
			PublishedAt: s.Receipt.PublishedAt.Format(time.RFC3339),
		}
	}
	return resp
}

// CreateCheckout создаёт сессию оплаты публикации для текущего пользователя.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.CreateCheckout(r.Context(), service.CreateCheckoutRequest{
		UserID:       userID,
		DraftID:      req.DraftID,
		Operation:    model.CheckoutOperation(req.Operation),
		Slug:         req.Slug,
		DiscountCode: req.DiscountCode,
	})
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

// GetCheckout возвращает состояние сессии оплаты текущего пользователя.
func (h *Handler) GetCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	session, err := h.service.GetCheckout(r.Context(), chi.URLParam(r, "sessionID"), userID)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

type payRequest struct {
	Token  string `json:"token"`
	Method string `json:"payment_method_id"`
	Payer  string `json:"payer_email"`
}

// Pay выполняет синхронную попытку оплаты сессии.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.Pay(r.Context(), chi.URLParam(r, "sessionID"), userID, gateway.ChargeRequest{
		Token:  req.Token,
		Method: req.Method,
		Payer:  req.Payer,
	})
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

type retrySlugRequest struct {
	Slug string `json:"slug"`
}

// RetrySlug повторяет публикацию одобренной сессии с новым слагом после
// проигранной гонки.
func (h *Handler) RetrySlug(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req retrySlugRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.RetrySlugConflict(r.Context(), chi.URLParam(r, "sessionID"), userID, req.Slug)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

type availabilityResponse struct {
	Slug      string `json:"slug"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// CheckSlug сообщает, доступен ли слаг для указанного черновика пользователя.
func (h *Handler) CheckSlug(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	slug := chi.URLParam(r, "slug")
	draftID, err := strconv.ParseInt(r.URL.Query().Get("draft_id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.CheckSlugAvailability(r.Context(), slug, userID, draftID)
	if err != nil {
		h.logger.Error("check slug availability error", zap.Error(err), zap.String("slug", slug))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, availabilityResponse{
		Slug:      slug,
		Available: result.Available,
		Reason:    result.Reason,
	})
}

type publicationResponse struct {
	Slug             string  `json:"slug"`
	State            string  `json:"state"`
	FirstPublishedAt string  `json:"first_published_at"`
	ExpiresAt        string  `json:"expires_at"`
	RepublishedAt    *string `json:"republished_at,omitempty"`
	PausedAt         *string `json:"paused_at,omitempty"`
	TrashedAt        *string `json:"trashed_at,omitempty"`
}

func toPublicationResponse(p *model.Publication) publicationResponse {
	formatPtr := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.Format(time.RFC3339)
		return &s
	}

	return publicationResponse{
		Slug:             p.Slug,
		State:            string(p.State),
		FirstPublishedAt: p.FirstPublishedAt.Format(time.RFC3339),
		ExpiresAt:        p.ExpiresAt.Format(time.RFC3339),
		RepublishedAt:    formatPtr(p.RepublishedAt),
		PausedAt:         formatPtr(p.PausedAt),
		TrashedAt:        formatPtr(p.TrashedAt),
	}
}

// GetPublication возвращает публикацию её владельцу.
func (h *Handler) GetPublication(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	pub, err := h.service.GetPublication(r.Context(), userID, chi.URLParam(r, "slug"))
	if err != nil {
		h.writePublicationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPublicationResponse(pub))
}

type transitionRequest struct {
	Action string `json:"action"`
}

// TransitionPublication выполняет ручной переход жизненного цикла публикации.
func (h *Handler) TransitionPublication(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pub, err := h.service.TransitionPublication(r.Context(), userID, chi.URLParam(r, "slug"), service.LifecycleAction(req.Action))
	if err != nil {
		h.writePublicationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPublicationResponse(pub))
}

// DeletePublication архивирует публикацию по запросу владельца.
func (h *Handler) DeletePublication(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if err := h.service.DeletePublication(r.Context(), userID, chi.URLParam(r, "slug")); err != nil {
		h.writePublicationError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrCheckoutDisabled):
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, service.ErrInvalidSlug), errors.Is(err, service.ErrInvalidOperation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrSlugTaken):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, service.ErrNoActivePublication), errors.Is(err, repository.ErrWrongDraft):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrSessionNotPayable), errors.Is(err, service.ErrSessionNotRetryable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrSessionNotFound), errors.Is(err, repository.ErrDraftNotFound),
		errors.Is(err, repository.ErrCodeNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	default:
		h.logger.Error("checkout error", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writePublicationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrPublicationNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrPublicationExpired):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("publication error", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
