package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/middleware"
	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
	"github.com/invitaly/publication-system/internal/service"
)

type discountCodeRequest struct {
	Code           string     `json:"code"`
	Active         bool       `json:"active"`
	Type           string     `json:"type"`
	Value          int64      `json:"value"`
	AppliesTo      string     `json:"applies_to"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	MaxRedemptions *int64     `json:"max_redemptions,omitempty"`
	Description    string     `json:"description,omitempty"`
}

func (req discountCodeRequest) toModel() *model.DiscountCode {
	return &model.DiscountCode{
		Code:           req.Code,
		Active:         req.Active,
		Type:           model.DiscountType(req.Type),
		Value:          req.Value,
		AppliesTo:      model.DiscountApplicability(req.AppliesTo),
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		MaxRedemptions: req.MaxRedemptions,
		Description:    req.Description,
	}
}

// CreateDiscountCode создаёт промокод. Доступно только администратору.
func (h *Handler) CreateDiscountCode(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req discountCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CreateDiscountCode(r.Context(), adminID, req.toModel()); err != nil {
		h.writeDiscountError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// UpdateDiscountCode обновляет параметры существующего промокода.
func (h *Handler) UpdateDiscountCode(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req discountCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	req.Code = chi.URLParam(r, "code")

	if err := h.service.UpdateDiscountCode(r.Context(), adminID, req.toModel()); err != nil {
		h.writeDiscountError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type discountStatsResponse struct {
	Code            string `json:"code"`
	Active          bool   `json:"active"`
	Type            string `json:"type"`
	Value           int64  `json:"value"`
	AppliesTo       string `json:"applies_to"`
	RedemptionCount int64  `json:"redemption_count"`
	UsageCount      int64  `json:"usage_count"`
	TotalAmount     int64  `json:"total_amount"`
}

// ListDiscountCodes возвращает все промокоды со статистикой применений.
func (h *Handler) ListDiscountCodes(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stats, err := h.service.ListDiscountCodes(r.Context(), adminID)
	if err != nil {
		h.writeDiscountError(w, r, err)
		return
	}

	resp := make([]discountStatsResponse, 0, len(stats))
	for _, st := range stats {
		resp = append(resp, discountStatsResponse{
			Code:            st.Code.Code,
			Active:          st.Code.Active,
			Type:            string(st.Code.Type),
			Value:           st.Code.Value,
			AppliesTo:       string(st.Code.AppliesTo),
			RedemptionCount: st.Code.RedemptionCount,
			UsageCount:      st.UsageCount,
			TotalAmount:     st.TotalAmount,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type discountUsageResponse struct {
	SessionID string `json:"session_id"`
	Amount    int64  `json:"amount"`
	UsedAt    string `json:"used_at"`
}

// ListDiscountUsages возвращает применения одного промокода.
func (h *Handler) ListDiscountUsages(w http.ResponseWriter, r *http.Request) {
	adminID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	usages, err := h.service.ListDiscountUsages(r.Context(), adminID, chi.URLParam(r, "code"))
	if err != nil {
		h.writeDiscountError(w, r, err)
		return
	}

	resp := make([]discountUsageResponse, 0, len(usages))
	for _, u := range usages {
		resp = append(resp, discountUsageResponse{
			SessionID: u.SessionID,
			Amount:    u.Amount,
			UsedAt:    u.UsedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeDiscountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrCodeExists):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrCodeNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidDiscountCode):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error("discount admin error", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
