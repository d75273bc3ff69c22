package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/gateway"
)

// PaymentWebhook принимает асинхронное уведомление платёжного шлюза.
// Подпись заголовка проверяется до любых изменений состояния; обработка
// идемпотентна, поэтому на повторную доставку всегда отвечаем 200.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var event gateway.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.verifier.Verify(r.Header, event.Data.ID) {
		h.logger.Warn("webhook signature rejected", zap.String("payment", event.Data.ID))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if event.Type != "payment" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.service.IngestWebhook(r.Context(), event.Data.ID); err != nil {
		h.logger.Error("ingest webhook error", zap.Error(err), zap.String("payment", event.Data.ID))
		// Шлюз повторит доставку; состояние не изменилось.
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
