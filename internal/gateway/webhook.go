package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// WebhookEvent описывает разобранное тело вебхука шлюза.
type WebhookEvent struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// WebhookVerifier проверяет подлинность вебхуков шлюза по подписи заголовка.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier создаёт верификатор с секретом подписи вебхуков.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret)}
}

// Verify проверяет подпись вебхука. Шлюз присылает заголовок x-signature вида
// "ts=<unix>,v1=<hex>" и заголовок x-request-id; подпись — HMAC-SHA256 от
// канонического манифеста "id:<dataID>;request-id:<requestID>;ts:<ts>;".
// Отсутствие любого заголовка или несовпадение подписи отклоняется до любых
// изменений состояния.
func (v *WebhookVerifier) Verify(header http.Header, dataID string) bool {
	if len(v.secret) == 0 {
		return false
	}

	signature := header.Get("x-signature")
	requestID := header.Get("x-request-id")
	if signature == "" || requestID == "" || dataID == "" {
		return false
	}

	ts, v1 := parseSignature(signature)
	if ts == "" || v1 == "" {
		return false
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(v1)))
}

func parseSignature(signature string) (ts, v1 string) {
	for _, part := range strings.Split(signature, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}
