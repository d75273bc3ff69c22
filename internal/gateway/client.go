// Package gateway предоставляет клиент внешнего платёжного шлюза и проверку
// подлинности его вебхуков. Адаптер только нормализует статусы платежей;
// все переходы состояний выполняет менеджер сессий.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/invitaly/publication-system/internal/model"
)

// Status описывает нормализованный статус платежа.
type Status string

const (
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusProcessing Status = "processing"
)

// ErrNotConfigured возвращается, если клиент шлюза не настроен.
var (
	ErrNotConfigured = errors.New("gateway client not configured")
	// ErrUnknownStatus возвращается для нераспознанного статуса шлюза.
	ErrUnknownStatus = errors.New("unknown gateway status")
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewClient создаёт HTTP-клиент платёжного шлюза с ретраями временных ошибок.
func NewClient(baseURL, accessToken string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  rc.StandardClient(),
	}
}

// PreferenceRequest описывает запрос на создание платёжного намерения.
type PreferenceRequest struct {
	SessionID string `json:"external_reference"`
	Title     string `json:"title"`
	Amount    int64  `json:"unit_amount"`
	Currency  string `json:"currency_id"`
}

type preferenceResponse struct {
	ID string `json:"id"`
}

// ChargeRequest описывает синхронную попытку списания по платёжному инструменту.
type ChargeRequest struct {
	SessionID string `json:"external_reference"`
	Amount    int64  `json:"transaction_amount"`
	Currency  string `json:"currency_id"`
	Token     string `json:"token"`
	Method    string `json:"payment_method_id"`
	Payer     string `json:"payer_email"`
}

// ChargeResult содержит немедленный результат попытки списания.
type ChargeResult struct {
	ExternalID string
	Status     Status
	Detail     string
}

// Payment описывает платёж шлюза, полученный по идентификатору из вебхука.
type Payment struct {
	ID        string
	SessionID string
	Status    Status
	Detail    string
}

type paymentResponse struct {
	ID                string `json:"id"`
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
	StatusDetail      string `json:"status_detail"`
}

// CreatePreference создаёт платёжное намерение для сессии и возвращает его
// идентификатор. Ключ идемпотентности предотвращает дубли при ретраях.
func (c *Client) CreatePreference(ctx context.Context, session *model.CheckoutSession, idempotencyKey string) (string, error) {
	if c == nil || c.baseURL == "" {
		return "", ErrNotConfigured
	}

	reqBody := PreferenceRequest{
		SessionID: session.ID,
		Title:     fmt.Sprintf("publication %s (%s)", session.Slug, session.Operation),
		Amount:    session.FinalAmount,
		Currency:  session.Currency,
	}

	var resp preferenceResponse
	if err := c.post(ctx, "/v1/preferences", idempotencyKey, reqBody, &resp); err != nil {
		return "", err
	}

	if resp.ID == "" {
		return "", fmt.Errorf("gateway returned empty preference id")
	}

	return resp.ID, nil
}

// Charge выполняет синхронную попытку списания и возвращает нормализованный результат.
func (c *Client) Charge(ctx context.Context, session *model.CheckoutSession, req ChargeRequest, idempotencyKey string) (*ChargeResult, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req.SessionID = session.ID
	req.Amount = session.FinalAmount
	req.Currency = session.Currency

	var resp paymentResponse
	if err := c.post(ctx, "/v1/payments", idempotencyKey, req, &resp); err != nil {
		return nil, err
	}

	status, err := StatusFromGateway(resp.Status)
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		ExternalID: resp.ID,
		Status:     status,
		Detail:     resp.StatusDetail,
	}, nil
}

// GetPayment запрашивает платёж по идентификатору из вебхука.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	url := fmt.Sprintf("%s/v1/payments/%s", c.base(), paymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("payment %s not found", paymentID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var pr paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	status, err := StatusFromGateway(pr.Status)
	if err != nil {
		return nil, err
	}

	return &Payment{
		ID:        pr.ID,
		SessionID: pr.ExternalReference,
		Status:    status,
		Detail:    pr.StatusDetail,
	}, nil
}

// StatusFromGateway сводит статус шлюза к внутреннему трёхзначному статусу.
func StatusFromGateway(raw string) (Status, error) {
	switch strings.ToLower(raw) {
	case "approved":
		return StatusApproved, nil
	case "rejected", "cancelled", "refunded", "charged_back":
		return StatusRejected, nil
	case "pending", "in_process", "in_mediation", "authorized":
		return StatusProcessing, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

func (c *Client) base() string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
