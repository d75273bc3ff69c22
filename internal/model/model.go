// Package model содержит доменные сущности сервиса публикации приглашений.
package model

import (
	"encoding/json"
	"time"
)

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	IsAdmin      bool
	CreatedAt    time.Time
}

// CheckoutOperation описывает вид платной операции над черновиком.
type CheckoutOperation string

const (
	OperationNew    CheckoutOperation = "new"
	OperationUpdate CheckoutOperation = "update"
)

// Valid сообщает, является ли значение операции допустимым.
func (op CheckoutOperation) Valid() bool {
	return op == OperationNew || op == OperationUpdate
}

// SessionStatus описывает состояние сессии оплаты публикации.
type SessionStatus string

const (
	SessionAwaitingPayment   SessionStatus = "awaiting_payment"
	SessionPaymentProcessing SessionStatus = "payment_processing"
	SessionPaymentApproved   SessionStatus = "payment_approved"
	SessionPublishing        SessionStatus = "publishing"
	SessionPublished         SessionStatus = "published"
	SessionPaymentRejected   SessionStatus = "payment_rejected"
	SessionSlugConflict      SessionStatus = "approved_slug_conflict"
	SessionExpired           SessionStatus = "expired"
)

// Terminal сообщает, что сессия достигла конечного состояния и больше не
// изменяется платёжными событиями и ленивым истечением. Конфликт слага
// оплачен, поэтому из терминала его выводит только явный повтор с новым
// слагом; срок сессии на него не действует.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionPublished, SessionPaymentRejected, SessionExpired, SessionSlugConflict:
		return true
	}
	return false
}

// Receipt содержит снимок результата успешной публикации, сохраняемый в сессии.
type Receipt struct {
	Slug        string    `json:"slug"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// CheckoutSession описывает одну попытку покупки публикации.
// Суммы хранятся в минорных единицах валюты.
type CheckoutSession struct {
	ID             string
	UserID         int64
	DraftID        int64
	Operation      CheckoutOperation
	Slug           string
	BaseAmount     int64
	DiscountAmount int64
	FinalAmount    int64
	Currency       string
	DiscountCode   *string
	PreferenceID   *string
	PaymentID      *string
	Status         SessionStatus
	ExpiresAt      time.Time
	LastError      *string
	Receipt        *Receipt
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReservationStatus описывает состояние эксклюзивного удержания слага.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// SlugReservation описывает временное эксклюзивное удержание публичного слага
// на время оплаты. Просроченное удержание считается свободным для всех читателей.
type SlugReservation struct {
	Slug      string
	UserID    int64
	DraftID   int64
	SessionID string
	Status    ReservationStatus
	ExpiresAt time.Time
	CreatedAt time.Time
}

// DiscountType описывает тип скидки промокода.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// DiscountApplicability описывает, к каким операциям применим промокод.
type DiscountApplicability string

const (
	AppliesToNew    DiscountApplicability = "new"
	AppliesToUpdate DiscountApplicability = "update"
	AppliesToBoth   DiscountApplicability = "both"
)

// DiscountCode описывает промокод, управляемый администратором.
type DiscountCode struct {
	Code            string
	Active          bool
	Type            DiscountType
	Value           int64
	AppliesTo       DiscountApplicability
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	MaxRedemptions  *int64
	RedemptionCount int64
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DiscountUsage описывает факт применения промокода в опубликованной сессии.
// Ключом служит идентификатор сессии, что гарантирует однократный учёт.
type DiscountUsage struct {
	SessionID string
	Code      string
	Amount    int64
	UsedAt    time.Time
}

// PublicationState описывает публичное состояние живой публикации.
type PublicationState string

const (
	PublicationActive PublicationState = "active"
	PublicationPaused PublicationState = "paused"
	PublicationTrash  PublicationState = "trash"
)

// Publication описывает живой публично доступный артефакт приглашения.
type Publication struct {
	Slug             string
	UserID           int64
	DraftID          int64
	ContentKey       string
	State            PublicationState
	FirstPublishedAt time.Time
	ExpiresAt        time.Time
	RepublishedAt    *time.Time
	PausedAt         *time.Time
	TrashedAt        *time.Time
}

// Expired сообщает, истёк ли срок действия публикации на момент now.
func (p *Publication) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// ResponseMetrics содержит агрегированные счётчики ответов гостей,
// фиксируемые при архивации публикации.
type ResponseMetrics struct {
	Total           int64 `json:"total"`
	Attending       int64 `json:"attending"`
	Declined        int64 `json:"declined"`
	ConfirmedGuests int64 `json:"confirmed_guests"`
	SpecialMenu     int64 `json:"special_menu"`
	NeedsTransport  int64 `json:"needs_transport"`
}

// PublicationHistory описывает неизменяемую архивную запись завершённой
// публикации. Запись создаётся ровно один раз на пару (слаг, время первой
// публикации).
type PublicationHistory struct {
	Slug             string
	FirstPublishedAt time.Time
	UserID           int64
	DraftID          int64
	Reason           string
	Metrics          ResponseMetrics
	FinalizedAt      time.Time
}

// Draft описывает черновик приглашения. Черновиком владеет подсистема
// редактора; сервис публикации читает содержимое и обновляет только ссылку
// на жизненный цикл публикации.
type Draft struct {
	ID                  int64
	UserID              int64
	Content             json.RawMessage
	PublicSlug          *string
	PubState            *string
	PubFirstPublishedAt *time.Time
	PubLastPublishedAt  *time.Time
	PubExpiresAt        *time.Time
}

// GuestResponse описывает один ответ гостя на приглашение. Используется
// только на чтение при подсчёте метрик архивации.
type GuestResponse struct {
	Slug        string
	Attending   bool
	GuestCount  int64
	SpecialMenu bool
	Transport   bool
	CreatedAt   time.Time
}

// legacyPublication используется только для нормализации документов старого
// формата, где время первой публикации хранилось в поле published_at.
type legacyPublication struct {
	Slug             string     `json:"slug"`
	PublishedAt      *time.Time `json:"published_at"`
	FirstPublishedAt *time.Time `json:"first_published_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

// NormalizeLegacyPublication разбирает внешний JSON-документ публикации и
// сводит устаревшее поле published_at к каноническому first_published_at.
// Используется только на границе чтения внешних данных.
func NormalizeLegacyPublication(raw []byte) (slug string, firstPublishedAt, expiresAt *time.Time, err error) {
	var doc legacyPublication
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, nil, err
	}

	first := doc.FirstPublishedAt
	if first == nil {
		first = doc.PublishedAt
	}

	return doc.Slug, first, doc.ExpiresAt, nil
}
