// Package service реализует бизнес-логику платного цикла публикации:
// сессии оплаты, удержание слагов, промоут черновика, жизненный цикл и
// архивацию публикаций.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/config"
	"github.com/invitaly/publication-system/internal/gateway"
	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/render"
	"github.com/invitaly/publication-system/internal/repository"
)

// ErrCheckoutDisabled возвращается, когда платный цикл выключен конфигурацией.
var (
	ErrCheckoutDisabled = errors.New("checkout is disabled")
	// ErrForbidden возвращается при обращении к чужому ресурсу.
	ErrForbidden = errors.New("operation not allowed for this user")
	// ErrInvalidSlug возвращается для синтаксически некорректного слага.
	ErrInvalidSlug = errors.New("invalid slug")
	// ErrInvalidOperation возвращается для неизвестной операции покупки.
	ErrInvalidOperation = errors.New("invalid checkout operation")
	// ErrNoActivePublication возвращается, если у черновика нет живой публикации для обновления.
	ErrNoActivePublication = errors.New("draft has no active publication")
	// ErrInvalidTransition возвращается для недопустимого перехода жизненного цикла.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrPublicationExpired возвращается при возобновлении просроченной публикации.
	ErrPublicationExpired = errors.New("publication expired")
	// ErrSessionNotPayable возвращается при попытке оплатить сессию в неподходящем статусе.
	ErrSessionNotPayable = errors.New("session is not payable in its current status")
	// ErrSessionNotRetryable возвращается при повторе слага вне статуса конфликта.
	ErrSessionNotRetryable = errors.New("session is not awaiting a slug retry")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidDiscountCode возвращается при некорректных параметрах промокода.
	ErrInvalidDiscountCode = errors.New("invalid discount code")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)

	GetDraft(ctx context.Context, id int64) (*model.Draft, error)

	CreateSession(ctx context.Context, s *model.CheckoutSession) error
	GetSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	GetSessionByPaymentID(ctx context.Context, paymentID string) (*model.CheckoutSession, error)
	TransitionSession(ctx context.Context, id string, from []model.SessionStatus, to model.SessionStatus, upd repository.SessionUpdate) (bool, error)
	ExpireSession(ctx context.Context, id string) (bool, error)
	ExpireStaleSessions(ctx context.Context, now time.Time, limit int) (int64, error)
	ListStalledPromotions(ctx context.Context, stalledBefore, now time.Time, limit int) ([]string, error)
	SetSessionError(ctx context.Context, id, message string) error
	UpdateSessionSlug(ctx context.Context, id, slug string) error

	ReserveSlug(ctx context.Context, p repository.ReserveParams) error
	ReleaseSlug(ctx context.Context, slug, sessionID string, next model.ReservationStatus) error
	GetReservation(ctx context.Context, slug string) (*model.SlugReservation, error)
	MarkExpiredReservations(ctx context.Context, now time.Time, limit int) (int64, error)

	GetPublication(ctx context.Context, slug string) (*model.Publication, error)
	PromotePublication(ctx context.Context, p repository.PromoteParams) (*model.Publication, error)
	TransitionPublication(ctx context.Context, slug string, userID int64, from, to model.PublicationState, now time.Time) (bool, error)
	FinalizePublication(ctx context.Context, slug, reason string, now time.Time) (*repository.FinalizeResult, error)
	ListExpiredPublications(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListPurgeablePublications(ctx context.Context, now time.Time, retention time.Duration, limit int) ([]repository.PurgeCandidate, error)
	PurgePublication(ctx context.Context, slug string) error

	CreateDiscountCode(ctx context.Context, c *model.DiscountCode) error
	UpdateDiscountCode(ctx context.Context, c *model.DiscountCode) error
	GetDiscountCode(ctx context.Context, code string) (*model.DiscountCode, error)
	ListDiscountCodes(ctx context.Context) ([]repository.DiscountCodeStats, error)
	ListDiscountUsages(ctx context.Context, code string) ([]model.DiscountUsage, error)
}

// Gateway описывает контракт платёжного шлюза, используемый сервисом.
type Gateway interface {
	CreatePreference(ctx context.Context, session *model.CheckoutSession, idempotencyKey string) (string, error)
	Charge(ctx context.Context, session *model.CheckoutSession, req gateway.ChargeRequest, idempotencyKey string) (*gateway.ChargeResult, error)
	GetPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
}

// Service содержит бизнес-логику сервиса публикаций.
type Service struct {
	repo     Repository
	gw       Gateway
	renderer render.Renderer
	store    render.ArtifactStore
	cfg      config.Checkout
	baseURL  string
	logger   *zap.Logger

	nowFunc func() time.Time
}

// NewService создаёт сервис с указанными коллабораторами и неизменяемой
// конфигурацией платного цикла.
func NewService(repo Repository, gw Gateway, renderer render.Renderer, store render.ArtifactStore, cfg config.Checkout, baseURL string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		gw:       gw,
		renderer: renderer,
		store:    store,
		cfg:      cfg,
		baseURL:  baseURL,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.nowFunc()
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateUser(ctx, login, hashed)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

// RequireAdmin возвращает ErrForbidden, если пользователь не администратор.
func (s *Service) RequireAdmin(ctx context.Context, userID int64) error {
	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.IsAdmin {
		return ErrForbidden
	}
	return nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}
