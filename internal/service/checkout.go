package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/discount"
	"github.com/invitaly/publication-system/internal/gateway"
	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
	"github.com/invitaly/publication-system/internal/validation"
)

// CreateCheckoutRequest описывает запрос на создание сессии оплаты.
type CreateCheckoutRequest struct {
	UserID       int64
	DraftID      int64
	Operation    model.CheckoutOperation
	Slug         string
	DiscountCode string
}

// CreateCheckout создаёт сессию оплаты: проверяет владение черновиком,
// рассчитывает цену, удерживает слаг (для new) или берёт активный слаг
// черновика (для update) и создаёт платёжное намерение в шлюзе. Полностью
// скидочная сессия — явная бесплатная ветка: шлюз не вызывается, сессия
// автоматически одобряется и публикуется.
func (s *Service) CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (*model.CheckoutSession, error) {
	if !s.cfg.Enabled {
		return nil, ErrCheckoutDisabled
	}
	if !req.Operation.Valid() {
		return nil, ErrInvalidOperation
	}

	draft, err := s.repo.GetDraft(ctx, req.DraftID)
	if err != nil {
		return nil, err
	}
	if draft.UserID != req.UserID {
		return nil, ErrForbidden
	}

	quote, err := s.resolveQuote(ctx, req.Operation, req.DiscountCode)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	now := s.now()

	slug := req.Slug
	switch req.Operation {
	case model.OperationNew:
		if !validation.IsValidSlug(slug) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
		}
		if err := s.reserveForNew(ctx, slug, req.UserID, req.DraftID, sessionID); err != nil {
			return nil, err
		}
	case model.OperationUpdate:
		slug, err = s.resolveActiveSlug(ctx, draft)
		if err != nil {
			return nil, err
		}
	}

	session := &model.CheckoutSession{
		ID:             sessionID,
		UserID:         req.UserID,
		DraftID:        req.DraftID,
		Operation:      req.Operation,
		Slug:           slug,
		BaseAmount:     quote.BaseAmount,
		DiscountAmount: quote.DiscountAmount,
		FinalAmount:    quote.FinalAmount,
		Currency:       s.cfg.Currency,
		Status:         model.SessionAwaitingPayment,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
	}
	if quote.Code != "" {
		code := quote.Code
		session.DiscountCode = &code
	}

	if session.FinalAmount > 0 {
		preferenceID, err := s.gw.CreatePreference(ctx, session, preferenceIdempotencyKey(session.ID))
		if err != nil {
			s.releaseAfterFailure(ctx, session)
			return nil, fmt.Errorf("create payment preference: %w", err)
		}
		session.PreferenceID = &preferenceID
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		s.releaseAfterFailure(ctx, session)
		return nil, err
	}

	if session.FinalAmount == 0 {
		return s.approveFreeCheckout(ctx, session)
	}

	return session, nil
}

func (s *Service) resolveQuote(ctx context.Context, op model.CheckoutOperation, code string) (*discount.Quote, error) {
	base := s.cfg.PriceNew
	if op == model.OperationUpdate {
		base = s.cfg.PriceUpdate
	}

	var dc *model.DiscountCode
	if code != "" {
		var err error
		dc, err = s.repo.GetDiscountCode(ctx, code)
		if err != nil {
			return nil, err
		}
	}

	return discount.Resolve(op, base, dc, s.now())
}

// reserveForNew проверяет доступность слага и атомарно удерживает его.
// Просроченная публикация на слаге сперва архивируется, затем удержание
// повторяется.
func (s *Service) reserveForNew(ctx context.Context, slug string, userID, draftID int64, sessionID string) error {
	pub, err := s.repo.GetPublication(ctx, slug)
	if err != nil && !errors.Is(err, repository.ErrPublicationNotFound) {
		return err
	}
	if pub != nil && pub.Expired(s.now()) {
		if _, err := s.Finalize(ctx, slug, "expired"); err != nil {
			return err
		}
	}

	return s.repo.ReserveSlug(ctx, repository.ReserveParams{
		Slug:      slug,
		UserID:    userID,
		DraftID:   draftID,
		SessionID: sessionID,
		TTL:       s.cfg.ReservationTTL,
		Now:       s.now(),
	})
}

// resolveActiveSlug возвращает активный публичный слаг черновика для операции
// update; просроченная или отсутствующая публикация — отказ.
func (s *Service) resolveActiveSlug(ctx context.Context, draft *model.Draft) (string, error) {
	if draft.PublicSlug == nil || *draft.PublicSlug == "" {
		return "", ErrNoActivePublication
	}

	pub, err := s.repo.GetPublication(ctx, *draft.PublicSlug)
	if err != nil {
		if errors.Is(err, repository.ErrPublicationNotFound) {
			return "", ErrNoActivePublication
		}
		return "", err
	}

	if pub.Expired(s.now()) {
		if _, err := s.Finalize(ctx, pub.Slug, "expired"); err != nil {
			return "", err
		}
		return "", ErrNoActivePublication
	}

	if pub.DraftID != draft.ID {
		return "", fmt.Errorf("%w: slug %s", repository.ErrWrongDraft, pub.Slug)
	}

	return pub.Slug, nil
}

func (s *Service) releaseAfterFailure(ctx context.Context, session *model.CheckoutSession) {
	if session.Operation != model.OperationNew {
		return
	}
	if err := s.repo.ReleaseSlug(ctx, session.Slug, session.ID, model.ReservationReleased); err != nil {
		s.logger.Warn("release reservation after failure",
			zap.String("slug", session.Slug), zap.Error(err))
	}
}

// approveFreeCheckout одобряет полностью скидочную сессию без участия шлюза
// и сразу публикует её.
func (s *Service) approveFreeCheckout(ctx context.Context, session *model.CheckoutSession) (*model.CheckoutSession, error) {
	moved, err := s.repo.TransitionSession(ctx, session.ID,
		[]model.SessionStatus{model.SessionAwaitingPayment},
		model.SessionPaymentApproved, repository.SessionUpdate{})
	if err != nil {
		return nil, err
	}
	if moved {
		if err := s.promoteApproved(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrSlugTaken) {
			return nil, err
		}
	}

	return s.repo.GetSession(ctx, session.ID)
}

// Pay выполняет синхронную попытку оплаты сессии. Повторный вызов для
// терминальной сессии возвращает сохранённый исход без обращения к шлюзу.
func (s *Service) Pay(ctx context.Context, sessionID string, userID int64, instrument gateway.ChargeRequest) (*model.CheckoutSession, error) {
	session, err := s.getSessionWithExpiry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrForbidden
	}

	if session.Status.Terminal() {
		return session, nil
	}

	// Оплата уже прошла, но публикация сорвалась или процесс упал посреди
	// неё: повтор Pay допубликовывает без повторного списания.
	if session.Status == model.SessionPaymentApproved {
		if err := s.promoteApproved(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrSlugTaken) {
			return nil, err
		}
		return s.repo.GetSession(ctx, sessionID)
	}

	if session.Status != model.SessionAwaitingPayment && session.Status != model.SessionPaymentProcessing {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotPayable, session.Status)
	}

	result, err := s.gw.Charge(ctx, session, instrument, chargeIdempotencyKey(session.ID))
	if err != nil {
		if setErr := s.repo.SetSessionError(ctx, sessionID, err.Error()); setErr != nil {
			s.logger.Warn("set session error", zap.String("session", sessionID), zap.Error(setErr))
		}
		return nil, fmt.Errorf("gateway charge: %w", err)
	}

	if err := s.applyPaymentOutcome(ctx, session, result.ExternalID, result.Status, result.Detail); err != nil {
		return nil, err
	}

	return s.repo.GetSession(ctx, sessionID)
}

// IngestWebhook обрабатывает асинхронное уведомление шлюза о платеже.
// Идемпотентна к повторной доставке: терминальная сессия не изменяется,
// возвращается сохранённый исход.
func (s *Service) IngestWebhook(ctx context.Context, paymentID string) (*model.CheckoutSession, error) {
	payment, err := s.gw.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment: %w", err)
	}

	sessionID := payment.SessionID
	if sessionID == "" {
		// Ответ шлюза может не нести external_reference; платёж разыскивается
		// по идентификатору, записанному в сессию при списании.
		found, err := s.repo.GetSessionByPaymentID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		sessionID = found.ID
	}

	session, err := s.getSessionWithExpiry(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status.Terminal() {
		return session, nil
	}

	if err := s.applyPaymentOutcome(ctx, session, payment.ID, payment.Status, payment.Detail); err != nil {
		return nil, err
	}

	return s.repo.GetSession(ctx, session.ID)
}

// applyPaymentOutcome сводит нормализованный статус шлюза к переходу машины
// состояний. Все переходы защищены проверкой исходного статуса, поэтому
// дубликат вебхука или параллельное синхронное подтверждение не может
// опубликовать или списать дважды.
func (s *Service) applyPaymentOutcome(ctx context.Context, session *model.CheckoutSession, externalID string, status gateway.Status, detail string) error {
	payable := []model.SessionStatus{model.SessionAwaitingPayment, model.SessionPaymentProcessing}
	upd := repository.SessionUpdate{PaymentID: &externalID}

	switch status {
	case gateway.StatusApproved:
		moved, err := s.repo.TransitionSession(ctx, session.ID, payable, model.SessionPaymentApproved, upd)
		if err != nil {
			return err
		}
		if !moved {
			// Сессия могла застрять в payment_approved после сорвавшейся
			// публикации; повторная доставка исхода возобновляет промоут.
			current, err := s.repo.GetSession(ctx, session.ID)
			if err != nil {
				return err
			}
			if current.Status != model.SessionPaymentApproved {
				return nil
			}
		}
		if err := s.promoteApproved(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrSlugTaken) {
			return err
		}
		return nil

	case gateway.StatusRejected:
		upd.LastError = &detail
		_, err := s.repo.TransitionSession(ctx, session.ID, payable, model.SessionPaymentRejected, upd)
		if err != nil {
			return err
		}
		// Отказ — терминал: удержание слага больше не нужно.
		if session.Operation == model.OperationNew {
			if err := s.repo.ReleaseSlug(ctx, session.Slug, session.ID, model.ReservationReleased); err != nil {
				s.logger.Warn("release reservation after rejection",
					zap.String("session", session.ID), zap.Error(err))
			}
		}
		return nil

	case gateway.StatusProcessing:
		_, err := s.repo.TransitionSession(ctx, session.ID,
			[]model.SessionStatus{model.SessionAwaitingPayment}, model.SessionPaymentProcessing, upd)
		return err

	default:
		return fmt.Errorf("%w: %q", gateway.ErrUnknownStatus, status)
	}
}

// GetCheckout возвращает сессию владельца с ленивым истечением.
func (s *Service) GetCheckout(ctx context.Context, sessionID string, userID int64) (*model.CheckoutSession, error) {
	session, err := s.getSessionWithExpiry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrForbidden
	}
	return session, nil
}

// RetrySlugConflict повторяет публикацию одобренной сессии с новым слагом
// после проигранной гонки. Пользователь повторно не оплачивает.
func (s *Service) RetrySlugConflict(ctx context.Context, sessionID string, userID int64, newSlug string) (*model.CheckoutSession, error) {
	session, err := s.getSessionWithExpiry(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrForbidden
	}
	if session.Status != model.SessionSlugConflict {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotRetryable, session.Status)
	}
	if !validation.IsValidSlug(newSlug) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSlug, newSlug)
	}

	if err := s.reserveForNew(ctx, newSlug, session.UserID, session.DraftID, session.ID); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateSessionSlug(ctx, sessionID, newSlug); err != nil {
		return nil, err
	}

	moved, err := s.repo.TransitionSession(ctx, sessionID,
		[]model.SessionStatus{model.SessionSlugConflict}, model.SessionPaymentApproved, repository.SessionUpdate{})
	if err != nil {
		return nil, err
	}
	if moved {
		if err := s.promoteApproved(ctx, sessionID); err != nil && !errors.Is(err, repository.ErrSlugTaken) {
			return nil, err
		}
	}

	return s.repo.GetSession(ctx, sessionID)
}

// AvailabilityResult описывает исход проверки доступности слага.
type AvailabilityResult struct {
	Available bool
	Reason    string
}

// CheckSlugAvailability сообщает, свободен ли слаг для пары (пользователь,
// черновик). Просроченная публикация на слаге архивируется побочным эффектом,
// после чего слаг снова доступен.
func (s *Service) CheckSlugAvailability(ctx context.Context, slug string, userID, draftID int64) (*AvailabilityResult, error) {
	if !validation.IsValidSlug(slug) {
		return &AvailabilityResult{Available: false, Reason: "invalid slug"}, nil
	}

	pub, err := s.repo.GetPublication(ctx, slug)
	if err != nil && !errors.Is(err, repository.ErrPublicationNotFound) {
		return nil, err
	}
	if pub != nil {
		if !pub.Expired(s.now()) {
			return &AvailabilityResult{Available: false, Reason: "slug is owned by a live publication"}, nil
		}
		if _, err := s.Finalize(ctx, slug, "expired"); err != nil {
			return nil, err
		}
	}

	res, err := s.repo.GetReservation(ctx, slug)
	if err != nil {
		return nil, err
	}
	if res != nil &&
		res.Status == model.ReservationActive &&
		res.ExpiresAt.After(s.now()) &&
		(res.UserID != userID || res.DraftID != draftID) {
		return &AvailabilityResult{Available: false, Reason: "slug is reserved by another checkout"}, nil
	}

	return &AvailabilityResult{Available: true}, nil
}

// Ключи идемпотентности шлюза выводятся из идентификатора сессии: повтор
// вызова после сетевого сбоя несёт тот же ключ, и шлюз схлопывает его
// с первой попыткой вместо второго списания.
func chargeIdempotencyKey(sessionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("charge:"+sessionID)).String()
}

func preferenceIdempotencyKey(sessionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("preference:"+sessionID)).String()
}

// getSessionWithExpiry читает сессию и лениво переводит просроченную
// нетерминальную сессию в expired, освобождая её удержание.
func (s *Service) getSessionWithExpiry(ctx context.Context, sessionID string) (*model.CheckoutSession, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !session.Status.Terminal() && s.now().After(session.ExpiresAt) {
		if _, err := s.repo.ExpireSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return s.repo.GetSession(ctx, sessionID)
	}

	return session, nil
}
