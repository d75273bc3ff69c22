package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
)

// promoteApproved переводит одобренную сессию в publishing и выполняет
// промоут черновика в живую публикацию. Проигранная гонка за слаг переводит
// сессию в approved_slug_conflict и освобождает устаревшее удержание;
// дальнейший ход — только явный повтор с новым слагом.
func (s *Service) promoteApproved(ctx context.Context, sessionID string) error {
	moved, err := s.repo.TransitionSession(ctx, sessionID,
		[]model.SessionStatus{model.SessionPaymentApproved}, model.SessionPublishing,
		repository.SessionUpdate{})
	if err != nil {
		return err
	}
	if !moved {
		// Публикацией уже занят другой участник гонки.
		return nil
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := s.promote(ctx, session); err != nil {
		if errors.Is(err, repository.ErrSlugTaken) {
			return s.enterSlugConflict(ctx, session)
		}

		// Прочие сбои откатывают сессию в payment_approved: оплата не
		// теряется, публикацию можно повторить.
		msg := err.Error()
		if _, trErr := s.repo.TransitionSession(ctx, sessionID,
			[]model.SessionStatus{model.SessionPublishing}, model.SessionPaymentApproved,
			repository.SessionUpdate{LastError: &msg}); trErr != nil {
			s.logger.Error("rollback to approved", zap.String("session", sessionID), zap.Error(trErr))
		}
		return err
	}

	return nil
}

// promote рендерит черновик, сохраняет артефакт и атомарно записывает
// публикацию. Владение и правила слага проверяются повторно внутри той же
// условной записи, что и сама мутация.
func (s *Service) promote(ctx context.Context, session *model.CheckoutSession) error {
	draft, err := s.repo.GetDraft(ctx, session.DraftID)
	if err != nil {
		return err
	}
	if draft.UserID != session.UserID {
		return ErrForbidden
	}

	// Просроченную публикацию на целевом слаге сперва архивируем, затем
	// правила владения перепроверяются внутри транзакции промоута.
	existing, err := s.repo.GetPublication(ctx, session.Slug)
	if err != nil && !errors.Is(err, repository.ErrPublicationNotFound) {
		return err
	}
	if existing != nil && existing.Expired(s.now()) {
		if _, err := s.Finalize(ctx, session.Slug, "expired"); err != nil {
			return err
		}
	}

	artifact, err := s.renderer.Render(ctx, draft)
	if err != nil {
		return fmt.Errorf("render publication: %w", err)
	}

	contentKey := contentKeyForSlug(session.Slug)
	if err := s.store.Put(ctx, contentKey, artifact); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	var discountValue int64
	if session.DiscountCode != nil {
		discountValue = session.DiscountAmount
	}

	_, err = s.repo.PromotePublication(ctx, repository.PromoteParams{
		SessionID:     session.ID,
		UserID:        session.UserID,
		DraftID:       session.DraftID,
		Operation:     session.Operation,
		Slug:          session.Slug,
		ContentKey:    contentKey,
		PublicURL:     s.publicURL(session.Slug),
		DiscountCode:  session.DiscountCode,
		DiscountValue: discountValue,
		VigencyWindow: s.cfg.VigencyWindow,
		Now:           s.now(),
	})
	if err != nil {
		return err
	}

	s.logger.Info("publication promoted",
		zap.String("session", session.ID),
		zap.String("slug", session.Slug),
		zap.String("operation", string(session.Operation)))

	return nil
}

func (s *Service) enterSlugConflict(ctx context.Context, session *model.CheckoutSession) error {
	msg := repository.ErrSlugTaken.Error()
	if _, err := s.repo.TransitionSession(ctx, session.ID,
		[]model.SessionStatus{model.SessionPublishing}, model.SessionSlugConflict,
		repository.SessionUpdate{LastError: &msg}); err != nil {
		return err
	}

	if err := s.repo.ReleaseSlug(ctx, session.Slug, session.ID, model.ReservationReleased); err != nil {
		s.logger.Warn("release stale reservation",
			zap.String("session", session.ID), zap.String("slug", session.Slug), zap.Error(err))
	}

	return repository.ErrSlugTaken
}

func (s *Service) publicURL(slug string) string {
	return fmt.Sprintf("%s/%s", s.baseURL, slug)
}

func contentKeyForSlug(slug string) string {
	return fmt.Sprintf("pub/%s/index.html", slug)
}

func contentPrefixForSlug(slug string) string {
	return fmt.Sprintf("pub/%s", slug)
}
