package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/repository"
)

// Finalize архивирует публикацию: метрики ответов снимаются в архивную
// запись, живой документ удаляется, черновик получает отметку finalized.
// Идемпотентна: повторный вызов для уже отсутствующей публикации возвращает
// AlreadyMissing без ошибки. Очистка хранилища артефактов — отдельная
// повторяемая фаза после фиксации документа: её сбой логируется и не
// откатывает переход.
func (s *Service) Finalize(ctx context.Context, slug, reason string) (*repository.FinalizeResult, error) {
	result, err := s.repo.FinalizePublication(ctx, slug, reason, s.now())
	if err != nil {
		return nil, err
	}

	if result.Finalized {
		if err := s.store.DeletePrefix(ctx, contentPrefixForSlug(slug)); err != nil {
			s.logger.Warn("cleanup artifacts after finalize",
				zap.String("slug", slug), zap.Error(err))
		}

		s.logger.Info("publication finalized",
			zap.String("slug", slug),
			zap.String("reason", reason),
			zap.String("history", result.HistoryID))
	}

	return result, nil
}
