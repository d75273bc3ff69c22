package service

import (
	"context"
	"fmt"

	"github.com/invitaly/publication-system/internal/model"
)

// LifecycleAction описывает ручную команду жизненного цикла публикации.
type LifecycleAction string

const (
	ActionPause            LifecycleAction = "pause"
	ActionResume           LifecycleAction = "resume"
	ActionMoveToTrash      LifecycleAction = "move_to_trash"
	ActionRestoreFromTrash LifecycleAction = "restore_from_trash"
)

// lifecycleEdges задаёт допустимые переходы: пауза только из active,
// возобновление только из paused, корзина только из paused, восстановление
// из корзины возвращает в paused.
var lifecycleEdges = map[LifecycleAction]struct {
	from model.PublicationState
	to   model.PublicationState
}{
	ActionPause:            {from: model.PublicationActive, to: model.PublicationPaused},
	ActionResume:           {from: model.PublicationPaused, to: model.PublicationActive},
	ActionMoveToTrash:      {from: model.PublicationPaused, to: model.PublicationTrash},
	ActionRestoreFromTrash: {from: model.PublicationTrash, to: model.PublicationPaused},
}

// TransitionPublication выполняет ручной переход жизненного цикла от имени
// владельца. Машина состояний обеспечивается условной записью: проигранная
// гонка или неподходящее исходное состояние дают ErrInvalidTransition.
func (s *Service) TransitionPublication(ctx context.Context, userID int64, slug string, action LifecycleAction) (*model.Publication, error) {
	edge, ok := lifecycleEdges[action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}

	pub, err := s.repo.GetPublication(ctx, slug)
	if err != nil {
		return nil, err
	}
	if pub.UserID != userID {
		return nil, ErrForbidden
	}

	if action == ActionResume && pub.Expired(s.now()) {
		return nil, ErrPublicationExpired
	}

	moved, err := s.repo.TransitionPublication(ctx, slug, userID, edge.from, edge.to, s.now())
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, pub.State)
	}

	return s.repo.GetPublication(ctx, slug)
}

// GetPublication возвращает публикацию её владельцу.
func (s *Service) GetPublication(ctx context.Context, userID int64, slug string) (*model.Publication, error) {
	pub, err := s.repo.GetPublication(ctx, slug)
	if err != nil {
		return nil, err
	}
	if pub.UserID != userID {
		return nil, ErrForbidden
	}
	return pub, nil
}

// DeletePublication архивирует публикацию по явному запросу владельца.
// Выход из жизненного цикла необратим: слаг освобождается, архивная запись
// с метриками ответов сохраняется.
func (s *Service) DeletePublication(ctx context.Context, userID int64, slug string) error {
	pub, err := s.repo.GetPublication(ctx, slug)
	if err != nil {
		return err
	}
	if pub.UserID != userID {
		return ErrForbidden
	}

	_, err = s.Finalize(ctx, slug, "deleted")
	return err
}
