package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
)

// Порог, после которого оплаченная, но не опубликованная сессия считается
// застрявшей. Живой промоут укладывается в секунды; минута отсекает сессии,
// которыми прямо сейчас занят другой участник.
const promotionStallThreshold = time.Minute

// SweepCounters содержит счётчики одного прохода фонового обхода.
type SweepCounters struct {
	Scanned int `json:"scanned"`
	Acted   int `json:"acted"`
	Failed  int `json:"failed"`
}

// SweepExpiredPublications архивирует партию публикаций с истёкшим сроком
// действия. Архивация идемпотентна, поэтому повторный проход по тому же
// слагу безопасен.
func (s *Service) SweepExpiredPublications(ctx context.Context, batch int) (*SweepCounters, error) {
	slugs, err := s.repo.ListExpiredPublications(ctx, s.now(), batch)
	if err != nil {
		return nil, err
	}

	counters := &SweepCounters{Scanned: len(slugs)}
	for _, slug := range slugs {
		result, err := s.Finalize(ctx, slug, "expired")
		if err != nil {
			counters.Failed++
			s.logger.Error("finalize expired publication", zap.String("slug", slug), zap.Error(err))
			continue
		}
		if result.Finalized {
			counters.Acted++
		}
	}

	return counters, nil
}

// ResumeStalledPromotions допубликовывает партию оплаченных сессий, застрявших
// в payment_approved или publishing: после сорвавшегося рендера либо падения
// процесса посреди публикации. Повторного списания не происходит.
func (s *Service) ResumeStalledPromotions(ctx context.Context, batch int) (*SweepCounters, error) {
	now := s.now()
	ids, err := s.repo.ListStalledPromotions(ctx, now.Add(-promotionStallThreshold), now, batch)
	if err != nil {
		return nil, err
	}

	counters := &SweepCounters{Scanned: len(ids)}
	for _, id := range ids {
		// Упавший посреди publishing процесс оставляет сессию в publishing;
		// охраняемый возврат в payment_approved безопасен — живой участник
		// за порог давности уже ушёл бы дальше.
		if _, err := s.repo.TransitionSession(ctx, id,
			[]model.SessionStatus{model.SessionPublishing}, model.SessionPaymentApproved,
			repository.SessionUpdate{}); err != nil {
			counters.Failed++
			s.logger.Error("recover publishing session", zap.String("session", id), zap.Error(err))
			continue
		}

		if err := s.promoteApproved(ctx, id); err != nil && !errors.Is(err, repository.ErrSlugTaken) {
			counters.Failed++
			s.logger.Error("resume stalled promotion", zap.String("session", id), zap.Error(err))
			continue
		}
		counters.Acted++
	}

	return counters, nil
}

// SweepTrash безвозвратно удаляет партию публикаций из корзины, чьё окно
// восстановления истекло: документ, ответы, удержание слага, ссылку
// черновика и артефакты хранилища.
func (s *Service) SweepTrash(ctx context.Context, batch int) (*SweepCounters, error) {
	candidates, err := s.repo.ListPurgeablePublications(ctx, s.now(), s.cfg.Retention, batch)
	if err != nil {
		return nil, err
	}

	counters := &SweepCounters{Scanned: len(candidates)}
	for _, c := range candidates {
		if err := s.repo.PurgePublication(ctx, c.Slug); err != nil {
			counters.Failed++
			s.logger.Error("purge trashed publication", zap.String("slug", c.Slug), zap.Error(err))
			continue
		}

		// Документ уже удалён; очистка хранилища — отдельная повторяемая фаза.
		if err := s.store.DeletePrefix(ctx, contentPrefixForSlug(c.Slug)); err != nil {
			s.logger.Warn("cleanup artifacts after purge", zap.String("slug", c.Slug), zap.Error(err))
		}

		counters.Acted++
	}

	return counters, nil
}

// StartSweepers запускает периодические обходы: архивацию просроченных
// публикаций, чистку корзины и хозяйственное истечение сессий и удержаний.
func (s *Service) StartSweepers(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runSweepPass(ctx)
			}
		}
	}()
}

func (s *Service) runSweepPass(ctx context.Context) {
	batch := s.cfg.SweepBatchSize

	if counters, err := s.SweepExpiredPublications(ctx, batch); err != nil {
		s.logger.Error("sweep expired publications", zap.Error(err))
	} else if counters.Scanned > 0 {
		s.logger.Info("sweep expired publications",
			zap.Int("scanned", counters.Scanned),
			zap.Int("acted", counters.Acted),
			zap.Int("failed", counters.Failed))
	}

	if counters, err := s.ResumeStalledPromotions(ctx, batch); err != nil {
		s.logger.Error("resume stalled promotions", zap.Error(err))
	} else if counters.Scanned > 0 {
		s.logger.Info("resume stalled promotions",
			zap.Int("scanned", counters.Scanned),
			zap.Int("acted", counters.Acted),
			zap.Int("failed", counters.Failed))
	}

	if counters, err := s.SweepTrash(ctx, batch); err != nil {
		s.logger.Error("sweep trash", zap.Error(err))
	} else if counters.Scanned > 0 {
		s.logger.Info("sweep trash",
			zap.Int("scanned", counters.Scanned),
			zap.Int("acted", counters.Acted),
			zap.Int("failed", counters.Failed))
	}

	// Страховка к ленивому истечению при чтении: сессии, которые никто не
	// перечитал, и просроченные удержания слагов.
	if expired, err := s.repo.ExpireStaleSessions(ctx, s.now(), batch); err != nil {
		s.logger.Error("expire stale sessions", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("expire stale sessions", zap.Int64("expired", expired))
	}

	if marked, err := s.repo.MarkExpiredReservations(ctx, s.now(), batch); err != nil {
		s.logger.Error("mark expired reservations", zap.Error(err))
	} else if marked > 0 {
		s.logger.Info("mark expired reservations", zap.Int64("marked", marked))
	}
}
