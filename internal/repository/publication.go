package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/invitaly/publication-system/internal/model"
)

// GetPublication возвращает живую публикацию по слагу.
func (r *PostgresRepository) GetPublication(ctx context.Context, slug string) (*model.Publication, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT slug, user_id, draft_id, content_key, state,
		        first_published_at, expires_at, republished_at, paused_at, trashed_at
		 FROM publications WHERE slug = $1`,
		slug,
	)

	return scanPublication(row)
}

func scanPublication(row pgx.Row) (*model.Publication, error) {
	var (
		p     model.Publication
		state string
	)
	err := row.Scan(&p.Slug, &p.UserID, &p.DraftID, &p.ContentKey, &state,
		&p.FirstPublishedAt, &p.ExpiresAt, &p.RepublishedAt, &p.PausedAt, &p.TrashedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPublicationNotFound
		}
		return nil, fmt.Errorf("scan publication: %w", err)
	}

	p.State = model.PublicationState(state)
	return &p, nil
}

// PromoteParams описывает атомарное превращение черновика в живую публикацию.
type PromoteParams struct {
	SessionID     string
	UserID        int64
	DraftID       int64
	Operation     model.CheckoutOperation
	Slug          string
	ContentKey    string
	PublicURL     string
	DiscountCode  *string
	DiscountValue int64
	VigencyWindow time.Duration
	Now           time.Time
}

// PromotePublication в одной транзакции повторно проверяет правила владения
// слагом, создаёт или обновляет публикацию, помечает удержание consumed,
// однократно учитывает промокод, записывает чек в сессию и обновляет ссылку
// жизненного цикла в черновике. При проигранной гонке за слаг возвращает
// ErrSlugTaken; обработка удержания в этом случае остаётся на вызывающем.
func (r *PostgresRepository) PromotePublication(ctx context.Context, p PromoteParams) (*model.Publication, error) {
	var result *model.Publication

	err := r.withRetry(ctx, func(ctx context.Context) error {
		result = nil

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		existing, err := lockPublication(ctx, tx, p.Slug)
		if err != nil {
			return err
		}

		switch p.Operation {
		case model.OperationNew:
			// Между одобрением оплаты и промоутом слаг мог занять другой
			// покупатель. Просроченную публикацию вызывающий архивирует
			// до повторной попытки.
			if existing != nil {
				return ErrSlugTaken
			}
		case model.OperationUpdate:
			if existing == nil {
				return ErrPublicationNotFound
			}
			if existing.DraftID != p.DraftID {
				return ErrWrongDraft
			}
			if existing.State == model.PublicationTrash {
				return ErrPublicationTrashed
			}
		default:
			return fmt.Errorf("unknown operation: %s", p.Operation)
		}

		pub := buildPublication(existing, p)

		_, err = tx.Exec(ctx,
			`INSERT INTO publications
			   (slug, user_id, draft_id, content_key, state,
			    first_published_at, expires_at, republished_at, paused_at, trashed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (slug) DO UPDATE
			 SET user_id = EXCLUDED.user_id,
			     draft_id = EXCLUDED.draft_id,
			     content_key = EXCLUDED.content_key,
			     state = EXCLUDED.state,
			     first_published_at = EXCLUDED.first_published_at,
			     expires_at = EXCLUDED.expires_at,
			     republished_at = EXCLUDED.republished_at,
			     paused_at = EXCLUDED.paused_at,
			     trashed_at = EXCLUDED.trashed_at`,
			pub.Slug, pub.UserID, pub.DraftID, pub.ContentKey, string(pub.State),
			pub.FirstPublishedAt, pub.ExpiresAt, pub.RepublishedAt, pub.PausedAt, pub.TrashedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert publication: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE slug_reservations SET status = $3
			 WHERE slug = $1 AND session_id = $2 AND status = $4`,
			p.Slug, p.SessionID, string(model.ReservationConsumed), string(model.ReservationActive),
		)
		if err != nil {
			return fmt.Errorf("consume reservation: %w", err)
		}

		if err := recordDiscountUsage(ctx, tx, p); err != nil {
			return err
		}

		receipt := model.Receipt{Slug: p.Slug, URL: p.PublicURL, PublishedAt: p.Now}
		receiptRaw, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshal receipt: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE checkout_sessions
			 SET status = $2, receipt = $3, updated_at = now()
			 WHERE id = $1 AND status = $4`,
			p.SessionID, string(model.SessionPublished), receiptRaw, string(model.SessionPublishing),
		)
		if err != nil {
			return fmt.Errorf("mark session published: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE drafts
			 SET public_slug = $2,
			     pub_state = $3,
			     pub_first_published_at = $4,
			     pub_last_published_at = $5,
			     pub_expires_at = $6,
			     pub_finalized_at = NULL,
			     pub_finalized_reason = NULL,
			     updated_at = now()
			 WHERE id = $1`,
			p.DraftID, pub.Slug, string(pub.State), pub.FirstPublishedAt, p.Now, pub.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("update draft lifecycle: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = pub
		return nil
	})

	return result, err
}

func lockPublication(ctx context.Context, tx pgx.Tx, slug string) (*model.Publication, error) {
	row := tx.QueryRow(ctx,
		`SELECT slug, user_id, draft_id, content_key, state,
		        first_published_at, expires_at, republished_at, paused_at, trashed_at
		 FROM publications WHERE slug = $1 FOR UPDATE`,
		slug,
	)

	p, err := scanPublication(row)
	if errors.Is(err, ErrPublicationNotFound) {
		return nil, nil
	}
	return p, err
}

// buildPublication сохраняет время первой публикации и срок действия
// существующей публикации; paused переживает обновление содержимого.
func buildPublication(existing *model.Publication, p PromoteParams) *model.Publication {
	pub := &model.Publication{
		Slug:             p.Slug,
		UserID:           p.UserID,
		DraftID:          p.DraftID,
		ContentKey:       p.ContentKey,
		State:            model.PublicationActive,
		FirstPublishedAt: p.Now,
		ExpiresAt:        p.Now.Add(p.VigencyWindow),
	}

	if existing != nil {
		pub.FirstPublishedAt = existing.FirstPublishedAt
		pub.ExpiresAt = existing.ExpiresAt
		now := p.Now
		pub.RepublishedAt = &now
		if existing.State == model.PublicationPaused {
			pub.State = model.PublicationPaused
			pub.PausedAt = existing.PausedAt
		}
	}

	return pub
}

func recordDiscountUsage(ctx context.Context, tx pgx.Tx, p PromoteParams) error {
	if p.DiscountCode == nil || *p.DiscountCode == "" {
		return nil
	}

	// Первый записавший выигрывает: при повторном промоуте той же сессии
	// счётчик применений не увеличивается.
	tag, err := tx.Exec(ctx,
		`INSERT INTO discount_usages (session_id, code, amount)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO NOTHING`,
		p.SessionID, *p.DiscountCode, p.DiscountValue,
	)
	if err != nil {
		return fmt.Errorf("insert discount usage: %w", err)
	}

	if tag.RowsAffected() == 1 {
		_, err = tx.Exec(ctx,
			`UPDATE discount_codes
			 SET redemption_count = redemption_count + 1, updated_at = now()
			 WHERE code = $1`,
			*p.DiscountCode,
		)
		if err != nil {
			return fmt.Errorf("increment redemption count: %w", err)
		}
	}

	return nil
}

// TransitionPublication атомарно переводит публикацию владельца userID из
// состояния from в to. Машина состояний обеспечивается самим условным
// обновлением: RowsAffected == 0 означает проигранную гонку или неверный
// исходный статус.
func (r *PostgresRepository) TransitionPublication(ctx context.Context, slug string, userID int64, from, to model.PublicationState, now time.Time) (bool, error) {
	query := `UPDATE publications
	          SET state = $3,
	              paused_at = CASE WHEN $3 = 'paused' THEN $5
	                               WHEN $3 = 'active' THEN NULL
	                               ELSE paused_at END,
	              trashed_at = CASE WHEN $3 = 'trash' THEN $5
	                                WHEN $3 = 'paused' AND $4 = 'trash' THEN NULL
	                                ELSE trashed_at END
	          WHERE slug = $1 AND user_id = $2 AND state = $4`

	// Возобновление допустимо только до истечения срока действия.
	if from == model.PublicationPaused && to == model.PublicationActive {
		query += ` AND expires_at > $5`
	}

	tag, err := r.pool.Exec(ctx, query, slug, userID, string(to), string(from), now)
	if err != nil {
		return false, fmt.Errorf("transition publication: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// FinalizeResult содержит результат архивации публикации.
type FinalizeResult struct {
	HistoryID      string
	Finalized      bool
	AlreadyMissing bool
	ContentKey     string
}

// FinalizePublication архивирует публикацию: считает метрики ответов, пишет
// неизменяемую архивную запись, удаляет живой документ, освобождает удержание
// слага и переводит ссылку черновика в finalized. Идемпотентна: отсутствие
// живой публикации — не ошибка, а AlreadyMissing. Очистка хранилища артефактов
// выполняется вызывающим после фиксации транзакции.
func (r *PostgresRepository) FinalizePublication(ctx context.Context, slug, reason string, now time.Time) (*FinalizeResult, error) {
	var result *FinalizeResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		result = nil

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		pub, err := lockPublication(ctx, tx, slug)
		if err != nil {
			return err
		}
		if pub == nil {
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit tx: %w", err)
			}
			result = &FinalizeResult{AlreadyMissing: true}
			return nil
		}

		metrics, err := aggregateResponses(ctx, tx, slug)
		if err != nil {
			return err
		}

		metricsRaw, err := json.Marshal(metrics)
		if err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO publication_history
			   (slug, first_published_at, user_id, draft_id, reason, metrics, finalized_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (slug, first_published_at) DO NOTHING`,
			pub.Slug, pub.FirstPublishedAt, pub.UserID, pub.DraftID, reason, metricsRaw, now,
		)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}

		_, err = tx.Exec(ctx, `DELETE FROM publications WHERE slug = $1`, slug)
		if err != nil {
			return fmt.Errorf("delete publication: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE slug_reservations SET status = $2
			 WHERE slug = $1 AND status = $3`,
			slug, string(model.ReservationReleased), string(model.ReservationActive),
		)
		if err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE drafts
			 SET public_slug = NULL,
			     pub_state = 'finalized',
			     pub_finalized_at = $2,
			     pub_finalized_reason = $3,
			     updated_at = now()
			 WHERE id = $1`,
			pub.DraftID, now, reason,
		)
		if err != nil {
			return fmt.Errorf("update draft lifecycle: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &FinalizeResult{
			HistoryID:  fmt.Sprintf("%s@%s", pub.Slug, pub.FirstPublishedAt.UTC().Format(time.RFC3339)),
			Finalized:  true,
			ContentKey: pub.ContentKey,
		}
		return nil
	})

	return result, err
}

func aggregateResponses(ctx context.Context, tx pgx.Tx, slug string) (*model.ResponseMetrics, error) {
	var m model.ResponseMetrics

	err := tx.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE attending),
		        COUNT(*) FILTER (WHERE NOT attending),
		        COALESCE(SUM(guest_count) FILTER (WHERE attending), 0),
		        COUNT(*) FILTER (WHERE special_menu),
		        COUNT(*) FILTER (WHERE transport)
		 FROM publication_responses WHERE slug = $1`,
		slug,
	).Scan(&m.Total, &m.Attending, &m.Declined, &m.ConfirmedGuests, &m.SpecialMenu, &m.NeedsTransport)
	if err != nil {
		return nil, fmt.Errorf("aggregate responses: %w", err)
	}

	return &m, nil
}

// ListExpiredPublications возвращает слаги публикаций с истёкшим сроком действия.
func (r *PostgresRepository) ListExpiredPublications(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT slug FROM publications
		 WHERE expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired publications: %w", err)
	}
	defer rows.Close()

	return scanSlugs(rows)
}

// PurgeCandidate описывает публикацию в корзине, подлежащую безвозвратному удалению.
type PurgeCandidate struct {
	Slug       string
	ContentKey string
	DraftID    int64
}

// ListPurgeablePublications возвращает публикации в корзине, чьё окно
// восстановления (отсчитываемое от срока действия) истекло.
func (r *PostgresRepository) ListPurgeablePublications(ctx context.Context, now time.Time, retention time.Duration, limit int) ([]PurgeCandidate, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT slug, content_key, draft_id FROM publications
		 WHERE state = $1 AND expires_at + make_interval(secs => $2) < $3
		 ORDER BY expires_at
		 LIMIT $4`,
		string(model.PublicationTrash), retention.Seconds(), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select purgeable publications: %w", err)
	}
	defer rows.Close()

	var res []PurgeCandidate
	for rows.Next() {
		var c PurgeCandidate
		if err := rows.Scan(&c.Slug, &c.ContentKey, &c.DraftID); err != nil {
			return nil, fmt.Errorf("scan purge candidate: %w", err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PurgePublication безвозвратно удаляет публикацию из корзины вместе с её
// ответами, удержанием слага и ссылкой жизненного цикла черновика. Архивные
// записи сохраняются. Повторный вызов для отсутствующей публикации — no-op.
func (r *PostgresRepository) PurgePublication(ctx context.Context, slug string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var draftID int64
		err = tx.QueryRow(ctx,
			`DELETE FROM publications WHERE slug = $1 AND state = $2 RETURNING draft_id`,
			slug, string(model.PublicationTrash),
		).Scan(&draftID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return tx.Commit(ctx)
			}
			return fmt.Errorf("delete publication: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM publication_responses WHERE slug = $1`, slug); err != nil {
			return fmt.Errorf("delete responses: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM slug_reservations WHERE slug = $1`, slug); err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE drafts
			 SET public_slug = NULL,
			     pub_state = NULL,
			     pub_first_published_at = NULL,
			     pub_last_published_at = NULL,
			     pub_expires_at = NULL,
			     updated_at = now()
			 WHERE id = $1`,
			draftID,
		)
		if err != nil {
			return fmt.Errorf("clear draft lifecycle: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func scanSlugs(rows pgx.Rows) ([]string, error) {
	var res []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan slug: %w", err)
		}
		res = append(res, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
