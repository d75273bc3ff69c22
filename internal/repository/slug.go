package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/invitaly/publication-system/internal/model"
)

// ReserveParams описывает запрос на эксклюзивное удержание слага.
type ReserveParams struct {
	Slug      string
	UserID    int64
	DraftID   int64
	SessionID string
	TTL       time.Duration
	Now       time.Time
}

// ReserveSlug выполняет атомарное условное удержание слага. Внутри одной
// транзакции наблюдаются текущая публикация и текущее удержание; если любое
// из них показывает слаг занятым другим владельцем, возвращается ErrSlugTaken.
// Иначе удержание записывается (или перезаписывается) со свежим сроком.
// Два одновременных вызова для одного слага дают ровно одного победителя:
// они сериализуются блокировкой строки удержания.
func (r *PostgresRepository) ReserveSlug(ctx context.Context, p ReserveParams) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка строки удержания сериализует конкурентов по слагу.
		var (
			resUserID    int64
			resDraftID   int64
			resStatus    string
			resExpiresAt time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT user_id, draft_id, status, expires_at
			 FROM slug_reservations WHERE slug = $1 FOR UPDATE`,
			p.Slug,
		).Scan(&resUserID, &resDraftID, &resStatus, &resExpiresAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock reservation: %w", err)
		}

		hasReservation := err == nil

		var pubExists bool
		var pubUserID, pubDraftID int64
		var pubExpiresAt time.Time
		err = tx.QueryRow(ctx,
			`SELECT user_id, draft_id, expires_at FROM publications WHERE slug = $1`,
			p.Slug,
		).Scan(&pubUserID, &pubDraftID, &pubExpiresAt)
		switch {
		case err == nil:
			pubExists = true
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("check publication: %w", err)
		}

		// Живая публикация делает слаг занятым; просроченную сперва
		// архивирует вызывающий, после чего удержание повторяется.
		if pubExists && pubExpiresAt.After(p.Now) {
			return ErrSlugTaken
		}

		if hasReservation &&
			resStatus == string(model.ReservationActive) &&
			resExpiresAt.After(p.Now) &&
			(resUserID != p.UserID || resDraftID != p.DraftID) {
			return ErrSlugTaken
		}

		// Условие на DO UPDATE закрывает гонку двух первых вставок: когда
		// строки ещё нет, оба конкурента проходят проверки выше, но вставка
		// проигравшего превращается в UPDATE поверх свежего чужого удержания
		// и обязана его не затирать. RowsAffected == 0 означает проигрыш.
		tag, err := tx.Exec(ctx,
			`INSERT INTO slug_reservations (slug, user_id, draft_id, session_id, status, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (slug) DO UPDATE
			 SET user_id = EXCLUDED.user_id,
			     draft_id = EXCLUDED.draft_id,
			     session_id = EXCLUDED.session_id,
			     status = EXCLUDED.status,
			     expires_at = EXCLUDED.expires_at,
			     created_at = now()
			 WHERE slug_reservations.status <> $5
			    OR slug_reservations.expires_at <= $7
			    OR (slug_reservations.user_id = EXCLUDED.user_id
			        AND slug_reservations.draft_id = EXCLUDED.draft_id)`,
			p.Slug, p.UserID, p.DraftID, p.SessionID,
			string(model.ReservationActive), p.Now.Add(p.TTL), p.Now,
		)
		if err != nil {
			return fmt.Errorf("upsert reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSlugTaken
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// ReleaseSlug переводит удержание в статус next, только если оно всё ещё
// принадлежит сессии sessionID. Запоздавший release не затирает более новое
// удержание другой сессии.
func (r *PostgresRepository) ReleaseSlug(ctx context.Context, slug, sessionID string, next model.ReservationStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE slug_reservations
		 SET status = $3
		 WHERE slug = $1 AND session_id = $2 AND status = $4`,
		slug, sessionID, string(next), string(model.ReservationActive),
	)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// GetReservation возвращает удержание слага; nil без ошибки, если его нет.
func (r *PostgresRepository) GetReservation(ctx context.Context, slug string) (*model.SlugReservation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT slug, user_id, draft_id, session_id, status, expires_at, created_at
		 FROM slug_reservations WHERE slug = $1`,
		slug,
	)

	var (
		res    model.SlugReservation
		status string
	)
	err := row.Scan(&res.Slug, &res.UserID, &res.DraftID, &res.SessionID, &status, &res.ExpiresAt, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	res.Status = model.ReservationStatus(status)
	return &res, nil
}

// MarkExpiredReservations помечает просроченные активные удержания как expired.
// Чисто хозяйственная операция: читатели и так считают их свободными.
func (r *PostgresRepository) MarkExpiredReservations(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE slug_reservations SET status = $1
		 WHERE slug IN (
		     SELECT slug FROM slug_reservations
		     WHERE status = $2 AND expires_at < $3
		     LIMIT $4
		 )`,
		string(model.ReservationExpired), string(model.ReservationActive), now, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("mark expired reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}
