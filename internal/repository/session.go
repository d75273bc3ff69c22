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

// CreateSession сохраняет новую сессию оплаты. Сессии никогда не удаляются.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.CheckoutSession) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO checkout_sessions
		   (id, user_id, draft_id, operation, slug,
		    base_amount, discount_amount, final_amount, currency,
		    discount_code, preference_id, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.UserID, s.DraftID, string(s.Operation), s.Slug,
		s.BaseAmount, s.DiscountAmount, s.FinalAmount, s.Currency,
		s.DiscountCode, s.PreferenceID, string(s.Status), s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession возвращает сессию оплаты по идентификатору.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, draft_id, operation, slug,
		        base_amount, discount_amount, final_amount, currency,
		        discount_code, preference_id, payment_id, status, expires_at,
		        last_error, receipt, created_at, updated_at
		 FROM checkout_sessions WHERE id = $1`,
		id,
	)

	return scanSession(row)
}

// GetSessionByPaymentID возвращает сессию по идентификатору платежа шлюза.
func (r *PostgresRepository) GetSessionByPaymentID(ctx context.Context, paymentID string) (*model.CheckoutSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, draft_id, operation, slug,
		        base_amount, discount_amount, final_amount, currency,
		        discount_code, preference_id, payment_id, status, expires_at,
		        last_error, receipt, created_at, updated_at
		 FROM checkout_sessions WHERE payment_id = $1`,
		paymentID,
	)

	return scanSession(row)
}

func scanSession(row pgx.Row) (*model.CheckoutSession, error) {
	var (
		s          model.CheckoutSession
		operation  string
		status     string
		receiptRaw []byte
	)

	err := row.Scan(&s.ID, &s.UserID, &s.DraftID, &operation, &s.Slug,
		&s.BaseAmount, &s.DiscountAmount, &s.FinalAmount, &s.Currency,
		&s.DiscountCode, &s.PreferenceID, &s.PaymentID, &status, &s.ExpiresAt,
		&s.LastError, &receiptRaw, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.Operation = model.CheckoutOperation(operation)
	s.Status = model.SessionStatus(status)

	if len(receiptRaw) > 0 {
		var receipt model.Receipt
		if err := json.Unmarshal(receiptRaw, &receipt); err != nil {
			return nil, fmt.Errorf("unmarshal receipt: %w", err)
		}
		s.Receipt = &receipt
	}

	return &s, nil
}

// SessionUpdate перечисляет поля, изменяемые вместе с переходом статуса.
// Нулевые указатели оставляют поле без изменений.
type SessionUpdate struct {
	PaymentID    *string
	PreferenceID *string
	LastError    *string
}

// TransitionSession атомарно переводит сессию из одного из состояний from в to.
// Возвращает false, если сессия уже не в исходном состоянии: так дубликаты
// вебхуков и гонки подтверждений проигрывают ровно одному победителю.
func (r *PostgresRepository) TransitionSession(ctx context.Context, id string, from []model.SessionStatus, to model.SessionStatus, upd SessionUpdate) (bool, error) {
	fromStr := make([]string, 0, len(from))
	for _, st := range from {
		fromStr = append(fromStr, string(st))
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE checkout_sessions
		 SET status = $2,
		     payment_id = COALESCE($3, payment_id),
		     preference_id = COALESCE($4, preference_id),
		     last_error = COALESCE($5, last_error),
		     updated_at = now()
		 WHERE id = $1 AND status = ANY($6)`,
		id, string(to), upd.PaymentID, upd.PreferenceID, upd.LastError, fromStr,
	)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ExpireSession переводит непройденную до конца сессию в expired и освобождает
// её удержание слага, если оно всё ещё принадлежит этой сессии. Терминальные
// сессии не изменяются; оплаченный конфликт слага терминален и ждёт явного
// повтора сколь угодно долго.
func (r *PostgresRepository) ExpireSession(ctx context.Context, id string) (bool, error) {
	var expired bool

	err := r.withRetry(ctx, func(ctx context.Context) error {
		expired = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`UPDATE checkout_sessions
			 SET status = $2, updated_at = now()
			 WHERE id = $1 AND status NOT IN ($3, $4, $5, $6)`,
			id, string(model.SessionExpired),
			string(model.SessionPublished), string(model.SessionPaymentRejected),
			string(model.SessionExpired), string(model.SessionSlugConflict),
		)
		if err != nil {
			return fmt.Errorf("expire session: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`UPDATE slug_reservations
			 SET status = $2
			 WHERE session_id = $1 AND status = $3`,
			id, string(model.ReservationReleased), string(model.ReservationActive),
		)
		if err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		expired = true
		return nil
	})

	return expired, err
}

// ExpireStaleSessions переводит в expired партию просроченных нетерминальных
// сессий, которые никто не прочитал. Используется фоновым обходом как
// страховка к ленивому истечению при чтении.
func (r *PostgresRepository) ExpireStaleSessions(ctx context.Context, now time.Time, limit int) (int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM checkout_sessions
		 WHERE expires_at < $1 AND status NOT IN ($2, $3, $4, $5)
		 ORDER BY expires_at
		 LIMIT $6`,
		now,
		string(model.SessionPublished), string(model.SessionPaymentRejected),
		string(model.SessionExpired), string(model.SessionSlugConflict),
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("select stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows error: %w", err)
	}

	var expired int64
	for _, id := range ids {
		ok, err := r.ExpireSession(ctx, id)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}

	return expired, nil
}

// ListStalledPromotions возвращает идентификаторы непросроченных сессий,
// застрявших в payment_approved или publishing с момента stalledBefore:
// после сбоя публикации либо падения процесса посреди неё. Оплата уже
// состоялась, поэтому такие сессии допубликовываются фоновым обходом.
func (r *PostgresRepository) ListStalledPromotions(ctx context.Context, stalledBefore, now time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM checkout_sessions
		 WHERE status IN ($1, $2) AND updated_at < $3 AND expires_at > $4
		 ORDER BY updated_at
		 LIMIT $5`,
		string(model.SessionPaymentApproved), string(model.SessionPublishing),
		stalledBefore, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select stalled promotions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// SetSessionError записывает текст последней ошибки без смены статуса.
func (r *PostgresRepository) SetSessionError(ctx context.Context, id, message string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE checkout_sessions SET last_error = $2, updated_at = now() WHERE id = $1`,
		id, message,
	)
	if err != nil {
		return fmt.Errorf("set session error: %w", err)
	}
	return nil
}

// UpdateSessionSlug заменяет целевой слаг сессии при повторе после конфликта.
func (r *PostgresRepository) UpdateSessionSlug(ctx context.Context, id, slug string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE checkout_sessions SET slug = $2, updated_at = now() WHERE id = $1`,
		id, slug,
	)
	if err != nil {
		return fmt.Errorf("update session slug: %w", err)
	}
	return nil
}
