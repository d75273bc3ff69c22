package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/invitaly/publication-system/internal/model"
)

// CreateDiscountCode создаёт новый промокод.
func (r *PostgresRepository) CreateDiscountCode(ctx context.Context, c *model.DiscountCode) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO discount_codes
		   (code, active, type, value, applies_to, valid_from, valid_until, max_redemptions, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.Code, c.Active, string(c.Type), c.Value, string(c.AppliesTo),
		c.ValidFrom, c.ValidUntil, c.MaxRedemptions, c.Description,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrCodeExists, c.Code)
		}
		return fmt.Errorf("insert discount code: %w", err)
	}
	return nil
}

// UpdateDiscountCode обновляет параметры промокода. Счётчик применений
// изменяется только учётом использований и здесь не затрагивается.
func (r *PostgresRepository) UpdateDiscountCode(ctx context.Context, c *model.DiscountCode) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE discount_codes
		 SET active = $2, type = $3, value = $4, applies_to = $5,
		     valid_from = $6, valid_until = $7, max_redemptions = $8,
		     description = $9, updated_at = now()
		 WHERE code = $1`,
		c.Code, c.Active, string(c.Type), c.Value, string(c.AppliesTo),
		c.ValidFrom, c.ValidUntil, c.MaxRedemptions, c.Description,
	)
	if err != nil {
		return fmt.Errorf("update discount code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCodeNotFound, c.Code)
	}
	return nil
}

// GetDiscountCode возвращает промокод по коду.
func (r *PostgresRepository) GetDiscountCode(ctx context.Context, code string) (*model.DiscountCode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT code, active, type, value, applies_to, valid_from, valid_until,
		        max_redemptions, redemption_count, description, created_at, updated_at
		 FROM discount_codes WHERE code = $1`,
		code,
	)

	c, err := scanDiscountCode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCodeNotFound, code)
		}
		return nil, err
	}
	return c, nil
}

func scanDiscountCode(row pgx.Row) (*model.DiscountCode, error) {
	var (
		c         model.DiscountCode
		codeType  string
		appliesTo string
	)
	err := row.Scan(&c.Code, &c.Active, &codeType, &c.Value, &appliesTo,
		&c.ValidFrom, &c.ValidUntil, &c.MaxRedemptions, &c.RedemptionCount,
		&c.Description, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = model.DiscountType(codeType)
	c.AppliesTo = model.DiscountApplicability(appliesTo)
	return &c, nil
}

// DiscountCodeStats содержит промокод вместе с агрегатами применений.
type DiscountCodeStats struct {
	Code        model.DiscountCode
	UsageCount  int64
	TotalAmount int64
}

// ListDiscountCodes возвращает все промокоды с агрегированной статистикой применений.
func (r *PostgresRepository) ListDiscountCodes(ctx context.Context) ([]DiscountCodeStats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.code, c.active, c.type, c.value, c.applies_to,
		        c.valid_from, c.valid_until, c.max_redemptions, c.redemption_count,
		        c.description, c.created_at, c.updated_at,
		        COUNT(u.session_id), COALESCE(SUM(u.amount), 0)
		 FROM discount_codes c
		 LEFT JOIN discount_usages u ON u.code = c.code
		 GROUP BY c.code
		 ORDER BY c.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select discount codes: %w", err)
	}
	defer rows.Close()

	var res []DiscountCodeStats
	for rows.Next() {
		var (
			s         DiscountCodeStats
			codeType  string
			appliesTo string
		)
		err := rows.Scan(&s.Code.Code, &s.Code.Active, &codeType, &s.Code.Value, &appliesTo,
			&s.Code.ValidFrom, &s.Code.ValidUntil, &s.Code.MaxRedemptions, &s.Code.RedemptionCount,
			&s.Code.Description, &s.Code.CreatedAt, &s.Code.UpdatedAt,
			&s.UsageCount, &s.TotalAmount)
		if err != nil {
			return nil, fmt.Errorf("scan discount code: %w", err)
		}
		s.Code.Type = model.DiscountType(codeType)
		s.Code.AppliesTo = model.DiscountApplicability(appliesTo)
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListDiscountUsages возвращает факты применения промокода.
func (r *PostgresRepository) ListDiscountUsages(ctx context.Context, code string) ([]model.DiscountUsage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, code, amount, used_at
		 FROM discount_usages
		 WHERE code = $1
		 ORDER BY used_at DESC`,
		code,
	)
	if err != nil {
		return nil, fmt.Errorf("select discount usages: %w", err)
	}
	defer rows.Close()

	var res []model.DiscountUsage
	for rows.Next() {
		var u model.DiscountUsage
		if err := rows.Scan(&u.SessionID, &u.Code, &u.Amount, &u.UsedAt); err != nil {
			return nil, fmt.Errorf("scan discount usage: %w", err)
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
