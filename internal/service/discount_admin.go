package service

import (
	"context"
	"fmt"

	"github.com/invitaly/publication-system/internal/model"
	"github.com/invitaly/publication-system/internal/repository"
)

func validateDiscountCode(c *model.DiscountCode) error {
	if c.Code == "" {
		return fmt.Errorf("%w: code must not be empty", ErrInvalidDiscountCode)
	}
	if c.Type != model.DiscountPercentage && c.Type != model.DiscountFixed {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDiscountCode, c.Type)
	}
	if c.AppliesTo != model.AppliesToNew && c.AppliesTo != model.AppliesToUpdate && c.AppliesTo != model.AppliesToBoth {
		return fmt.Errorf("%w: unknown applicability %q", ErrInvalidDiscountCode, c.AppliesTo)
	}
	if c.Value <= 0 {
		return fmt.Errorf("%w: value must be positive", ErrInvalidDiscountCode)
	}
	if c.Type == model.DiscountPercentage && c.Value > 100 {
		return fmt.Errorf("%w: percentage must not exceed 100", ErrInvalidDiscountCode)
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom) {
		return fmt.Errorf("%w: validity window is inverted", ErrInvalidDiscountCode)
	}
	if c.MaxRedemptions != nil && *c.MaxRedemptions <= 0 {
		return fmt.Errorf("%w: redemption cap must be positive", ErrInvalidDiscountCode)
	}
	return nil
}

// CreateDiscountCode создаёт промокод от имени администратора.
func (s *Service) CreateDiscountCode(ctx context.Context, adminID int64, c *model.DiscountCode) error {
	if err := s.RequireAdmin(ctx, adminID); err != nil {
		return err
	}
	if err := validateDiscountCode(c); err != nil {
		return err
	}
	return s.repo.CreateDiscountCode(ctx, c)
}

// UpdateDiscountCode обновляет промокод от имени администратора.
func (s *Service) UpdateDiscountCode(ctx context.Context, adminID int64, c *model.DiscountCode) error {
	if err := s.RequireAdmin(ctx, adminID); err != nil {
		return err
	}
	if err := validateDiscountCode(c); err != nil {
		return err
	}
	return s.repo.UpdateDiscountCode(ctx, c)
}

// ListDiscountCodes возвращает промокоды с агрегированной статистикой применений.
func (s *Service) ListDiscountCodes(ctx context.Context, adminID int64) ([]repository.DiscountCodeStats, error) {
	if err := s.RequireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.repo.ListDiscountCodes(ctx)
}

// ListDiscountUsages возвращает факты применения промокода.
func (s *Service) ListDiscountUsages(ctx context.Context, adminID int64, code string) ([]model.DiscountUsage, error) {
	if err := s.RequireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetDiscountCode(ctx, code); err != nil {
		return nil, err
	}

	return s.repo.ListDiscountUsages(ctx, code)
}
