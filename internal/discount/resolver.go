// Package discount реализует расчёт скидки промокода для платной операции.
package discount

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/invitaly/publication-system/internal/model"
)

// ErrNotApplicable возвращается, если промокод не применим к запрошенной операции.
var (
	ErrNotApplicable = errors.New("discount code not applicable to operation")
	// ErrInactive возвращается для выключенного промокода.
	ErrInactive = errors.New("discount code inactive")
	// ErrOutsideWindow возвращается вне окна действия промокода.
	ErrOutsideWindow = errors.New("discount code outside validity window")
	// ErrExhausted возвращается при исчерпанном лимите применений.
	ErrExhausted = errors.New("discount code redemptions exhausted")
	// ErrZeroDiscount возвращается, если расчётная скидка неположительна.
	ErrZeroDiscount = errors.New("computed discount is not positive")
)

// Quote содержит результат расчёта цены с учётом скидки.
// Все суммы в минорных единицах валюты.
type Quote struct {
	BaseAmount     int64
	DiscountAmount int64
	FinalAmount    int64
	Code           string
	Description    string
}

// Resolve рассчитывает скидку для операции op с базовой суммой baseAmount.
// Без промокода возвращает тождественный результат. Просроченный, неактивный,
// неприменимый или исчерпанный промокод — ошибка, а не тихое игнорирование.
func Resolve(op model.CheckoutOperation, baseAmount int64, code *model.DiscountCode, now time.Time) (*Quote, error) {
	if baseAmount < 0 {
		return nil, fmt.Errorf("base amount must be non-negative, got %d", baseAmount)
	}

	if code == nil {
		return &Quote{BaseAmount: baseAmount, FinalAmount: baseAmount}, nil
	}

	if !code.Active {
		return nil, ErrInactive
	}

	if code.AppliesTo != model.AppliesToBoth && string(code.AppliesTo) != string(op) {
		return nil, ErrNotApplicable
	}

	if code.ValidFrom != nil && now.Before(*code.ValidFrom) {
		return nil, ErrOutsideWindow
	}
	if code.ValidUntil != nil && now.After(*code.ValidUntil) {
		return nil, ErrOutsideWindow
	}

	if code.MaxRedemptions != nil && code.RedemptionCount >= *code.MaxRedemptions {
		return nil, ErrExhausted
	}

	amount, err := computeAmount(code, baseAmount)
	if err != nil {
		return nil, err
	}

	return &Quote{
		BaseAmount:     baseAmount,
		DiscountAmount: amount,
		FinalAmount:    baseAmount - amount,
		Code:           code.Code,
		Description:    code.Description,
	}, nil
}

func computeAmount(code *model.DiscountCode, baseAmount int64) (int64, error) {
	var amount int64

	switch code.Type {
	case model.DiscountPercentage:
		amount = int64(math.Round(float64(baseAmount) * float64(code.Value) / 100))
	case model.DiscountFixed:
		amount = code.Value
	default:
		return 0, fmt.Errorf("unknown discount type: %s", code.Type)
	}

	if amount <= 0 {
		return 0, ErrZeroDiscount
	}

	if amount > baseAmount {
		amount = baseAmount
	}

	return amount, nil
}
