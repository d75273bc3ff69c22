// Package validation содержит функции валидации входных данных.
package validation

const (
	minSlugLength = 3
	maxSlugLength = 63
)

// IsValidSlug проверяет корректность публичного слага: нижний регистр,
// латинские буквы, цифры и дефисы, без дефисов по краям и подряд.
func IsValidSlug(slug string) bool {
	if len(slug) < minSlugLength || len(slug) > maxSlugLength {
		return false
	}

	prevDash := false
	for i := 0; i < len(slug); i++ {
		ch := slug[i]

		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9':
			prevDash = false
		case ch == '-':
			if i == 0 || i == len(slug)-1 || prevDash {
				return false
			}
			prevDash = true
		default:
			return false
		}
	}

	return true
}
