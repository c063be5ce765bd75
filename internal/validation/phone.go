// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidPhone проверяет номер телефона клиента: от 5 до 15 цифр,
// допускается ведущий плюс.
func IsValidPhone(phone string) bool {
	if phone == "" {
		return false
	}

	digits := 0
	for i, ch := range phone {
		if ch == '+' && i == 0 {
			continue
		}
		if !unicode.IsDigit(ch) {
			return false
		}
		digits++
	}

	return digits >= 5 && digits <= 15
}
