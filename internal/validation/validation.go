// Package validation содержит функции валидации входных данных.
package validation

// IsValidPaymentID проверяет, что идентификатор платежа состоит из допустимых
// символов и имеет разумную длину. Идентификатор назначается провайдером,
// но приходит в callback-данных и потому не считается доверенным.
func IsValidPaymentID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}

	for _, ch := range id {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch == '-' || ch == '_' || ch == '.':
		default:
			return false
		}
	}

	return true
}

// IsValidProductKey проверяет ключ товара каталога.
func IsValidProductKey(key string) bool {
	if key == "" || len(key) > 64 {
		return false
	}

	for _, ch := range key {
		switch {
		case ch >= '0' && ch <= '9':
		case ch >= 'a' && ch <= 'z':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}

	return true
}

// IsValidQuantity проверяет количество товара в заявке.
func IsValidQuantity(qty int64) bool {
	return qty >= 1 && qty <= 100
}
