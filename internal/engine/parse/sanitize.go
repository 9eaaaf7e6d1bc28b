// Санитизация payload-ов перед сохранением: результат обязан быть
// JSON-кодируем без потерь смысла. Бинарные поля переводятся в base64,
// даты — в строки RFC-3339; вложенные структуры обходятся рекурсивно.
package parse

import (
	"encoding/base64"
	"time"
)

// sanitizePayload возвращает копию payload, безопасную для jsonb.
func sanitizePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case map[string]any:
		return sanitizePayload(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}
