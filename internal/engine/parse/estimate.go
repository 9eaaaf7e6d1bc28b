// Оценка объёма источника. Оценка грубая и ограниченная: она влияет только
// на processed/estimated в процентах прогресса и никогда — на корректность.
package parse

import "strings"

// Границы и базовые значения эвристики.
const (
	estimateBase     = 500
	estimateShort    = 2000
	estimateFloor    = 50
	estimateCeiling  = 100000
	shortHandleRunes = 5
)

// estimateSource оценивает число записей источника по его handle: короткие
// имена обычно принадлежат крупным сообществам, ключевые слова сдвигают
// оценку в типичную для таких сообществ сторону.
func estimateSource(handle string) int {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))

	estimate := estimateBase
	if len([]rune(h)) <= shortHandleRunes && h != "" {
		estimate = estimateShort
	}

	switch {
	case strings.Contains(h, "test"):
		estimate = estimateFloor
	case strings.Contains(h, "news"):
		estimate *= 4
	case strings.Contains(h, "chat"):
		estimate *= 2
	}

	if estimate < estimateFloor {
		estimate = estimateFloor
	}
	if estimate > estimateCeiling {
		estimate = estimateCeiling
	}
	return estimate
}

// progressPercent считает процент прогресса с клампом к 100: оценка могла
// недосчитать, но наружу больше сотни не выходит.
func progressPercent(processed, estimated int) int {
	if estimated <= 0 {
		return 0
	}
	percent := processed * 100 / estimated
	if percent > 100 {
		return 100
	}
	return percent
}
