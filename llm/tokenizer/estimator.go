package tokenizer

import (
	"unicode/utf8"

	"github.com/BaSui01/raceflow/llm"
)

// Estimator is a character-count-based token estimator.
// CJK ~1.5 chars/token, everything else ~4 chars/token (rounded up).
type Estimator struct{}

func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	return int(float64(cjk)/1.5) + (total-cjk+3)/4
}

func (e *Estimator) CountMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.Count(m.Content) + messageOverhead
	}
	return total + 3
}

func (e *Estimator) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
