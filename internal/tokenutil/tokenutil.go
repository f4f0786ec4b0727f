// Package tokenutil estimates token counts for operator context budgeting.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// ClipHistory drops the oldest entries until the estimated total fits the
// budget. The newest entry is always kept, truncated to the budget if it
// alone exceeds it.
func ClipHistory(entries []string, budget int) []string {
	if budget <= 0 || len(entries) == 0 {
		return nil
	}

	total := 0
	start := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		cost := EstimateTokens(entries[i])
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}
	if start == len(entries) {
		// Even the newest entry is over budget; keep a truncated tail.
		last := entries[len(entries)-1]
		if maxChars := budget * 4; len(last) > maxChars {
			last = last[len(last)-maxChars:]
		}
		return []string{last}
	}
	return entries[start:]
}
