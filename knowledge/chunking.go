package knowledge

import "strings"

type chunkSegment struct {
	Text       string
	TokenCount int
}

// chunker splits normalized text into boundary-seeking windows of at most
// maxChars runes. Consecutive windows share overlap runes so retrieval
// never loses a fact that straddles a cut.
type chunker struct {
	maxChars int
	minChars int
	overlap  int
}

func newChunker(maxChars, minChars, overlap int) *chunker {
	if maxChars <= 0 {
		maxChars = 800
	}
	if minChars <= 0 || minChars >= maxChars {
		minChars = maxChars / 2
		if minChars < 200 {
			minChars = 200
		}
		if minChars >= maxChars {
			minChars = maxChars / 2
		}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= minChars {
		overlap = minChars / 2
	}
	return &chunker{maxChars: maxChars, minChars: minChars, overlap: overlap}
}

func (c *chunker) split(text string) []chunkSegment {
	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}

	runes := []rune(cleaned)
	total := len(runes)

	segments := make([]chunkSegment, 0, (total/c.maxChars)+1)
	start := 0
	for start < total {
		end := start + c.maxChars
		if end >= total {
			end = total
		} else {
			preferred := findBoundary(runes, start+c.minChars, end)
			if preferred > start+c.minChars {
				end = preferred
			}
		}

		segText := strings.TrimSpace(string(runes[start:end]))
		if segText != "" {
			segments = append(segments, chunkSegment{
				Text:       segText,
				TokenCount: estimateTokenCount(segText),
			})
		}

		if end >= total {
			break
		}

		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return segments
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return replaced
}

// findBoundary walks back from max looking for a sentence or line break,
// so windows cut at natural stops instead of mid-sentence.
func findBoundary(runes []rune, min int, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return min
	}
	boundaryChars := []rune{'\n', '。', '！', '？', '.', '!', '?'}
	boundarySet := make(map[rune]struct{}, len(boundaryChars))
	for _, ch := range boundaryChars {
		boundarySet[ch] = struct{}{}
	}
	for i := max - 1; i >= min; i-- {
		if _, ok := boundarySet[runes[i]]; ok {
			return i + 1
		}
	}
	return max
}

// estimateTokenCount approximates BPE token counts without a tokenizer
// dependency: whole words plus a CJK-friendly rune correction.
func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	wordCount := len(words)
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}
