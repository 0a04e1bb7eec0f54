package intent

import (
	"regexp"
	"strings"
)

// Refiner compresses a question to a bounded window of words around the
// first pattern match registered for its intent category. When no pattern is
// registered (or none matches), refinement falls back to stripping trailing
// punctuation.
type Refiner struct {
	patterns map[string][]*regexp.Regexp
	before   int
	after    int
}

// NewRefiner builds a refiner from the same rule table the classifier uses.
// before/after bound the window in words (runes for unsegmented text).
func NewRefiner(rules []Rule, before, after int) *Refiner {
	patterns := make(map[string][]*regexp.Regexp, len(rules))
	for _, rule := range rules {
		patterns[rule.Category] = rule.Patterns

		// Keywords double as literal patterns so CJK rules refine too.
		for _, kw := range rule.Keywords {
			if kw != "" {
				patterns[rule.Category] = append(patterns[rule.Category], regexp.MustCompile(regexp.QuoteMeta(kw)))
			}
		}
	}

	return &Refiner{patterns: patterns, before: before, after: after}
}

// Refine returns the compressed question for the given intent category.
func (r *Refiner) Refine(text, category string) string {
	for _, p := range r.patterns[category] {
		if loc := p.FindStringIndex(text); loc != nil {
			return r.window(text, loc[0], loc[1])
		}
	}
	return StripTrailingPunctuation(text)
}

// window extracts the bounded context around a byte-offset match. Texts with
// whitespace are windowed by words; unsegmented texts (typical for CJK) by
// runes.
func (r *Refiner) window(text string, start, end int) string {
	if strings.ContainsAny(text, " \t") {
		return r.wordWindow(text, start, end)
	}
	return r.runeWindow(text, start, end)
}

func (r *Refiner) wordWindow(text string, start, end int) string {
	type span struct {
		word       string
		start, end int
	}

	var words []span
	offset := 0
	for _, w := range strings.Fields(text) {
		idx := strings.Index(text[offset:], w) + offset
		words = append(words, span{word: w, start: idx, end: idx + len(w)})
		offset = idx + len(w)
	}

	first, last := -1, -1
	for i, w := range words {
		if w.end > start && w.start < end {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		return StripTrailingPunctuation(text)
	}

	lo := max(0, first-r.before)
	hi := min(len(words), last+1+r.after)

	parts := make([]string, 0, hi-lo)
	for _, w := range words[lo:hi] {
		parts = append(parts, w.word)
	}
	return strings.Join(parts, " ")
}

func (r *Refiner) runeWindow(text string, start, end int) string {
	runes := []rune(text)

	// Convert byte offsets to rune offsets.
	runeStart, runeEnd, byteIdx := 0, len(runes), 0
	for i := range runes {
		if byteIdx == start {
			runeStart = i
		}
		byteIdx += len(string(runes[i]))
		if byteIdx == end {
			runeEnd = i + 1
		}
	}

	lo := max(0, runeStart-r.before)
	hi := min(len(runes), runeEnd+r.after)
	return string(runes[lo:hi])
}

var trailingPunctuation = regexp.MustCompile(`[\s?？。！!.，,]+$`)

// StripTrailingPunctuation removes trailing punctuation and whitespace.
func StripTrailingPunctuation(text string) string {
	return trailingPunctuation.ReplaceAllString(text, "")
}
