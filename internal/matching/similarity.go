package matching

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity returns a symmetric, case-insensitive similarity in [0,100]
// between two strings: the best of a token-sort ratio and a token-window
// partial ratio.
func Similarity(a, b string) int {
	ta, tb := Tokenize(a), Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	score, _ := bestScore(ta, tb)
	return score
}

// Tokenize lower-cases s and splits it on whitespace and punctuation. Dots,
// hyphens, underscores and @ inside a token are kept so domains and e-mail
// addresses stay whole.
func Tokenize(s string) []string {
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		switch r {
		case '.', '-', '_', '@':
			return false
		}
		return true
	})

	tokens := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".-_@")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// bestScore compares the shorter token list against the longer one and
// returns the best score with the fragment of the longer list that produced it.
func bestScore(a, b []string) (int, string) {
	needle, haystack := a, b
	if len(needle) > len(haystack) {
		needle, haystack = haystack, needle
	}

	best := tokenSortRatio(needle, haystack)
	fragment := strings.Join(haystack, " ")

	if p, frag := partialRatio(needle, haystack); p > best {
		best, fragment = p, frag
	}
	return best, fragment
}

// ratio is a normalized Levenshtein similarity.
func ratio(a, b string) int {
	if a == b {
		return 100
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return int(math.Round(100 * (1 - float64(dist)/float64(longest))))
}

func tokenSortRatio(a, b []string) int {
	return ratio(sortedJoin(a), sortedJoin(b))
}

func sortedJoin(tokens []string) string {
	cp := append([]string(nil), tokens...)
	sort.Strings(cp)
	return strings.Join(cp, " ")
}

// partialRatio slides windows of len(needle)-1 .. len(needle)+1 tokens over
// the haystack and keeps the best ratio against the joined needle.
func partialRatio(needle, haystack []string) (int, string) {
	target := strings.Join(needle, " ")
	best, fragment := 0, ""

	for size := len(needle) - 1; size <= len(needle)+1; size++ {
		if size < 1 || size > len(haystack) {
			continue
		}
		for i := 0; i+size <= len(haystack); i++ {
			window := strings.Join(haystack[i:i+size], " ")
			if r := ratio(target, window); r > best {
				best, fragment = r, window
				if best == 100 {
					return best, fragment
				}
			}
		}
	}
	return best, fragment
}

// containsTokens reports whether needle appears as a contiguous token run in
// haystack.
func containsTokens(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return true
	}
	return false
}

// hasCJK reports whether s contains Han, Hiragana or Katakana characters,
// which are not space-delimited.
func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) {
			return true
		}
	}
	return false
}

// containsAtBoundary reports whether target occurs in text with no letter or
// digit directly before or after it. Both arguments must already be
// lower-cased. It catches targets glued to punctuation the tokenizer keeps,
// such as a domain after an @ or a keyword inside a hyphenated compound.
func containsAtBoundary(text, target string) bool {
	if target == "" {
		return false
	}
	for offset := 0; offset <= len(text)-len(target); {
		i := strings.Index(text[offset:], target)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(target)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
