package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// normalizeText lowercases, collapses whitespace, and strips punctuation
// so that trivial rephrasings fingerprint identically.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// termCounts returns the word multiset of the normalized text.
func termCounts(s string) map[string]int {
	out := make(map[string]int)
	for _, w := range strings.Fields(normalizeText(s)) {
		out[w]++
	}
	return out
}

// dice returns the Sorensen-Dice coefficient of two word multisets
// in [0,1]. Identical multisets score exactly 1.
func dice(a, b map[string]int) float64 {
	lenA, lenB := 0, 0
	for _, n := range a {
		lenA += n
	}
	for _, n := range b {
		lenB += n
	}
	if lenA == 0 && lenB == 0 {
		return 1
	}
	if lenA == 0 || lenB == 0 {
		return 0
	}
	overlap := 0
	for w, n := range a {
		if m := b[w]; m < n {
			overlap += m
		} else {
			overlap += n
		}
	}
	return float64(2*overlap) / float64(lenA+lenB)
}

// textSimilarity is the Dice coefficient of two texts' word multisets,
// the text-only stand-in for embedding cosine similarity. A one-word
// substitution in a ten-word sentence scores 0.9.
func textSimilarity(a, b string) float64 {
	return dice(termCounts(a), termCounts(b))
}

// contentFingerprint is the stable per-message fingerprint used in
// pattern hashes: the normalized first 100 characters.
func contentFingerprint(content string) string {
	s := normalizeText(content)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// hashPattern derives the stable pattern hash from the ordered
// (participant index, fingerprint) pairs of one pattern occurrence.
func hashPattern(parts []string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
