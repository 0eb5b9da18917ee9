package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the comparison key for a display name: NFC form,
// surrounding whitespace trimmed, lower-cased. Inner whitespace is preserved.
func NormalizeName(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(norm.NFC.String(trimmed))
}

// Slugify builds a deterministic, URL-safe identifier from a name. Diacritics
// are folded ("José" -> "jose") and runs of non alphanumeric characters collapse
// into a single hyphen.
func Slugify(value string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), NormalizeName(value))
	if err != nil {
		folded = NormalizeName(value)
	}
	var b strings.Builder
	b.Grow(len(folded))
	pendingHyphen := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}

// DedupeStrings trims every value and removes empties and repeats, keeping the
// order of first appearance.
func DedupeStrings(values []string) []string {
	return dedupe(values, func(s string) string { return s })
}

// DedupeNames is DedupeStrings keyed on NormalizeName; the first spelling seen wins.
func DedupeNames(values []string) []string {
	return dedupe(values, NormalizeName)
}

func dedupe(values []string, key func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		k := key(trimmed)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
