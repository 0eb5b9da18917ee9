package aggregation

import "github.com/Tofulati/hallpass-sub000/internal/platform/textutil"

// lengthRatioCutoff rejects pairs whose lengths differ too much to be the same name.
const lengthRatioCutoff = 1.5

// Similarity scores two names in [0,1] using normalized Levenshtein distance
// over their comparison keys. Identical keys score 1; an empty key scores 0.
func Similarity(a, b string) float64 {
	left := []rune(textutil.NormalizeName(a))
	right := []rune(textutil.NormalizeName(b))
	if len(left) == 0 || len(right) == 0 {
		return 0
	}
	if string(left) == string(right) {
		return 1
	}

	shorter, longer := left, right
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if float64(len(longer)) > lengthRatioCutoff*float64(len(shorter)) {
		return 0
	}

	distance := levenshtein(shorter, longer)
	return 1 - float64(distance)/float64(len(longer))
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
