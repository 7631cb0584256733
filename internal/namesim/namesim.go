// Package namesim scores how likely two author-name strings denote the same
// person. Scores are symmetric and lie in [0,1].
package namesim

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// initialMatch is the given-name credit for an initial against a full name.
	initialMatch = 0.9

	// missingGiven is the credit when only one side carries given names.
	missingGiven = 0.7

	// fullNameMin is the Jaro-Winkler floor for two spelled-out given names to agree.
	fullNameMin = 0.9
)

// Parsed is a name split into a normalized surname and given-name tokens.
type Parsed struct {
	Surname string
	Given   []string
}

// Normalize strips diacritics, folds case, and turns punctuation into single spaces.
func Normalize(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, name)
	if err != nil {
		s = name
	}
	s = cases.Fold().String(s)
	return strings.Join(tokens(s), " ")
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Parse understands "Surname, Given Names" and "Given Names Surname". The
// surname is always the last token of the family part, and any tokens before
// it (particles, first halves of compounds) trail the given names, so
// "van Beethoven, Ludwig" and "Ludwig van Beethoven" parse alike.
func Parse(name string) Parsed {
	if sur, given, ok := strings.Cut(name, ","); ok {
		family := tokens(Normalize(sur))
		p := Parsed{Given: tokens(Normalize(given))}
		if len(family) > 0 {
			p.Surname = family[len(family)-1]
			p.Given = append(p.Given, family[:len(family)-1]...)
		}
		return p
	}
	parts := tokens(Normalize(name))
	if len(parts) == 0 {
		return Parsed{}
	}
	return Parsed{
		Surname: parts[len(parts)-1],
		Given:   parts[:len(parts)-1],
	}
}

// Bucket returns the key that groups names sharing a surname.
func Bucket(name string) string {
	p := Parse(name)
	if p.Surname == "" {
		return "_"
	}
	return p.Surname
}

// Similarity compares two names. Identical normalized names score 1; a clash
// between first given names scores 0.
func Similarity(a, b string) float64 {
	pa, pb := Parse(a), Parse(b)
	if pa.Surname == "" || pb.Surname == "" {
		return 0
	}

	sur := JaroWinkler(pa.Surname, pb.Surname)
	given, ok := givenCompat(pa.Given, pb.Given)
	if !ok {
		return 0
	}
	return sur * (0.5 + 0.5*given)
}

func givenCompat(a, b []string) (float64, bool) {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 1, true
	case len(a) == 0 || len(b) == 0:
		return missingGiven, true
	}

	first := tokenCompat(a[0], b[0])
	if first == 0 {
		return 0, false
	}

	score := first
	n := min(len(a), len(b))
	for i := 1; i < n; i++ {
		if tokenCompat(a[i], b[i]) == 0 {
			score -= 0.2
		}
	}
	score -= 0.05 * float64(max(len(a), len(b))-n)
	return max(score, 0), true
}

func tokenCompat(x, y string) float64 {
	if x == y {
		return 1
	}
	xr, yr := []rune(x), []rune(y)
	if len(xr) == 1 || len(yr) == 1 {
		if xr[0] == yr[0] {
			return initialMatch
		}
		return 0
	}
	if jw := JaroWinkler(x, y); jw >= fullNameMin {
		return jw
	}
	return 0
}

// JaroWinkler returns the Jaro-Winkler similarity of two strings.
func JaroWinkler(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	if len(ar) == 0 && len(br) == 0 {
		return 1
	}
	if len(ar) == 0 || len(br) == 0 {
		return 0
	}

	window := max(len(ar), len(br))/2 - 1
	if window < 0 {
		window = 0
	}

	aMatched := make([]bool, len(ar))
	bMatched := make([]bool, len(br))
	matches := 0
	for i := range ar {
		lo := max(0, i-window)
		hi := min(len(br), i+window+1)
		for j := lo; j < hi; j++ {
			if bMatched[j] || ar[i] != br[j] {
				continue
			}
			aMatched[i], bMatched[j] = true, true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := range ar {
		if !aMatched[i] {
			continue
		}
		for !bMatched[j] {
			j++
		}
		if ar[i] != br[j] {
			transpositions++
		}
		j++
	}

	m := float64(matches)
	jaro := (m/float64(len(ar)) + m/float64(len(br)) + (m-float64(transpositions)/2)/m) / 3

	prefix := 0
	for i := 0; i < min(4, len(ar), len(br)); i++ {
		if ar[i] != br[i] {
			break
		}
		prefix++
	}
	return jaro + float64(prefix)*0.1*(1-jaro)
}
