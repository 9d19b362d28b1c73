package resolver

import (
	"strings"
	"unicode"

	"lexflow.evalgo.org/model"
)

// honorifics are stripped from PERSON mentions before clustering.
var honorifics = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {},
	"judge": {}, "justice": {}, "hon": {}, "esq": {},
}

// legalSuffixes are stripped from ORG mentions before clustering, so
// "Acme Corp." and "Acme Corporation" key identically.
var legalSuffixes = map[string]struct{}{
	"inc": {}, "incorporated": {}, "llc": {}, "llp": {}, "lp": {},
	"ltd": {}, "limited": {}, "corp": {}, "corporation": {}, "co": {},
	"company": {}, "gmbh": {}, "sa": {}, "plc": {}, "na": {},
}

// Normalize lowercases, strips punctuation, collapses whitespace, and
// removes type-specific affixes. An empty result means the mention carries
// no resolvable content.
func Normalize(text string, typ model.EntityType) string {
	words := strings.Fields(clean(text))

	switch typ {
	case model.EntityPerson:
		for len(words) > 0 {
			if _, ok := honorifics[words[0]]; !ok {
				break
			}
			words = words[1:]
		}
	case model.EntityOrg:
		for len(words) > 0 {
			if _, ok := legalSuffixes[words[len(words)-1]]; !ok {
				break
			}
			words = words[:len(words)-1]
		}
	}

	return strings.Join(words, " ")
}

// clean lowercases and replaces everything but letters and digits with
// spaces.
func clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// Similarity scores two normalized names in [0, 1] as the higher of the
// edit-distance ratio and the token-set ratio. The edit ratio catches
// spelling variants ("jonathon"), the token-set ratio catches word-order
// variants ("smith john" vs "john smith").
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	ra, rb := []rune(a), []rune(b)
	dist := levenshtein(ra, rb)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	edit := 1 - float64(dist)/float64(longest)

	if tokens := tokenSetRatio(a, b); tokens > edit {
		return tokens
	}
	return edit
}

// tokenSetRatio is the Jaccard overlap of the whitespace-delimited token
// sets of two normalized names.
func tokenSetRatio(a, b string) float64 {
	as := make(map[string]struct{})
	for _, t := range strings.Fields(a) {
		as[t] = struct{}{}
	}
	intersection, union := 0, len(as)
	seen := make(map[string]struct{})
	for _, t := range strings.Fields(b) {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := as[t]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// levenshtein computes edit distance with a rolling single-row buffer.
func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur := i
		diag := prev[0]
		prev[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			next := min3(prev[j]+1, cur+1, diag+cost)
			diag = prev[j]
			prev[j] = next
			cur = next
		}
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
