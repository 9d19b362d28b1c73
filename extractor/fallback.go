package extractor

import (
	"regexp"
	"sort"

	"lexflow.evalgo.org/model"
)

// Local pattern extraction. Deliberately conservative: legal documents
// follow strong surface conventions (honorifics, corporate suffixes,
// currency, dates), so precision stays usable even without a model.

var (
	moneyRe = regexp.MustCompile(`(?:USD|EUR|GBP|\$|€|£)\s?\d[\d,]*(?:\.\d{1,2})?(?:\s?(?:million|billion|thousand))?`)

	dateRe = regexp.MustCompile(`(?:\d{1,2}\s)?(?:January|February|March|April|May|June|July|August|September|October|November|December)\s\d{1,2},?\s\d{4}|\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}`)

	// Mr. John A. Smith, Judge Smith, Dr. Jane Doe
	personRe = regexp.MustCompile(`(?:Mr\.|Mrs\.|Ms\.|Dr\.|Judge|Justice|Hon\.)\s[A-Z][a-z]+(?:\s[A-Z]\.?)?(?:\s[A-Z][a-z]+)+|[A-Z][a-z]+\s[A-Z][a-z]+(?:\s(?:Jr\.|Sr\.|II|III|IV))`)

	// Acme Holdings LLC, Smith & Jones LLP
	orgRe = regexp.MustCompile(`[A-Z][A-Za-z&.,'\- ]{1,60}?\s(?:Inc\.?|LLC|LLP|L\.P\.|Ltd\.?|Corp\.?|Corporation|Company|Co\.|GmbH|S\.A\.|PLC|N\.A\.|Trust|Partners|Group|Bank)\b`)

	locRe = regexp.MustCompile(`(?:City|County|State|District|Commonwealth)\sof\s[A-Z][a-z]+(?:\s[A-Z][a-z]+)?`)
)

var localPatterns = []struct {
	re   *regexp.Regexp
	typ  model.EntityType
	conf float64
}{
	{moneyRe, model.EntityMoney, 0.9},
	{dateRe, model.EntityDate, 0.9},
	{orgRe, model.EntityOrg, 0.7},
	{locRe, model.EntityLoc, 0.7},
	{personRe, model.EntityPerson, 0.6},
}

// LocalExtract runs the pattern extractors over text and returns mentions
// in document order. Overlapping matches keep the earlier, higher-priority
// pattern.
func LocalExtract(text string) []Mention {
	var mentions []Mention
	for _, p := range localPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if overlapsAny(mentions, loc[0], loc[1]) {
				continue
			}
			mentions = append(mentions, Mention{
				Text:       text[loc[0]:loc[1]],
				Type:       p.typ,
				Start:      loc[0],
				End:        loc[1],
				Confidence: p.conf,
			})
		}
	}
	sort.Slice(mentions, func(i, j int) bool {
		if mentions[i].Start != mentions[j].Start {
			return mentions[i].Start < mentions[j].Start
		}
		return mentions[i].End < mentions[j].End
	})
	return mentions
}

func overlapsAny(mentions []Mention, start, end int) bool {
	for _, m := range mentions {
		if start < m.End && m.Start < end {
			return true
		}
	}
	return false
}
