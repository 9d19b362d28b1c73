package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexflow.evalgo.org/model"
)

func TestLocalExtract(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		typ  model.EntityType
	}{
		{"dollar amount", "damages of $1,250,000.50 were awarded", "$1,250,000.50", model.EntityMoney},
		{"currency code", "a fee of USD 300 applies", "USD 300", model.EntityMoney},
		{"scaled amount", "valued at $2 million at closing", "$2 million", model.EntityMoney},
		{"long form date", "executed on January 5, 2024 by counsel", "January 5, 2024", model.EntityDate},
		{"iso date", "filed 2024-03-15 with the clerk", "2024-03-15", model.EntityDate},
		{"slash date", "served on 3/15/2024 by mail", "3/15/2024", model.EntityDate},
		{"org with suffix", "between Acme Holdings LLC and the plaintiff", "Acme Holdings LLC", model.EntityOrg},
		{"law firm", "represented by Smith & Jones LLP throughout", "Smith & Jones LLP", model.EntityOrg},
		{"location phrase", "within the City of Springfield limits", "City of Springfield", model.EntityLoc},
		{"honorific person", "testimony of Dr. Jane Doe was heard", "Dr. Jane Doe", model.EntityPerson},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mentions := LocalExtract(tt.text)
			require.NotEmpty(t, mentions)

			found := false
			for _, m := range mentions {
				if m.Text == tt.want && m.Type == tt.typ {
					found = true
					assert.Equal(t, tt.text[m.Start:m.End], m.Text)
				}
			}
			assert.True(t, found, "expected %q (%s) in %+v", tt.want, tt.typ, mentions)
		})
	}
}

func TestLocalExtractNoMatches(t *testing.T) {
	assert.Empty(t, LocalExtract("the aforementioned party shall comply herewith"))
}

func TestLocalExtractOrdering(t *testing.T) {
	text := "On January 5, 2024 Acme Holdings LLC paid $500 to the City of Springfield."
	mentions := LocalExtract(text)
	require.GreaterOrEqual(t, len(mentions), 4)

	for i := 1; i < len(mentions); i++ {
		assert.GreaterOrEqual(t, mentions[i].Start, mentions[i-1].End,
			"mentions must be ordered and non-overlapping")
	}
}

func TestLocalExtractOverlapPriority(t *testing.T) {
	// Each pattern claims its span once; later patterns never re-claim an
	// overlapping region.
	text := "paid $5,000 on January 5, 2024"
	mentions := LocalExtract(text)

	var money, date int
	for _, m := range mentions {
		switch m.Type {
		case model.EntityMoney:
			money++
		case model.EntityDate:
			date++
		}
	}
	assert.Equal(t, 1, money)
	assert.Equal(t, 1, date)
}
