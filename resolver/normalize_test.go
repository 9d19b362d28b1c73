package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"lexflow.evalgo.org/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		text string
		typ  model.EntityType
		want string
	}{
		{"lowercase and punctuation", "John A. SMITH", model.EntityPerson, "john a smith"},
		{"honorific stripped", "Dr. Jane Roe", model.EntityPerson, "jane roe"},
		{"stacked honorifics stripped", "Hon. Judge Mary Stone", model.EntityPerson, "mary stone"},
		{"legal suffix stripped", "Acme Corporation", model.EntityOrg, "acme"},
		{"stacked suffixes stripped", "Acme Holdings Co. Ltd.", model.EntityOrg, "acme holdings"},
		{"suffix kept for other types", "Washington Co.", model.EntityLoc, "washington co"},
		{"honorific only normalizes empty", "Mr.", model.EntityPerson, ""},
		{"punctuation only normalizes empty", "---", model.EntityOrg, ""},
		{"whitespace collapsed", "  First   National\tBank ", model.EntityOrg, "first national bank"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.text, tt.typ))
		})
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "acme", "acme", 1},
		{"empty side", "", "acme", 0},
		{"both empty handled by identity", "", "", 1},
		{"one edit in four", "acme", "acne", 0.75},
		{"disjoint", "abcd", "wxyz", 0},
		{"word order ignored by token set", "john smith", "smith john", 1},
		{"partial token overlap", "jane roe", "roe", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 0.0001)
		})
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	a, b := "john smith", "jon smith"
	assert.Equal(t, Similarity(a, b), Similarity(b, a))
	assert.Greater(t, Similarity(a, b), 0.85)
}
