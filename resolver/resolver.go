// Package resolver clusters entity mentions into canonical entities.
// Resolution is deterministic: the same mention set always produces the
// same clusters with the same canonical UUIDs, which makes the stage safe
// to re-run.
package resolver

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/db"
	"lexflow.evalgo.org/model"
)

// canonicalNamespace seeds deterministic canonical UUIDs. Fixed forever;
// changing it would re-key every stored entity.
var canonicalNamespace = uuid.MustParse("8a04e6dd-9a2c-4f5e-9c68-2b6dd1f2a9e1")

// ReasonEmptyNormalized marks mentions whose text normalizes to nothing.
const ReasonEmptyNormalized = "empty_normalized_text"

// Result is the output of resolving one document's mentions.
type Result struct {
	Entities    []model.CanonicalEntity
	Resolutions []db.MentionResolution
}

// Resolver clusters mentions by normalized text and fuzzy similarity.
type Resolver struct {
	cfg config.ResolutionConfig
}

func New(cfg config.ResolutionConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// cluster accumulates mentions that resolve to one canonical entity.
type cluster struct {
	typ        model.EntityType
	normalized string
	mentions   []model.EntityMention
	aliases    map[string]struct{}
}

// Resolve clusters the mentions of one document. Exact normalized matches
// merge first, then clusters of the same type merge when their normalized
// names are similar above the configured threshold. Canonical UUIDs derive
// from (document, type, normalized name), so re-resolution is stable.
func (r *Resolver) Resolve(docUUID string, mentions []model.EntityMention) (*Result, error) {
	log := common.StageLogger(docUUID, "resolution")

	res := &Result{}
	byKey := make(map[string]*cluster)
	var order []string

	for _, m := range mentions {
		norm := Normalize(m.Text, m.Type)
		if norm == "" {
			res.Resolutions = append(res.Resolutions, db.MentionResolution{
				MentionUUID:      m.MentionUUID,
				UnresolvedReason: ReasonEmptyNormalized,
			})
			continue
		}

		key := string(m.Type) + "\x00" + norm
		c, ok := byKey[key]
		if !ok {
			c = &cluster{typ: m.Type, normalized: norm, aliases: make(map[string]struct{})}
			byKey[key] = c
			order = append(order, key)
		}
		c.mentions = append(c.mentions, m)
		c.aliases[m.Text] = struct{}{}
	}

	clusters := make([]*cluster, 0, len(byKey))
	for _, key := range order {
		clusters = append(clusters, byKey[key])
	}

	clusters = r.fuzzyMerge(clusters)

	// Deterministic output order regardless of input order.
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].typ != clusters[j].typ {
			return clusters[i].typ < clusters[j].typ
		}
		return clusters[i].normalized < clusters[j].normalized
	})

	for _, c := range clusters {
		canonicalUUID := CanonicalUUID(docUUID, c.typ, c.normalized)

		aliases := make([]string, 0, len(c.aliases))
		for a := range c.aliases {
			aliases = append(aliases, a)
		}
		sort.Strings(aliases)
		aliasJSON, err := json.Marshal(aliases)
		if err != nil {
			return nil, err
		}

		res.Entities = append(res.Entities, model.CanonicalEntity{
			CanonicalUUID: canonicalUUID,
			DocumentUUID:  docUUID,
			Type:          c.typ,
			CanonicalName: canonicalName(c),
			Aliases:       string(aliasJSON),
			MentionCount:  len(c.mentions),
			Confidence:    meanConfidence(c.mentions),
		})
		for _, m := range c.mentions {
			res.Resolutions = append(res.Resolutions, db.MentionResolution{
				MentionUUID:         m.MentionUUID,
				CanonicalEntityUUID: canonicalUUID,
			})
		}
	}

	log.WithFields(map[string]interface{}{
		"mentions": len(mentions),
		"entities": len(res.Entities),
	}).Info("resolution complete")
	return res, nil
}

// fuzzyMerge folds same-type clusters whose normalized names score at or
// above the threshold together. The surviving normalized name comes from
// the side with higher aggregate confidence, ties going to the
// lexicographically smaller name. Single pass over deterministic pair order
// keeps the result stable.
func (r *Resolver) fuzzyMerge(clusters []*cluster) []*cluster {
	merged := make([]bool, len(clusters))
	for i := 0; i < len(clusters); i++ {
		if merged[i] {
			continue
		}
		for j := i + 1; j < len(clusters); j++ {
			if merged[j] || clusters[i].typ != clusters[j].typ {
				continue
			}
			if Similarity(clusters[i].normalized, clusters[j].normalized) < r.cfg.FuzzyThreshold {
				continue
			}

			dst, src := clusters[i], clusters[j]
			dst.normalized = survivingName(dst, src)
			dst.mentions = append(dst.mentions, src.mentions...)
			for a := range src.aliases {
				dst.aliases[a] = struct{}{}
			}
			merged[j] = true
		}
	}

	out := clusters[:0]
	for i, c := range clusters {
		if !merged[i] {
			out = append(out, c)
		}
	}
	return out
}

// survivingName picks the normalized name a merged cluster keeps.
func survivingName(a, b *cluster) string {
	ca, cb := sumConfidence(a.mentions), sumConfidence(b.mentions)
	switch {
	case ca > cb:
		return a.normalized
	case cb > ca:
		return b.normalized
	}
	if b.normalized < a.normalized {
		return b.normalized
	}
	return a.normalized
}

func sumConfidence(mentions []model.EntityMention) float64 {
	sum := 0.0
	for _, m := range mentions {
		sum += m.Confidence
	}
	return sum
}

// CanonicalUUID derives the stable UUID for a cluster.
func CanonicalUUID(docUUID string, typ model.EntityType, normalized string) string {
	name := docUUID + "|" + string(typ) + "|" + normalized
	return uuid.NewSHA1(canonicalNamespace, []byte(name)).String()
}

// canonicalName picks the longest alias as the display name. Longer legal
// names carry more qualifiers (full corporate names over abbreviations).
func canonicalName(c *cluster) string {
	best := ""
	aliases := make([]string, 0, len(c.aliases))
	for a := range c.aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	for _, a := range aliases {
		if len(a) > len(best) {
			best = a
		}
	}
	return strings.TrimSpace(best)
}

func meanConfidence(mentions []model.EntityMention) float64 {
	if len(mentions) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range mentions {
		sum += m.Confidence
	}
	return sum / float64(len(mentions))
}
