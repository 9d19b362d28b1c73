// Package relations builds staged relationships between canonical
// entities. Candidate edges come from an external relationship function
// invoked per chunk; the builder projects mention endpoints onto canonical
// entities and persists a deduplicated, thresholded edge set.
package relations

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/state"
)

// edgeNamespace seeds deterministic relationship UUIDs.
var edgeNamespace = uuid.MustParse("4f9c2b1a-7d3e-4c8a-b5f0-6e1a9d8c7b42")

// tokenBucket is the shared provider bucket name in the state store.
const tokenBucket = "relationships"

// evidenceLimit bounds stored evidence text.
const evidenceLimit = 300

// Candidate is one edge proposed by the relationship function, endpoints
// given as mention UUIDs within the submitted chunk.
type Candidate struct {
	FromMentionUUID string
	ToMentionUUID   string
	Type            string
	Confidence      float64
}

// Provider is the external relationship function contract.
type Provider interface {
	ExtractRelationships(ctx context.Context, text string, mentions []model.EntityMention) ([]Candidate, error)
}

// Builder turns chunk-level candidates into document-level staged edges.
type Builder struct {
	provider Provider
	ss       *state.Store
	pacer    *rate.Limiter
	cfg      config.RelationshipConfig
	rateCfg  config.ExtractionConfig
}

// New wires a builder. The provider shares the extraction service's rate
// envelope, tracked under a separate bucket.
func New(provider Provider, ss *state.Store, cfg config.RelationshipConfig, rateCfg config.ExtractionConfig) *Builder {
	return &Builder{
		provider: provider,
		ss:       ss,
		pacer:    rate.NewLimiter(rate.Limit(rateCfg.RatePerSecond), rateCfg.RateBurst),
		cfg:      cfg,
		rateCfg:  rateCfg,
	}
}

// Build produces the staged relationship set for one document. Both
// mentions and canonical entities must be supplied; the builder never
// derives one from the other. Output is deterministic for a given input
// set, so re-running the stage replaces staging rows with identical ones.
func (b *Builder) Build(ctx context.Context, docUUID string, chunks []model.DocumentChunk,
	mentions []model.EntityMention, canonicals []model.CanonicalEntity) ([]model.StagedRelationship, error) {
	log := common.StageLogger(docUUID, "relationships")

	canonicalSet := make(map[string]struct{}, len(canonicals))
	for _, c := range canonicals {
		canonicalSet[c.CanonicalUUID] = struct{}{}
	}

	toCanonical := make(map[string]string, len(mentions))
	byChunk := make(map[int][]model.EntityMention)
	for _, m := range mentions {
		toCanonical[m.MentionUUID] = m.CanonicalEntityUUID
		byChunk[m.ChunkIndex] = append(byChunk[m.ChunkIndex], m)
	}

	type edgeKey struct {
		from, to, typ string
	}
	best := make(map[edgeKey]*model.StagedRelationship)

	for _, chunk := range chunks {
		chunkMentions := byChunk[chunk.ChunkIndex]
		if len(chunkMentions) < 2 {
			continue
		}

		cands, err := b.extract(ctx, chunk.Text, chunkMentions)
		if err != nil {
			return nil, common.WrapStageError(common.Classify(err), "relationship_extraction_failed", err)
		}

		for _, cand := range cands {
			from, to := toCanonical[cand.FromMentionUUID], toCanonical[cand.ToMentionUUID]
			if from == "" || to == "" {
				continue // unresolved endpoint
			}
			if _, ok := canonicalSet[from]; !ok {
				continue
			}
			if _, ok := canonicalSet[to]; !ok {
				continue
			}
			if from == to {
				continue // self-loop after projection
			}
			if cand.Confidence < b.cfg.MinConfidence {
				continue
			}

			key := edgeKey{from, to, cand.Type}
			if cur, ok := best[key]; ok {
				// Keep the highest confidence; evidence stays with the
				// first supporting chunk.
				if cand.Confidence > cur.Confidence {
					cur.Confidence = cand.Confidence
				}
				continue
			}
			best[key] = &model.StagedRelationship{
				RelationshipUUID:  edgeUUID(docUUID, from, to, cand.Type),
				DocumentUUID:      docUUID,
				FromEntityUUID:    from,
				ToEntityUUID:      to,
				Type:              cand.Type,
				Confidence:        cand.Confidence,
				EvidenceChunkUUID: chunk.ChunkUUID,
				EvidenceText:      truncate(chunk.Text, evidenceLimit),
			}
		}
	}

	edges := make([]model.StagedRelationship, 0, len(best))
	for _, e := range best {
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].RelationshipUUID < edges[j].RelationshipUUID
	})

	log.WithFields(map[string]interface{}{
		"chunks": len(chunks),
		"edges":  len(edges),
	}).Info("relationship building complete")
	return edges, nil
}

// extract calls the relationship function under the shared rate envelope,
// retrying once after a rate-limit backoff. Without a provider the builder
// degrades to local co-occurrence candidates.
func (b *Builder) extract(ctx context.Context, text string, mentions []model.EntityMention) ([]Candidate, error) {
	if b.provider == nil {
		return localCandidates(mentions), nil
	}
	if err := b.waitToken(ctx); err != nil {
		return nil, err
	}
	if err := b.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	cands, err := b.provider.ExtractRelationships(ctx, text, mentions)
	if err != nil && common.Classify(err) == common.ErrRateLimit {
		if serr := sleep(ctx, common.RetryDelay(common.ErrRateLimit, 1)); serr != nil {
			return nil, serr
		}
		cands, err = b.provider.ExtractRelationships(ctx, text, mentions)
	}
	return cands, err
}

func (b *Builder) waitToken(ctx context.Context) error {
	for {
		ok, err := b.ss.TakeToken(ctx, tokenBucket, b.rateCfg.RateBurst, time.Second)
		if err != nil {
			return fmt.Errorf("failed to take relationship token: %w", err)
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

// LocalEdgeType labels locally derived co-occurrence edges.
const LocalEdgeType = "MENTIONED_WITH"

// localCandidates pairs mentions co-occurring in one chunk, ordered by
// appearance. Confidence sits exactly at the default threshold so operators
// can tune it away.
func localCandidates(mentions []model.EntityMention) []Candidate {
	var cands []Candidate
	for i := 0; i < len(mentions); i++ {
		for j := i + 1; j < len(mentions); j++ {
			cands = append(cands, Candidate{
				FromMentionUUID: mentions[i].MentionUUID,
				ToMentionUUID:   mentions[j].MentionUUID,
				Type:            LocalEdgeType,
				Confidence:      0.5,
			})
		}
	}
	return cands
}

func edgeUUID(docUUID, from, to, typ string) string {
	name := docUUID + "|" + from + "|" + to + "|" + typ
	return uuid.NewSHA1(edgeNamespace, []byte(name)).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
