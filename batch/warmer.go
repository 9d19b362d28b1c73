package batch

import (
	"context"
	"fmt"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/db"
	"lexflow.evalgo.org/state"
)

// frequentEntityLimit bounds the project entity preload.
const frequentEntityLimit = 200

// Warmer preloads persistent-store results into the state store before a
// batch begins, so early stages hit warm caches instead of Postgres.
// Warming is idempotent; entries carry the configured warm TTL.
type Warmer struct {
	ss  *state.Store
	ps  *db.Store
	cfg config.BatchConfig
}

func NewWarmer(ss *state.Store, ps *db.Store, cfg config.BatchConfig) *Warmer {
	return &Warmer{ss: ss, ps: ps, cfg: cfg}
}

// WarmBatch preloads OCR text, chunks, resolution maps, and the project's
// frequent canonical entities for every document in the batch. Individual
// misses are skipped, not fatal.
func (w *Warmer) WarmBatch(ctx context.Context, batchID string) error {
	manifest := &Manifest{}
	if err := w.ss.GetBatchManifest(ctx, batchID, manifest); err != nil {
		return fmt.Errorf("unknown batch %s: %w", batchID, err)
	}
	log := common.BatchLogger(batchID)

	uuids := make([]string, len(manifest.Documents))
	for i, d := range manifest.Documents {
		uuids[i] = d.DocumentUUID
	}
	docs, err := w.ps.ListDocuments(ctx, uuids)
	if err != nil {
		return err
	}

	warmed := 0
	for _, doc := range docs {
		if doc.RawText != "" {
			if err := w.ss.SetOCRTextTTL(ctx, doc.DocumentUUID, doc.RawText, w.cfg.WarmTTL); err != nil {
				return err
			}
			warmed++
		}

		chunks, err := w.ps.GetChunks(ctx, doc.DocumentUUID)
		if err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := w.ss.SetJSON(ctx, state.ChunksKey(doc.DocumentUUID), chunks, w.cfg.WarmTTL); err != nil {
				return err
			}
		}

		mentions, err := w.ps.GetMentions(ctx, doc.DocumentUUID)
		if err != nil {
			return err
		}
		resolution := make(map[string]string, len(mentions))
		for _, m := range mentions {
			if m.CanonicalEntityUUID != "" {
				resolution[m.MentionUUID] = m.CanonicalEntityUUID
			}
		}
		if len(resolution) > 0 {
			if err := w.ss.SetJSON(ctx, state.ResolutionKey(doc.DocumentUUID), resolution, w.cfg.WarmTTL); err != nil {
				return err
			}
		}
	}

	if manifest.ProjectUUID != "" {
		names, err := w.ps.FrequentCanonicalNames(ctx, manifest.ProjectUUID, frequentEntityLimit)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			if err := w.ss.SetJSON(ctx, state.ProjectEntitiesKey(manifest.ProjectUUID), names, w.cfg.WarmTTL); err != nil {
				return err
			}
		}
	}

	log.WithFields(map[string]interface{}{
		"documents": len(docs),
		"warmed":    warmed,
	}).Info("cache warm complete")
	return nil
}
