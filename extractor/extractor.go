// Package extractor runs entity extraction over document chunks. The
// primary extractor is an external LLM provider behind the Provider
// interface; a local pattern extractor takes over after repeated provider
// failures so a document never stalls on a degraded provider.
package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lexflow.evalgo.org/common"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/model"
	"lexflow.evalgo.org/state"
)

// Mention is one candidate entity span, offsets relative to the chunk text.
type Mention struct {
	Text       string
	Type       model.EntityType
	Start      int
	End        int
	Confidence float64
}

// Provider is the external extraction service contract.
type Provider interface {
	ExtractEntities(ctx context.Context, text string) ([]Mention, error)
}

// Extraction method values recorded on each mention.
const (
	MethodLLM   = "llm"
	MethodLocal = "local"
)

// tokenBucket is the shared provider bucket name in the state store.
const tokenBucket = "extraction"

// Extractor runs extraction for one document at a time.
type Extractor struct {
	provider Provider
	ss       *state.Store
	pacer    *rate.Limiter
	cfg      config.ExtractionConfig
}

// New wires an extractor. The local pacer smooths this worker's request
// rate; the state store bucket is the authoritative cross-worker limit.
func New(provider Provider, ss *state.Store, cfg config.ExtractionConfig) *Extractor {
	return &Extractor{
		provider: provider,
		ss:       ss,
		pacer:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		cfg:      cfg,
	}
}

// ExtractDocument extracts mentions from every chunk in order. After
// FallbackAfter consecutive provider failures the remaining chunks use the
// local extractor; a single failed chunk also falls back locally so the
// stage always produces a complete mention set.
func (e *Extractor) ExtractDocument(ctx context.Context, docUUID string, chunks []model.DocumentChunk) ([]model.EntityMention, error) {
	log := common.StageLogger(docUUID, "extraction")

	var mentions []model.EntityMention
	consecutive := 0
	degraded := e.provider == nil

	for _, chunk := range chunks {
		var raw []Mention
		method := MethodLocal

		if !degraded {
			got, err := e.extractRemote(ctx, chunk.Text)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				consecutive++
				log.WithError(err).WithFields(map[string]interface{}{
					"chunk_index":          chunk.ChunkIndex,
					"consecutive_failures": consecutive,
				}).Warn("provider extraction failed, using local extractor for chunk")
				if consecutive >= e.cfg.FallbackAfter {
					degraded = true
					log.Warn("provider failure budget exhausted, switching to local extraction")
				}
			} else {
				consecutive = 0
				raw = got
				method = MethodLLM
			}
		}

		if method == MethodLocal {
			raw = LocalExtract(chunk.Text)
		}

		for _, m := range e.validate(chunk, raw, log) {
			mentions = append(mentions, model.EntityMention{
				MentionUUID:      uuid.NewString(),
				DocumentUUID:     docUUID,
				ChunkUUID:        chunk.ChunkUUID,
				ChunkIndex:       chunk.ChunkIndex,
				Text:             m.Text,
				Type:             m.Type,
				Confidence:       m.Confidence,
				StartOffset:      m.Start,
				EndOffset:        m.End,
				ExtractionMethod: method,
			})
		}
	}

	log.WithField("mentions", len(mentions)).Info("extraction complete")
	return mentions, nil
}

// extractRemote takes a shared token and a local pacer slot, then calls the
// provider. Rate-limit responses wait out the backoff and retry once.
func (e *Extractor) extractRemote(ctx context.Context, text string) ([]Mention, error) {
	if err := e.waitToken(ctx); err != nil {
		return nil, err
	}
	if err := e.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := e.provider.ExtractEntities(ctx, text)
	if err != nil && common.Classify(err) == common.ErrRateLimit {
		if serr := sleep(ctx, common.RetryDelay(common.ErrRateLimit, 1)); serr != nil {
			return nil, serr
		}
		raw, err = e.provider.ExtractEntities(ctx, text)
	}
	return raw, err
}

// waitToken blocks until the shared bucket grants a token. The bucket
// refills once per second at burst capacity.
func (e *Extractor) waitToken(ctx context.Context) error {
	for {
		ok, err := e.ss.TakeToken(ctx, tokenBucket, e.cfg.RateBurst, time.Second)
		if err != nil {
			return fmt.Errorf("failed to take extraction token: %w", err)
		}
		if ok {
			return nil
		}
		if err := sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
}

// validate drops or repairs provider output: spans must lie inside the
// chunk and match its text, types outside the whitelist are re-typed to
// OTHER (or dropped when configured), and repeated (lowercased text, type)
// pairs within the chunk collapse to the highest-confidence span.
func (e *Extractor) validate(chunk model.DocumentChunk, raw []Mention, log *common.ContextLogger) []Mention {
	type textKey struct {
		text string
		typ  model.EntityType
	}
	seen := make(map[textKey]int)

	var out []Mention
	for _, m := range raw {
		if m.Start < 0 || m.End > len(chunk.Text) || m.Start >= m.End {
			log.WithFields(map[string]interface{}{
				"chunk_index": chunk.ChunkIndex,
				"start":       m.Start,
				"end":         m.End,
			}).Debug("dropping mention with out-of-range span")
			continue
		}
		if got := chunk.Text[m.Start:m.End]; got != m.Text {
			// Providers sometimes return trimmed text; accept when the
			// span covers it, otherwise drop.
			if strings.TrimSpace(got) == m.Text {
				m.Start += strings.Index(got, m.Text)
				m.End = m.Start + len(m.Text)
			} else {
				log.WithField("chunk_index", chunk.ChunkIndex).Debug("dropping mention with mismatched span text")
				continue
			}
		}

		if !knownType(m.Type) {
			if e.cfg.DropUnknownTypes {
				continue
			}
			m.Type = model.EntityOther
		}
		if m.Confidence < 0 || m.Confidence > 1 {
			m.Confidence = 0.5
		}

		key := textKey{strings.ToLower(m.Text), m.Type}
		if idx, dup := seen[key]; dup {
			if m.Confidence > out[idx].Confidence {
				out[idx] = m
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, m)
	}
	return out
}

func knownType(t model.EntityType) bool {
	for _, k := range model.KnownEntityTypes {
		if t == k {
			return true
		}
	}
	return false
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
