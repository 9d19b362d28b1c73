package cli

import (
	"context"

	"lexflow.evalgo.org/batch"
	"lexflow.evalgo.org/config"
	"lexflow.evalgo.org/db"
	"lexflow.evalgo.org/extractor"
	"lexflow.evalgo.org/metrics"
	"lexflow.evalgo.org/ocr"
	"lexflow.evalgo.org/pipeline"
	"lexflow.evalgo.org/provider"
	"lexflow.evalgo.org/relations"
	"lexflow.evalgo.org/resolver"
	"lexflow.evalgo.org/runtime"
	"lexflow.evalgo.org/state"
	"lexflow.evalgo.org/storage"
)

// app bundles the wired components shared by the CLI commands.
type app struct {
	cfg    *config.Config
	ss     *state.Store
	ps     *db.Store
	queue  *runtime.Queue
	coord  *pipeline.Coordinator
	orch   *batch.Orchestrator
	mc     *metrics.Collector
	events runtime.EventPublisher
}

// buildApp connects every backend and wires the pipeline. The LLM and OCR
// providers come from configuration; an empty LLM URL leaves extraction on
// the local fallback path.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	ss, err := state.New(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	ps, err := db.Open(cfg.Postgres)
	if err != nil {
		ss.Close()
		return nil, err
	}
	if err := ps.Migrate(); err != nil {
		ss.Close()
		return nil, err
	}

	blobs, err := storage.NewS3Store(ctx, cfg.S3)
	if err != nil {
		ss.Close()
		return nil, err
	}

	events, err := runtime.NewEventMirror(cfg.AMQP)
	if err != nil {
		ss.Close()
		return nil, err
	}

	queue := runtime.NewQueue(ss.Client(), cfg.Redis.KeyPrefix)

	var ocrProvider ocr.Provider
	if cfg.Providers.OCRURL != "" {
		ocrProvider = provider.NewOCRClient(cfg.Providers)
	}
	var exProvider extractor.Provider
	var rbProvider relations.Provider
	if cfg.Providers.LLMURL != "" {
		llm := provider.NewLLMClient(cfg.Providers)
		exProvider = llm
		rbProvider = llm
	}

	adapter := ocr.NewAdapter(ocrProvider, nil, blobs, ss, ps, cfg.OCR, "s3", cfg.S3.Bucket)
	ex := extractor.New(exProvider, ss, cfg.Extraction)
	er := resolver.New(cfg.Resolution)
	rb := relations.New(rbProvider, ss, cfg.Relationships, cfg.Extraction)

	coord := pipeline.New(ss, ps, queue, adapter, ex, er, rb, events, cfg)
	orch := batch.New(ss, ps, queue, coord, cfg.Batch, cfg.Worker)

	return &app{
		cfg:    cfg,
		ss:     ss,
		ps:     ps,
		queue:  queue,
		coord:  coord,
		orch:   orch,
		mc:     metrics.NewCollector(ss),
		events: events,
	}, nil
}

// close releases every backend connection.
func (a *app) close() {
	if a.events != nil {
		a.events.Close()
	}
	if a.ss != nil {
		a.ss.Close()
	}
}
