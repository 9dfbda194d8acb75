// Package pipeline orchestrates one ingest run: for every configured source
// it fetches raw rows, cleans them, validates them against the source schema
// and rules, upserts the survivors in batches, and stores the rejects for
// audit.
//
// Sources are isolated from each other: one source failing (unreachable
// endpoint, bad file, load error) is reported and counted, but the remaining
// sources still run. Reject persistence is fire-and-forget relative to the
// load: a failure to write stg_rejects is logged and never unwinds rows that
// already committed.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ingest/internal/clean"
	"ingest/internal/config"
	"ingest/internal/metrics"
	"ingest/internal/report"
	"ingest/internal/rules"
	"ingest/internal/source"
	"ingest/internal/storage"
	"ingest/internal/validate"
)

// Pipeline runs configured sources against one storage repository.
type Pipeline struct {
	Cfg  config.Config
	Repo storage.Repository

	// NewSource builds the fetcher for one source. Overridable in tests;
	// defaults to source.New.
	NewSource func(config.Source) (source.Source, error)
}

// New constructs a Pipeline with the default source factory.
func New(cfg config.Config, repo storage.Repository) *Pipeline {
	return &Pipeline{
		Cfg:       cfg,
		Repo:      repo,
		NewSource: source.New,
	}
}

// Run executes every configured source (or just the one named by only) and
// returns the run report. Source failures are captured in the report, not
// returned; Run errs only when `only` names an unknown source.
func (p *Pipeline) Run(ctx context.Context, only string) (*report.RunReport, error) {
	srcs := p.Cfg.Sources
	if only != "" {
		srcs = nil
		for _, s := range p.Cfg.Sources {
			if s.Name == only {
				srcs = append(srcs, s)
			}
		}
		if len(srcs) == 0 {
			return nil, fmt.Errorf("no source named %q in config", only)
		}
	}

	rep := &report.RunReport{Started: time.Now()}

	limit := p.Cfg.Defaults.ParallelSources
	if limit <= 0 {
		limit = config.DefaultParallelSources
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, src := range srcs {
		src := src
		g.Go(func() error {
			sr := p.runSource(gctx, src)
			mu.Lock()
			rep.Add(sr)
			mu.Unlock()
			// Source failures are data for the report, never group errors:
			// returning one would cancel gctx and abort sibling sources.
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures live in the report

	return rep, nil
}

// InitSchemas drops and recreates the target table for every configured
// source, plus the shared stg_rejects table.
func (p *Pipeline) InitSchemas(ctx context.Context) error {
	for _, src := range p.Cfg.Sources {
		spec := storage.NewTableSpec(src.TargetTable, src.Schema, src.PK)
		if err := p.Repo.InitSchema(ctx, spec); err != nil {
			return fmt.Errorf("init schema for source %q: %w", src.Name, err)
		}
		log.Printf("pipeline: source=%s table=%s schema initialized", src.Name, src.TargetTable)
	}
	return nil
}

// runSource executes the full fetch/clean/validate/load sequence for one
// source and returns its report entry.
func (p *Pipeline) runSource(ctx context.Context, src config.Source) report.SourceReport {
	sr := report.SourceReport{Source: src.Name}
	t0 := time.Now()
	defer func() { sr.Duration = time.Since(t0) }()

	newSource := p.NewSource
	if newSource == nil {
		newSource = source.New
	}
	fetcher, err := newSource(src)
	if err != nil {
		sr.Err = err
		return sr
	}

	fetchStart := time.Now()
	raw, err := fetcher.Fetch(ctx)
	metrics.RecordStage(src.Name, "fetch", err, time.Since(fetchStart))
	if err != nil {
		sr.Err = fmt.Errorf("fetch: %w", err)
		return sr
	}
	sr.Input = int64(len(raw))
	metrics.RecordRows(src.Name, "fetched", sr.Input)
	log.Printf("pipeline: source=%s fetched=%d", src.Name, len(raw))

	cleaned := clean.Clean(raw, src.Schema, src.PK)
	metrics.RecordRows(src.Name, "cleaned", int64(len(cleaned)))

	validateStart := time.Now()
	engine := validate.NewEngine(src.Name, src.Schema, src.PK,
		rules.ParseAll(src.Rules), p.Cfg.Defaults.StrictDates)
	res := engine.Validate(cleaned)
	metrics.RecordStage(src.Name, "validate", nil, time.Since(validateStart))

	sr.Valid = int64(len(res.Valid))
	sr.Rejected = int64(len(res.Rejects))
	metrics.RecordRows(src.Name, "rejected", sr.Rejected)
	if len(res.Rejects) > 0 {
		log.Printf("pipeline: source=%s rejected=%d", src.Name, len(res.Rejects))
	}

	batchSize := p.Cfg.Defaults.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	spec := storage.NewTableSpec(src.TargetTable, src.Schema, src.PK)

	loadStart := time.Now()
	lr, loadErr := storage.LoadBatches(ctx, p.Repo, spec, res.Valid, batchSize)
	metrics.RecordStage(src.Name, "load", loadErr, time.Since(loadStart))

	sr.Inserted = lr.Inserted
	sr.Updated = lr.Updated
	metrics.RecordRows(src.Name, "inserted", lr.Inserted)
	metrics.RecordRows(src.Name, "updated", lr.Updated)
	metrics.RecordBatches(src.Name, batchCount(len(res.Valid), batchSize))

	p.storeRejects(ctx, src.Name, res.Rejects)

	if loadErr != nil {
		sr.Err = fmt.Errorf("load: %w", loadErr)
	}
	return sr
}

// storeRejects persists rejected rows for audit. Errors are logged only; the
// load outcome stands regardless.
func (p *Pipeline) storeRejects(ctx context.Context, sourceName string, rejects []validate.Reject) {
	if len(rejects) == 0 {
		return
	}
	rows := make([]storage.RejectRow, 0, len(rejects))
	for _, r := range rejects {
		rows = append(rows, storage.NewRejectRow(r.SourceName, r.RawPayload, r.Reason))
	}
	n, err := p.Repo.StoreRejects(ctx, rows)
	if err != nil {
		log.Printf("pipeline: source=%s storing %d rejects failed: %v", sourceName, len(rows), err)
		return
	}
	log.Printf("pipeline: source=%s stored %d rejects", sourceName, n)
}

func batchCount(rows, batchSize int) int64 {
	if rows == 0 || batchSize <= 0 {
		return 0
	}
	return int64((rows + batchSize - 1) / batchSize)
}
