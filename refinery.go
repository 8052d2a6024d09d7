// Package refinery compiles declarative dataset transformations into
// optimized, cached execution plans.
//
// A chain is described once with the Dataset builder, expanded into
// physical candidates, priced, selected under a policy and pulled record
// by record:
//
//	ws, err := refinery.Open(cfg, logger, reg)
//	leads := refinery.Scan("leads", leadSchema).
//		Filter("the lead looks enterprise ready").
//		Convert(scoredSchema)
//	recs, stats, err := ws.Run(ctx, leads, planner.MinCost{})
package refinery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/refinery-data/refinery/internal/cache"
	"github.com/refinery-data/refinery/internal/catalog"
	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/config"
	"github.com/refinery-data/refinery/internal/engine"
	"github.com/refinery-data/refinery/internal/physical"
	"github.com/refinery-data/refinery/internal/planner"
	"github.com/refinery-data/refinery/internal/record"
	"github.com/refinery-data/refinery/internal/synth"
)

// Workspace is the explicit execution context: catalog, cache, completion
// service, logger and metrics travel together instead of hanging off
// process globals, so two workspaces coexist in one process.
type Workspace struct {
	Catalog    *catalog.Catalog
	Cache      *cache.Cache
	Completion completion.Service
	Logger     log.Logger
	// Planner bounds the plan search space. The zero value considers
	// every model and tactic.
	Planner planner.Config

	engine *engine.Engine
}

// Open assembles a workspace from configuration: a persisted catalog and
// sqlite cache under the workdir, and either an HTTP completion client or
// the deterministic simulator when no endpoint is configured.
func Open(cfg *config.Config, logger log.Logger, reg prometheus.Registerer) (*Workspace, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("refinery: create workdir: %w", err)
	}
	cat, err := catalog.Open(cfg.Workdir, logger)
	if err != nil {
		return nil, err
	}

	cachePath := cfg.Cache.Path
	if cachePath == "" {
		cachePath = filepath.Join(cfg.Workdir, "cache.db")
	}
	var store cache.Store
	if cachePath == ":memory:" {
		store = cache.NewMemory()
	} else {
		store, err = cache.OpenSQLite(cachePath)
		if err != nil {
			return nil, err
		}
	}

	var svc completion.Service
	if cfg.Completion.Address != "" {
		svc = completion.NewHTTPClient(cfg.Completion.Address, cfg.Completion.APIKey)
	} else {
		svc = &completion.Simulator{}
	}

	ws := New(cat, cache.NewSized(store, cfg.Cache.ArtifactLRU, logger, reg),
		completion.Instrument(svc, logger, reg), logger, reg)
	ws.Planner = plannerConfig(cfg)
	return ws, nil
}

// New wires a workspace from already-built parts. Embedders and tests use
// this; Open is the config-driven path.
func New(cat *catalog.Catalog, c *cache.Cache, svc completion.Service, logger log.Logger, reg prometheus.Registerer) *Workspace {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Workspace{
		Catalog:    cat,
		Cache:      c,
		Completion: svc,
		Logger:     logger,
		engine:     engine.New(logger, reg),
	}
}

// Env is the execution environment handed to bound operators.
func (w *Workspace) Env() physical.Env {
	return physical.Env{
		Catalog:    w.Catalog,
		Cache:      w.Cache,
		Completion: w.Completion,
		Logger:     w.Logger,
	}
}

// Plans enumerates and prices every candidate plan for the chain.
func (w *Workspace) Plans(ds *Dataset) ([]*planner.Plan, error) {
	root, err := ds.Node()
	if err != nil {
		return nil, err
	}
	return planner.NewEnumerator(w.Env(), w.Planner).Enumerate(root)
}

// Run compiles the chain, picks one plan under the policy and pulls it
// dry.
func (w *Workspace) Run(ctx context.Context, ds *Dataset, policy planner.Policy) ([]*record.Record, engine.RunStats, error) {
	plans, err := w.Plans(ds)
	if err != nil {
		return nil, engine.RunStats{}, err
	}
	plan, err := policy.Choose(plans)
	if err != nil {
		return nil, engine.RunStats{}, err
	}
	return w.RunPlan(ctx, plan)
}

// RunPlan executes one already-chosen candidate, for callers that inspect
// the Plans list and pick their own.
func (w *Workspace) RunPlan(ctx context.Context, plan *planner.Plan) ([]*record.Record, engine.RunStats, error) {
	return w.engine.Run(ctx, plan)
}

// Close releases the cache store. The catalog needs no teardown.
func (w *Workspace) Close() error {
	return w.Cache.Close()
}

// PolicyFor resolves the configured selection policy.
func PolicyFor(cfg *config.Config) (planner.Policy, error) {
	switch cfg.Planner.Policy {
	case config.PolicyMinCost:
		return planner.MinCost{}, nil
	case config.PolicyMaxQuality:
		return planner.MaxQualityMinRuntime{}, nil
	case config.PolicyMaxQualityFixedCost:
		return planner.MaxQualityAtFixedCost{Budget: cfg.Planner.Budget}, nil
	case config.PolicyMinRuntimeAtQuality:
		return planner.MinRuntimeAtFixedQuality{Floor: cfg.Planner.QualityFloor}, nil
	default:
		return nil, fmt.Errorf("refinery: unknown policy %q", cfg.Planner.Policy)
	}
}

func plannerConfig(cfg *config.Config) planner.Config {
	tactics := make([]synth.Tactic, 0, len(cfg.Planner.CodeTactics))
	for _, t := range cfg.Planner.CodeTactics {
		tactics = append(tactics, synth.Tactic(t))
	}
	return planner.Config{
		Models:        cfg.Planner.Models,
		CodeTactics:   tactics,
		ExemplarModel: cfg.Planner.ExemplarModel,
		SynthModel:    cfg.Planner.SynthModel,
		FallbackModel: cfg.Planner.FallbackModel,
		EnsembleSize:  cfg.Planner.EnsembleSize,
		Pareto:        cfg.Planner.Pareto,
	}
}
