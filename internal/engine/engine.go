// Package engine drives chosen plans and accounts for what they did.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/refinery-data/refinery/internal/physical"
	"github.com/refinery-data/refinery/internal/planner"
	"github.com/refinery-data/refinery/internal/record"
)

// ProfileEvent is one operator-level observation from a run.
type ProfileEvent = physical.Event

// RunStats sums what an execution pulled, spent and generated.
type RunStats struct {
	RunID   string
	Plan    string
	Records int
	Elapsed time.Duration
	// Cost is the model spend attributed to the run in USD.
	Cost float64
	// GeneratedFields counts field values produced by models or
	// synthesized code, across all records.
	GeneratedFields int
	Events          []ProfileEvent
}

type engineMetrics struct {
	runs    *prometheus.CounterVec
	records prometheus.Counter
	spend   prometheus.Counter
}

// Engine executes plans. It is reusable across runs; every run binds its
// own operator chain and gets a fresh run id.
type Engine struct {
	logger  log.Logger
	metrics *engineMetrics
}

func New(logger log.Logger, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := promauto.With(reg)
	return &Engine{
		logger: logger,
		metrics: &engineMetrics{
			runs: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "refinery", Subsystem: "engine", Name: "runs_total",
				Help: "Executed plans by outcome.",
			}, []string{"status"}),
			records: f.NewCounter(prometheus.CounterOpts{
				Namespace: "refinery", Subsystem: "engine", Name: "records_total",
				Help: "Records pulled out of plan tips.",
			}),
			spend: f.NewCounter(prometheus.CounterOpts{
				Namespace: "refinery", Subsystem: "engine", Name: "cost_usd_total",
				Help: "Cumulative model spend attributed to runs.",
			}),
		},
	}
}

// Run binds the plan, pulls the chain dry and returns every record along
// with the run's accounting. Chains are single-pass: running the same
// plan again binds a fresh chain and starts over.
func (e *Engine) Run(ctx context.Context, plan *planner.Plan) ([]*record.Record, RunStats, error) {
	runID := shortRunID()
	logger := log.With(e.logger, "run", runID)
	level.Debug(logger).Log("msg", "starting run", "plan", plan.Name())

	tr := &trace{}
	tip, err := plan.BindWith(tr)
	if err != nil {
		e.metrics.runs.WithLabelValues("error").Inc()
		return nil, RunStats{}, fmt.Errorf("engine: bind plan: %w", err)
	}
	defer tip.Close()

	started := time.Now()
	var out []*record.Record
	for {
		rec, err := tip.Next(ctx)
		if err == physical.ErrExhausted {
			break
		}
		if err != nil {
			e.metrics.runs.WithLabelValues("error").Inc()
			return nil, RunStats{}, fmt.Errorf("engine: run %s: %w", runID, err)
		}
		out = append(out, rec)
		e.metrics.records.Inc()
	}

	stats := RunStats{
		RunID:   runID,
		Plan:    plan.Name(),
		Records: len(out),
		Elapsed: time.Since(started),
		Events:  tr.events,
	}
	for _, ev := range tr.events {
		stats.Cost += ev.Cost
		stats.GeneratedFields += len(ev.GeneratedFields)
	}
	e.metrics.runs.WithLabelValues("success").Inc()
	e.metrics.spend.Add(stats.Cost)
	level.Info(logger).Log(
		"msg", "run complete",
		"plan", stats.Plan,
		"records", stats.Records,
		"cost_usd", fmt.Sprintf("%.4f", stats.Cost),
		"elapsed", stats.Elapsed,
	)
	return out, stats, nil
}

// trace collects profile events emitted by the bound chain.
type trace struct {
	events []ProfileEvent
}

var _ physical.Sink = (*trace)(nil)

func (t *trace) Emit(ev physical.Event) { t.events = append(t.events, ev) }

func shortRunID() string {
	return uuid.NewString()[:8]
}
