// Package physical holds the executable operators a logical chain compiles
// into. Every operator is a pull-based stage over zero or one source:
// producing the next record pulls from upstream on demand, and a call into
// the completion service or into generated code blocks the whole pipeline
// for its duration. Plans are lazy, finite and single-pass; re-execution
// means rebuilding the plan.
package physical

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"

	"github.com/refinery-data/refinery/internal/cache"
	"github.com/refinery-data/refinery/internal/catalog"
	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/record"
)

// ErrExhausted reports normal end-of-stream. It is the only non-fatal way
// a pipeline ends.
var ErrExhausted = errors.New("physical: operator exhausted")

// Operator is one executable stage. Next returns ErrExhausted when the
// stream ends; any other error is fatal to the plan. Close releases
// resources and is safe to call more than once.
type Operator interface {
	// Next produces the next record, pulling from upstream as needed.
	Next(ctx context.Context) (*record.Record, error)
	Close() error

	// Schema is the type of records this operator produces.
	Schema() *record.Schema
	// Source is the upstream operator, nil for leaves.
	Source() Operator
	// LogicalID names the logical subtree this operator computes.
	LogicalID() string
	// Name identifies the variant for explain output and profiling.
	Name() string

	// Cost estimates cardinality, time, spend and bytes for this operator
	// composed over its source.
	Cost() CostEstimate
	// Quality is this variant's own confidence in [0, 1], before plan-wide
	// composition.
	Quality() float64
}

// Env bundles the collaborators operators need. Profiler and Logger may be
// nil.
type Env struct {
	Catalog    *catalog.Catalog
	Cache      *cache.Cache
	Completion completion.Service
	Logger     log.Logger
	Profiler   Sink
}

func (e Env) logger() log.Logger {
	if e.Logger == nil {
		return log.NewNopLogger()
	}
	return e.Logger
}

func (e Env) emit(ev Event) {
	if e.Profiler != nil {
		e.Profiler.Emit(ev)
	}
}

// Event is one per-record profiling sample. Operators fill what applies;
// deterministic stages leave Model and Strategy empty.
type Event struct {
	RecordID        string
	Operator        string
	Model           string
	GeneratedFields []string
	Latency         time.Duration
	Cost            float64
	Strategy        string
}

// Sink receives profiling events. Implementations must be cheap; they run
// inline with record production.
type Sink interface {
	Emit(Event)
}

// base carries the fields every operator shares.
type base struct {
	env       Env
	schema    *record.Schema
	source    Operator
	logicalID string
	name      string
}

func (b *base) Schema() *record.Schema { return b.schema }
func (b *base) Source() Operator       { return b.source }
func (b *base) LogicalID() string      { return b.logicalID }
func (b *base) Name() string           { return b.name }

func (b *base) closeSource() error {
	if b.source != nil {
		return b.source.Close()
	}
	return nil
}
