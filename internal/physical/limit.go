package physical

import (
	"context"
	"fmt"

	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

var _ Operator = (*LimitOp)(nil)

// LimitOp stops the stream after n records. Upstream is never pulled again
// once the bound is hit, so work past the limit is never performed.
type LimitOp struct {
	base
	limit    int
	produced int
	done     bool
}

func NewLimit(env Env, node *logical.Node, source Operator) *LimitOp {
	return &LimitOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("limit(%d)", node.Limit()),
		},
		limit: node.Limit(),
	}
}

func (o *LimitOp) Next(ctx context.Context) (*record.Record, error) {
	if o.done || o.produced >= o.limit {
		o.done = true
		return nil, ErrExhausted
	}
	rec, err := o.source.Next(ctx)
	if err == ErrExhausted {
		o.done = true
		return nil, ErrExhausted
	}
	if err != nil {
		return nil, err
	}
	o.produced++
	return rec, nil
}

func (o *LimitOp) Close() error { return o.closeSource() }

// Cost caps cardinality at the bound; per-record figures pass through
// because only the records pulled are paid for.
func (o *LimitOp) Cost() CostEstimate {
	src := o.source.Cost()
	if src.Cardinality <= float64(o.limit) {
		return src
	}
	selectivity := float64(o.limit) / src.Cardinality
	return compose(src, selectivity, 0, 0, 0, 0)
}

func (o *LimitOp) Quality() float64 { return 1.0 }
