package physical

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

var (
	_ Operator = (*AggregateOp)(nil)
	_ Operator = (*GroupByOp)(nil)
)

// collapse folds the whole upstream into startup figures: a blocking stage
// consumes everything before its first output, so upstream per-record work
// becomes setup for the records it emits.
func collapse(src CostEstimate, outCardinality float64) CostEstimate {
	return CostEstimate{
		Cardinality: outCardinality,
		StartupTime: src.StartupTime + src.TimePerRecord*src.Cardinality,
		StartupCost: src.StartupCost + src.CostPerRecord*src.Cardinality,
		BytesLocal:  src.BytesLocal,
		BytesRemote: src.BytesRemote,
	}
}

// numeric returns the field as float64 when it is present and numeric.
// Records missing the field do not contribute to an average.
func numeric(rec *record.Record, name string) (float64, bool) {
	switch v := rec.Get(name).(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// AggregateOp collapses the stream to one numeric record.
type AggregateOp struct {
	base
	fn   logical.AggFunc
	done bool
}

func NewAggregate(env Env, node *logical.Node, source Operator) *AggregateOp {
	return &AggregateOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("aggregate(%s)", node.Agg()),
		},
		fn: node.Agg(),
	}
}

func (o *AggregateOp) Next(ctx context.Context) (*record.Record, error) {
	if o.done {
		return nil, ErrExhausted
	}
	o.done = true

	var count int64
	var sum float64
	var seen int64
	for {
		rec, err := o.source.Next(ctx)
		if err == ErrExhausted {
			break
		}
		if err != nil {
			return nil, err
		}
		count++
		if v, ok := numeric(rec, "value"); ok {
			sum += v
			seen++
		}
	}

	out := record.New(o.schema)
	switch o.fn {
	case logical.AggCount:
		if err := out.Set("value", float64(count)); err != nil {
			return nil, err
		}
	case logical.AggAverage:
		avg := 0.0
		if seen > 0 {
			avg = sum / float64(seen)
		}
		if err := out.Set("value", avg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("physical: unknown aggregate %q", o.fn)
	}
	return out, nil
}

func (o *AggregateOp) Close() error { return o.closeSource() }

// Cost collapses to a single output record.
func (o *AggregateOp) Cost() CostEstimate {
	return collapse(o.source.Cost(), 1)
}

func (o *AggregateOp) Quality() float64 { return 1.0 }

// GroupByOp partitions the stream and aggregates within groups. Output
// order is deterministic: groups sort by key.
type GroupByOp struct {
	base
	spec    logical.GroupBy
	groups  []*record.Record
	pos     int
	grouped bool
}

func NewGroupBy(env Env, node *logical.Node, source Operator) *GroupByOp {
	return &GroupByOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("groupby(%s)", strings.Join(node.GroupBy().Fields, ",")),
		},
		spec: *node.GroupBy(),
	}
}

type groupAccum struct {
	first  *record.Record
	count  int64
	sums   []float64
	counts []int64
}

func (o *GroupByOp) build(ctx context.Context) error {
	accums := map[string]*groupAccum{}
	for {
		rec, err := o.source.Next(ctx)
		if err == ErrExhausted {
			break
		}
		if err != nil {
			return err
		}

		var keyParts []string
		for _, f := range o.spec.Fields {
			keyParts = append(keyParts, fmt.Sprintf("%v", rec.Get(f)))
		}
		key := strings.Join(keyParts, "\x1f")

		acc, ok := accums[key]
		if !ok {
			acc = &groupAccum{
				first:  rec,
				sums:   make([]float64, len(o.spec.Aggs)),
				counts: make([]int64, len(o.spec.Aggs)),
			}
			accums[key] = acc
		}
		acc.count++
		for i, agg := range o.spec.Aggs {
			if agg.Func != logical.AggAverage {
				continue
			}
			if v, ok := numeric(rec, agg.Field); ok {
				acc.sums[i] += v
				acc.counts[i]++
			}
		}
	}

	keys := make([]string, 0, len(accums))
	for k := range accums {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		acc := accums[key]
		out := record.New(o.schema)
		for _, f := range o.spec.Fields {
			if !acc.first.Has(f) {
				continue
			}
			if err := out.Set(f, acc.first.Get(f)); err != nil {
				return err
			}
		}
		for i, agg := range o.spec.Aggs {
			var err error
			switch agg.Func {
			case logical.AggCount:
				err = out.Set(agg.Name(), acc.count)
			case logical.AggAverage:
				avg := 0.0
				if acc.counts[i] > 0 {
					avg = acc.sums[i] / float64(acc.counts[i])
				}
				err = out.Set(agg.Name(), avg)
			}
			if err != nil {
				return err
			}
		}
		o.groups = append(o.groups, out)
	}
	o.grouped = true
	return nil
}

func (o *GroupByOp) Next(ctx context.Context) (*record.Record, error) {
	if !o.grouped {
		if err := o.build(ctx); err != nil {
			return nil, err
		}
	}
	if o.pos >= len(o.groups) {
		return nil, ErrExhausted
	}
	rec := o.groups[o.pos]
	o.pos++
	return rec, nil
}

func (o *GroupByOp) Close() error { return o.closeSource() }

// Cost assumes the worst case of one group per source record.
func (o *GroupByOp) Cost() CostEstimate {
	src := o.source.Cost()
	return collapse(src, src.Cardinality)
}

func (o *GroupByOp) Quality() float64 { return 1.0 }
