package physical

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log/level"

	"github.com/refinery-data/refinery/internal/cache"
	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

var (
	_ Operator = (*FuncFilterOp)(nil)
	_ Operator = (*LLMFilterOp)(nil)
)

// streamWriter tees an operator's output into the result cache. The claim
// happens on first use, so merely building a plan claims nothing; losing
// the claim just disables writing. Seal only happens after a full drain:
// an abandoned or partial stream must never become visible.
type streamWriter struct {
	cache   *cache.Cache
	key     string
	started bool
	writing bool
}

func (w *streamWriter) add(rec *record.Record) {
	if !w.started {
		w.started = true
		won, err := w.cache.Claim(w.key)
		if err != nil || !won {
			return
		}
		w.writing = true
	}
	if !w.writing {
		return
	}
	data, err := record.Marshal(rec)
	if err == nil {
		err = w.cache.Append(w.key, data)
	}
	if err != nil {
		// Best-effort from here on: stop writing and never seal the
		// partial stream.
		w.writing = false
	}
}

func (w *streamWriter) finish() {
	if !w.started {
		// Nothing passed the filter; an empty sealed stream is still a
		// valid, reusable result.
		won, err := w.cache.Claim(w.key)
		if err != nil || !won {
			return
		}
		w.writing = true
	}
	if w.writing {
		_ = w.cache.Seal(w.key)
		w.writing = false
	}
}

// FuncFilterOp evaluates a deterministic predicate.
type FuncFilterOp struct {
	base
	predicate logical.Predicate
	writer    streamWriter
	done      bool
}

func NewFuncFilter(env Env, node *logical.Node, source Operator) *FuncFilterOp {
	return &FuncFilterOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("func_filter(%s)", node.Predicate().FuncName),
		},
		predicate: node.Predicate(),
		writer:    streamWriter{cache: env.Cache, key: node.ID()},
	}
}

func (o *FuncFilterOp) Next(ctx context.Context) (*record.Record, error) {
	if o.done {
		return nil, ErrExhausted
	}
	for {
		rec, err := o.source.Next(ctx)
		if err == ErrExhausted {
			o.done = true
			o.writer.finish()
			return nil, ErrExhausted
		}
		if err != nil {
			return nil, err
		}
		pass, err := o.predicate.Func(rec)
		if err != nil {
			return nil, fmt.Errorf("physical: filter %s: %w", o.predicate.FuncName, err)
		}
		if pass {
			o.writer.add(rec)
			return rec, nil
		}
	}
}

func (o *FuncFilterOp) Close() error { return o.closeSource() }

func (o *FuncFilterOp) Cost() CostEstimate {
	return compose(o.source.Cost(), 1.0, 0, 0, 0, 0)
}

func (o *FuncFilterOp) Quality() float64 { return 1.0 }

// LLMFilterOp asks a model a TRUE/FALSE condition question per record. A
// record whose answer cannot be had (a failed call, an unparseable reply)
// is dropped, never fatal; only cancellation stops the stream.
type LLMFilterOp struct {
	base
	condition string
	params    LLMParams
	writer    streamWriter
	done      bool
}

func NewLLMFilter(env Env, node *logical.Node, source Operator, params LLMParams) *LLMFilterOp {
	return &LLMFilterOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("llm_filter(%s)", params.Model),
		},
		condition: node.Predicate().Condition,
		params:    params,
		writer:    streamWriter{cache: env.Cache, key: node.ID()},
	}
}

func (o *LLMFilterOp) Next(ctx context.Context) (*record.Record, error) {
	if o.done {
		return nil, ErrExhausted
	}
	for {
		rec, err := o.source.Next(ctx)
		if err == ErrExhausted {
			o.done = true
			o.writer.finish()
			return nil, ErrExhausted
		}
		if err != nil {
			return nil, err
		}

		pass, usage, err := o.evaluate(ctx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A failed evaluation drops the record and the stream moves on.
			level.Warn(o.env.logger()).Log("msg", "filter evaluation failed, dropping record",
				"record", rec.ID(), "model", o.params.Model, "err", err)
			continue
		}
		o.env.emit(Event{
			RecordID: rec.ID(),
			Operator: o.name,
			Model:    o.params.Model,
			Latency:  usage.Latency,
			Cost:     usage.Cost,
		})
		if pass {
			o.writer.add(rec)
			return rec, nil
		}
	}
}

func (o *LLMFilterOp) evaluate(ctx context.Context, rec *record.Record) (bool, completion.Usage, error) {
	start := time.Now()
	resp, err := o.env.Completion.Complete(ctx, completion.Request{
		Model:  o.params.Model,
		Prompt: completion.FilterPrompt(rec.CanonicalJSON(), o.condition),
	})
	if err != nil {
		return false, completion.Usage{}, err
	}
	usage := resp.Usage
	if usage.Latency == 0 {
		usage.Latency = time.Since(start)
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Text))
	switch {
	case strings.HasPrefix(answer, "TRUE"):
		return true, usage, nil
	case strings.HasPrefix(answer, "FALSE"):
		return false, usage, nil
	default:
		return false, usage, fmt.Errorf("physical: unparseable filter answer %q", resp.Text)
	}
}

func (o *LLMFilterOp) Close() error { return o.closeSource() }

func (o *LLMFilterOp) Cost() CostEstimate {
	return compose(o.source.Cost(), o.params.Selectivity, o.params.TimePerRecord, o.params.CostPerRecord, 0, 0)
}

func (o *LLMFilterOp) Quality() float64 { return o.params.Quality }
