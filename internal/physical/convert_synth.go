package physical

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
	"github.com/refinery-data/refinery/internal/synth"
)

var _ Operator = (*CodeSynthConvertOp)(nil)

// CodeSynthQuality is the confidence assigned to ensemble-voted code
// output. Generated code is cheap and fast but noticeably less reliable
// than direct model extraction.
const CodeSynthQuality = 0.55

// CodeSynthParams bundles estimation figures for the three models a code
// synthesis convert can call: the exemplar model answers records while no
// code exists, the synth model writes the code, and the fallback model
// recovers single fields the code cannot produce.
type CodeSynthParams struct {
	Exemplar LLMParams
	Synth    LLMParams
	Fallback LLMParams
}

// CodeSynthConvertOp replaces per-record model calls with synthesized
// code once enough exemplars exist. Until then records are answered
// bonded with the exemplar model and each answer is harvested as an
// exemplar; afterwards every new field is computed by majority vote over
// the field's function ensemble, with a conventional call as the per-field
// recovery path. Only one-to-one conversions run on this operator.
type CodeSynthConvertOp struct {
	base
	mgr         *synth.Manager
	params      CodeSynthParams
	newFields   []record.Field
	inputFields []record.Field
	done        bool
}

func NewCodeSynthConvert(env Env, node *logical.Node, source Operator, mgr *synth.Manager, params CodeSynthParams) *CodeSynthConvertOp {
	return &CodeSynthConvertOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("code_synth_convert(%s,%s)", mgr.Tactic(), params.Synth.Model),
		},
		mgr:         mgr,
		params:      params,
		newFields:   node.NewFields(),
		inputFields: source.Schema().Fields(),
	}
}

func (o *CodeSynthConvertOp) Next(ctx context.Context) (*record.Record, error) {
	if o.done {
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

	if o.mgr.ShouldSynthesize() {
		if err := o.mgr.Synthesize(ctx, o.newFields, o.inputFields); err != nil {
			return nil, err
		}
	}
	if o.mgr.Ready(o.newFields) || o.mgr.LoadEnsembles(o.newFields) {
		return o.codeConvert(ctx, rec)
	}
	return o.harvestConvert(ctx, rec)
}

// harvestConvert answers one record with the exemplar model and grows the
// exemplar pool with the result.
func (o *CodeSynthConvertOp) harvestConvert(ctx context.Context, rec *record.Record) (*record.Record, error) {
	answersList, usage, err := bondedExtract(ctx, o.env.Completion, o.params.Exemplar.Model, rec, o.newFields)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		level.Debug(o.env.logger()).Log("msg", "exemplar extraction failed, using per-field fallback",
			"record", rec.ID(), "model", o.params.Exemplar.Model, "err", err)
		answersList = []map[string]any{{}}
	}

	out := record.NewDerived(o.schema, rec)
	var generated []string
	for _, f := range o.newFields {
		value, perr := parseFieldAnswer(f, answersList[0][f.Name])
		if perr != nil {
			var cu completion.Usage
			value, cu, perr = conventionalExtract(ctx, o.env.Completion, o.params.Exemplar.Model, rec, f)
			usage = usage.Add(cu)
			if perr != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		if perr != nil {
			continue
		}
		if err := out.Set(f.Name, value); err != nil {
			continue
		}
		generated = append(generated, f.Name)
	}
	if len(generated) > 0 {
		o.mgr.HarvestExemplars(rec.AsMap(false), outputMap(out, o.newFields))
	}
	o.env.emit(Event{
		RecordID:        out.ID(),
		Operator:        o.name,
		Model:           o.params.Exemplar.Model,
		GeneratedFields: generated,
		Latency:         usage.Latency,
		Cost:            usage.Cost,
		Strategy:        string(o.mgr.Tactic()),
	})
	return out, nil
}

// codeConvert computes every new field by ensemble vote, falling back to a
// conventional call for fields the code cannot answer.
func (o *CodeSynthConvertOp) codeConvert(ctx context.Context, rec *record.Record) (*record.Record, error) {
	start := time.Now()
	input := rec.AsMap(false)
	out := record.NewDerived(o.schema, rec)
	var usage completion.Usage
	var generated []string
	for _, f := range o.newFields {
		var value any
		perr := errNoAnswer
		if raw, ok := o.mgr.Execute(f.Name, input); ok {
			value, perr = parseFieldAnswer(f, raw)
		}
		if perr != nil {
			var cu completion.Usage
			value, cu, perr = conventionalExtract(ctx, o.env.Completion, o.params.Fallback.Model, rec, f)
			usage = usage.Add(cu)
			if perr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				level.Debug(o.env.logger()).Log("msg", "code and fallback both failed for field",
					"record", rec.ID(), "field", f.Name)
				continue
			}
		}
		if err := out.Set(f.Name, value); err != nil {
			continue
		}
		generated = append(generated, f.Name)
	}
	o.env.emit(Event{
		RecordID:        out.ID(),
		Operator:        o.name,
		Model:           o.params.Synth.Model,
		GeneratedFields: generated,
		Latency:         time.Since(start),
		Cost:            usage.Cost,
		Strategy:        string(o.mgr.Tactic()),
	})
	return out, nil
}

func (o *CodeSynthConvertOp) Close() error { return o.closeSource() }

// Cost charges synthesis once as startup and code execution per record.
// The occasional fallback call is not modeled; the naive estimate assumes
// the code answers.
func (o *CodeSynthConvertOp) Cost() CostEstimate {
	k := float64(o.mgr.EnsembleSize() * len(o.newFields))
	return compose(o.source.Cost(), 1.0,
		CodeExecTimePerRecord, 0,
		k*o.params.Synth.TimePerRecord, k*o.params.Synth.CostPerRecord)
}

func (o *CodeSynthConvertOp) Quality() float64 { return CodeSynthQuality }

func outputMap(rec *record.Record, fields []record.Field) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if rec.Has(f.Name) {
			out[f.Name] = rec.Get(f.Name)
		}
	}
	return out
}
