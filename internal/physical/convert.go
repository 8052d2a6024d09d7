package physical

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	_ Operator = (*FuncConvertOp)(nil)
	_ Operator = (*BondedConvertOp)(nil)
	_ Operator = (*ConventionalConvertOp)(nil)
)

// errNoAnswer marks a field whose value could not be extracted. It feeds
// the per-field fallback chain and never aborts a record or the stream.
var errNoAnswer = errors.New("physical: no usable answer")

// stripFences removes a surrounding markdown code fence, which models add
// even when told not to.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	if i := strings.Index(t, "\n"); i >= 0 {
		t = t[i+1:]
	} else {
		t = strings.TrimPrefix(t, "```")
	}
	if j := strings.LastIndex(t, "```"); j >= 0 {
		t = t[:j]
	}
	return strings.TrimSpace(t)
}

// parseFieldAnswer interprets a model's raw value for one field. String
// answers are parsed into the declared type; anything else is left for the
// record layer to coerce.
func parseFieldAnswer(f record.Field, raw any) (any, error) {
	if raw == nil {
		return nil, errNoAnswer
	}
	s, ok := raw.(string)
	if !ok {
		return raw, nil
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "null") {
		return nil, errNoAnswer
	}
	switch f.Type {
	case record.StringField:
		return s, nil
	case record.IntField:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errNoAnswer
		}
		return n, nil
	case record.FloatField:
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errNoAnswer
		}
		return x, nil
	case record.BoolField:
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			return nil, errNoAnswer
		}
		return b, nil
	case record.StringListField:
		var items []string
		for _, line := range strings.Split(s, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				items = append(items, line)
			}
		}
		if len(items) == 0 {
			return nil, errNoAnswer
		}
		return items, nil
	default:
		return nil, errNoAnswer
	}
}

func fieldSpecs(fields []record.Field) []completion.FieldSpec {
	specs := make([]completion.FieldSpec, 0, len(fields))
	for _, f := range fields {
		specs = append(specs, completion.FieldSpec{Name: f.Name, Type: f.Type.String(), Desc: f.Desc})
	}
	return specs
}

// bondedExtract asks for every requested field in a single call and parses
// the JSON reply. One-to-many answers come back as an array of objects.
func bondedExtract(ctx context.Context, svc completion.Service, model string, rec *record.Record, fields []record.Field) ([]map[string]any, completion.Usage, error) {
	start := time.Now()
	resp, err := svc.Complete(ctx, completion.Request{
		Model:  model,
		Prompt: completion.BondedPrompt(rec.CanonicalJSON(), fieldSpecs(fields)),
	})
	if err != nil {
		return nil, completion.Usage{}, err
	}
	usage := resp.Usage
	if usage.Latency == 0 {
		usage.Latency = time.Since(start)
	}

	text := stripFences(resp.Text)
	var asObject map[string]any
	if err := json.Unmarshal([]byte(text), &asObject); err == nil {
		return []map[string]any{asObject}, usage, nil
	}
	var asArray []map[string]any
	if err := json.Unmarshal([]byte(text), &asArray); err == nil && len(asArray) > 0 {
		return asArray, usage, nil
	}
	return nil, usage, fmt.Errorf("physical: unparseable bonded answer: %w", errNoAnswer)
}

// conventionalExtract asks for exactly one field and parses the bare value.
func conventionalExtract(ctx context.Context, svc completion.Service, model string, rec *record.Record, f record.Field) (any, completion.Usage, error) {
	start := time.Now()
	resp, err := svc.Complete(ctx, completion.Request{
		Model: model,
		Prompt: completion.ConventionalPrompt(rec.CanonicalJSON(),
			completion.FieldSpec{Name: f.Name, Type: f.Type.String(), Desc: f.Desc}),
	})
	if err != nil {
		return nil, completion.Usage{}, err
	}
	usage := resp.Usage
	if usage.Latency == 0 {
		usage.Latency = time.Since(start)
	}
	value, perr := parseFieldAnswer(f, stripFences(resp.Text))
	if perr != nil {
		return nil, usage, perr
	}
	return value, usage, nil
}

// FuncConvertOp applies a deterministic conversion function.
type FuncConvertOp struct {
	base
	fn      logical.ConvertFunc
	pending []*record.Record
	done    bool
}

func NewFuncConvert(env Env, node *logical.Node, source Operator) *FuncConvertOp {
	return &FuncConvertOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      "func_convert",
		},
		fn: node.ConvertFunc(),
	}
}

// NewReschema handles a convert that declares no new fields: records are
// re-typed onto the output schema deterministically, no model involved.
func NewReschema(env Env, node *logical.Node, source Operator) *FuncConvertOp {
	schema := node.Schema()
	op := &FuncConvertOp{
		base: base{
			env:       env,
			schema:    schema,
			source:    source,
			logicalID: node.ID(),
			name:      "reschema",
		},
	}
	op.fn = func(rec *record.Record) ([]*record.Record, error) {
		return []*record.Record{record.NewDerived(schema, rec)}, nil
	}
	return op
}

func (o *FuncConvertOp) Next(ctx context.Context) (*record.Record, error) {
	for {
		if len(o.pending) > 0 {
			rec := o.pending[0]
			o.pending = o.pending[1:]
			return rec, nil
		}
		if o.done {
			return nil, ErrExhausted
		}
		rec, err := o.source.Next(ctx)
		if err == ErrExhausted {
			o.done = true
			continue
		}
		if err != nil {
			return nil, err
		}
		outs, err := o.fn(rec)
		if err != nil {
			return nil, fmt.Errorf("physical: convert function: %w", err)
		}
		o.pending = outs
	}
}

func (o *FuncConvertOp) Close() error { return o.closeSource() }

func (o *FuncConvertOp) Cost() CostEstimate {
	return compose(o.source.Cost(), 1.0, 0, 0, 0, 0)
}

func (o *FuncConvertOp) Quality() float64 { return 1.0 }

// BondedConvertOp generates every new field with one completion call per
// record. Fields the bonded answer misses fall back to conventional
// single-field calls; a record is emitted even when some fields stay
// unset.
type BondedConvertOp struct {
	base
	params      LLMParams
	cardinality logical.Cardinality
	newFields   []record.Field
	pending     []*record.Record
	done        bool
}

func NewBondedConvert(env Env, node *logical.Node, source Operator, params LLMParams) *BondedConvertOp {
	return &BondedConvertOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("bonded_convert(%s)", params.Model),
		},
		params:      params,
		cardinality: node.Cardinality(),
		newFields:   node.NewFields(),
	}
}

func (o *BondedConvertOp) Next(ctx context.Context) (*record.Record, error) {
	for {
		if len(o.pending) > 0 {
			rec := o.pending[0]
			o.pending = o.pending[1:]
			return rec, nil
		}
		if o.done {
			return nil, ErrExhausted
		}
		rec, err := o.source.Next(ctx)
		if err == ErrExhausted {
			o.done = true
			continue
		}
		if err != nil {
			return nil, err
		}
		outs, err := o.convert(ctx, rec)
		if err != nil {
			return nil, err
		}
		o.pending = outs
	}
}

func (o *BondedConvertOp) convert(ctx context.Context, rec *record.Record) ([]*record.Record, error) {
	answersList, usage, err := bondedExtract(ctx, o.env.Completion, o.params.Model, rec, o.newFields)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The bonded call yielded nothing; every field goes through the
		// conventional fallback below.
		level.Debug(o.env.logger()).Log("msg", "bonded extraction failed, using per-field fallback",
			"record", rec.ID(), "model", o.params.Model, "err", err)
		answersList = []map[string]any{{}}
	}

	outs := make([]*record.Record, 0, len(answersList))
	for _, answers := range answersList {
		out := record.NewDerived(o.schema, rec)
		var generated []string
		for _, f := range o.newFields {
			value, perr := parseFieldAnswer(f, answers[f.Name])
			if perr != nil && o.cardinality == logical.OneToOne {
				var cu completion.Usage
				value, cu, perr = conventionalExtract(ctx, o.env.Completion, o.params.Model, rec, f)
				usage = usage.Add(cu)
				if perr != nil && ctx.Err() != nil {
					return nil, ctx.Err()
				}
			}
			if perr != nil {
				continue
			}
			if err := out.Set(f.Name, value); err != nil {
				level.Debug(o.env.logger()).Log("msg", "dropping mistyped answer",
					"record", rec.ID(), "field", f.Name, "err", err)
				continue
			}
			generated = append(generated, f.Name)
		}
		o.env.emit(Event{
			RecordID:        out.ID(),
			Operator:        o.name,
			Model:           o.params.Model,
			GeneratedFields: generated,
			Latency:         usage.Latency,
			Cost:            usage.Cost,
			Strategy:        "bonded",
		})
		outs = append(outs, out)
	}
	return outs, nil
}

func (o *BondedConvertOp) Close() error { return o.closeSource() }

func (o *BondedConvertOp) Cost() CostEstimate {
	return compose(o.source.Cost(), 1.0, o.params.TimePerRecord, o.params.CostPerRecord, 0, 0)
}

func (o *BondedConvertOp) Quality() float64 { return o.params.Quality }

// ConventionalConvertOp generates each new field with its own completion
// call. Slower and costlier than bonded, but a malformed answer only loses
// one field.
type ConventionalConvertOp struct {
	base
	params    LLMParams
	newFields []record.Field
	done      bool
}

func NewConventionalConvert(env Env, node *logical.Node, source Operator, params LLMParams) *ConventionalConvertOp {
	return &ConventionalConvertOp{
		base: base{
			env:       env,
			schema:    node.Schema(),
			source:    source,
			logicalID: node.ID(),
			name:      fmt.Sprintf("conventional_convert(%s)", params.Model),
		},
		params:    params,
		newFields: node.NewFields(),
	}
}

func (o *ConventionalConvertOp) Next(ctx context.Context) (*record.Record, error) {
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

	out := record.NewDerived(o.schema, rec)
	var usage completion.Usage
	var generated []string
	for _, f := range o.newFields {
		value, cu, perr := conventionalExtract(ctx, o.env.Completion, o.params.Model, rec, f)
		usage = usage.Add(cu)
		if perr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err := out.Set(f.Name, value); err != nil {
			continue
		}
		generated = append(generated, f.Name)
	}
	o.env.emit(Event{
		RecordID:        out.ID(),
		Operator:        o.name,
		Model:           o.params.Model,
		GeneratedFields: generated,
		Latency:         usage.Latency,
		Cost:            usage.Cost,
		Strategy:        "conventional",
	})
	return out, nil
}

func (o *ConventionalConvertOp) Close() error { return o.closeSource() }

func (o *ConventionalConvertOp) Cost() CostEstimate {
	perField := float64(len(o.newFields))
	if perField == 0 {
		perField = 1
	}
	return compose(o.source.Cost(), 1.0,
		o.params.TimePerRecord*perField, o.params.CostPerRecord*perField, 0, 0)
}

func (o *ConventionalConvertOp) Quality() float64 { return o.params.Quality }
