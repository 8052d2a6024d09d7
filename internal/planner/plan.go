// Package planner turns a logical chain into executable candidates.
//
// Enumeration walks the chain source-first and crosses, per node, every
// physical variant able to execute it: deterministic nodes contribute one
// variant, model-backed nodes one per eligible model, and convert nodes
// additionally one per code-synthesis tactic. A sealed cache stream for
// any node collapses that node and everything below it into a single
// cache read. Each candidate is priced by constructing its operator chain
// and asking the tip for an estimate; a Policy then picks exactly one.
package planner

import (
	"fmt"
	"strings"

	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/physical"
)

// Variant is one physical choice for a logical node.
type Variant struct {
	Name  string
	Build BuildFunc
}

// BuildFunc constructs the operator for a node on top of its bound
// upstream. The upstream is nil for chain roots.
type BuildFunc func(env physical.Env, source physical.Operator) (physical.Operator, error)

// Plan is a fully-resolved candidate: one variant per surviving logical
// node, source first. A plan is a recipe, not an operator chain. Bind
// constructs a fresh chain each call, and a chain is good for a single
// pass, so every execution binds again.
type Plan struct {
	env      physical.Env
	nodes    []*logical.Node
	variants []Variant
	estimate Estimate
}

// Bind constructs the plan's operator chain and returns its tip.
func (p *Plan) Bind() (physical.Operator, error) {
	return p.bind(p.env)
}

// BindWith is Bind with a profiling sink attached to the chain.
func (p *Plan) BindWith(sink physical.Sink) (physical.Operator, error) {
	env := p.env
	env.Profiler = sink
	return p.bind(env)
}

func (p *Plan) bind(env physical.Env) (physical.Operator, error) {
	var op physical.Operator
	for _, v := range p.variants {
		next, err := v.Build(env, op)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", v.Name, err)
		}
		op = next
	}
	return op, nil
}

// Estimate reports the plan's priced totals.
func (p *Plan) Estimate() Estimate { return p.estimate }

// Name renders the variant chain, source first.
func (p *Plan) Name() string {
	names := make([]string, len(p.variants))
	for i, v := range p.variants {
		names[i] = v.Name
	}
	return strings.Join(names, " -> ")
}

// Explain renders a per-operator table for a freshly bound chain.
func (p *Plan) Explain() (string, error) {
	tip, err := p.Bind()
	if err != nil {
		return "", err
	}
	defer tip.Close()
	return physical.Explain(tip), nil
}
