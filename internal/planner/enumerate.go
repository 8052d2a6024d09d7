package planner

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/physical"
)

// Enumerator expands a logical chain into priced candidate plans.
type Enumerator struct {
	env    physical.Env
	cfg    Config
	logger log.Logger
}

func NewEnumerator(env physical.Env, cfg Config) *Enumerator {
	logger := env.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Enumerator{env: env, cfg: cfg.withDefaults(), logger: logger}
}

// Enumerate walks the chain source first and crosses per-node variants
// into full candidates. A sealed stream under a node's lineage ID
// replaces the node and its whole subtree with one cache read, so the
// upstream work is neither enumerated nor priced. Each candidate is
// bound once to price it and the throwaway chain is closed again;
// binding claims nothing, so enumeration leaves the cache untouched.
func (e *Enumerator) Enumerate(root *logical.Node) ([]*Plan, error) {
	if err := e.cfg.validate(); err != nil {
		return nil, err
	}
	var (
		kept []*logical.Node
		sets [][]Variant
	)
	for _, node := range root.Lineage() {
		sealed, err := e.env.Cache.HasSealed(node.ID())
		if err != nil {
			return nil, err
		}
		if sealed {
			kept = []*logical.Node{node}
			sets = [][]Variant{{cacheScanVariant(node)}}
			continue
		}
		variants, err := e.cfg.variantsFor(node)
		if err != nil {
			return nil, err
		}
		kept = append(kept, node)
		sets = append(sets, variants)
	}
	var plans []*Plan
	for _, combo := range cross(sets) {
		p := &Plan{env: e.env, nodes: kept, variants: combo}
		tip, err := p.Bind()
		if err != nil {
			return nil, err
		}
		p.estimate = estimateChain(tip, e.cfg.Quality)
		_ = tip.Close()
		plans = append(plans, p)
	}
	if e.cfg.Pareto {
		plans = ParetoFront(plans)
	}
	level.Debug(e.logger).Log("msg", "enumerated candidate plans", "nodes", len(kept), "candidates", len(plans))
	return plans, nil
}

// cross expands per-node variant sets into every combination, preserving
// source-first order and a stable candidate index.
func cross(sets [][]Variant) [][]Variant {
	combos := [][]Variant{nil}
	for _, set := range sets {
		next := make([][]Variant, 0, len(combos)*len(set))
		for _, combo := range combos {
			for _, v := range set {
				c := make([]Variant, len(combo), len(combo)+1)
				copy(c, combo)
				next = append(next, append(c, v))
			}
		}
		combos = next
	}
	return combos
}
