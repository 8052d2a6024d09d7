package refinery

import (
	"fmt"

	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

// Dataset is the fluent description of a transformation chain. Builder
// calls never fail in place: the first error sticks to the value and
// surfaces when the chain resolves.
type Dataset struct {
	node *logical.Node
	err  error
}

// Scan roots a chain at a registered dataset.
func Scan(name string, schema *record.Schema) *Dataset {
	return &Dataset{node: logical.Scan(name, schema)}
}

func (d *Dataset) apply(fn func(*logical.Node) (*logical.Node, error)) *Dataset {
	if d.err != nil {
		return d
	}
	node, err := fn(d.node)
	if err != nil {
		return &Dataset{err: err}
	}
	return &Dataset{node: node}
}

// Filter keeps records a model judges to satisfy the condition.
func (d *Dataset) Filter(condition string) *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Filter(logical.Predicate{Condition: condition})
	})
}

// FilterFunc keeps records the named deterministic predicate accepts.
func (d *Dataset) FilterFunc(name string, fn logical.FilterFunc) *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Filter(logical.Predicate{Func: fn, FuncName: name})
	})
}

// Convert reshapes each record onto the output schema, generating the
// fields the input lacks.
func (d *Dataset) Convert(output *record.Schema) *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Convert(output, logical.ConvertOpts{})
	})
}

// ConvertMany is Convert where one input may yield several outputs.
func (d *Dataset) ConvertMany(output *record.Schema) *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Convert(output, logical.ConvertOpts{Cardinality: logical.OneToMany})
	})
}

// ConvertFunc reshapes records with the named deterministic function.
func (d *Dataset) ConvertFunc(name string, output *record.Schema, fn logical.ConvertFunc) *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Convert(output, logical.ConvertOpts{Func: fn, FuncName: name})
	})
}

// Count collapses the chain to the number of records.
func (d *Dataset) Count() *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Aggregate(logical.AggCount)
	})
}

// Average collapses the chain to the mean of its "value" field.
func (d *Dataset) Average() *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Aggregate(logical.AggAverage)
	})
}

// GroupBy partitions by key fields and aggregates within each group.
func (d *Dataset) GroupBy(g logical.GroupBy) *Dataset {
	return d.apply(func(n *logical.Node) (*logical.Node, error) {
		return n.Group(g)
	})
}

// Limit bounds the chain to the first n records.
func (d *Dataset) Limit(n int) *Dataset {
	return d.apply(func(node *logical.Node) (*logical.Node, error) {
		return node.Take(n)
	})
}

// Node resolves the chain, surfacing the first builder error.
func (d *Dataset) Node() (*logical.Node, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.node == nil {
		return nil, fmt.Errorf("refinery: empty dataset")
	}
	return d.node, nil
}
