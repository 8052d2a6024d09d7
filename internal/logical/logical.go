// Package logical models a dataset computation as a chain of relational
// nodes. A node's identity is a structural hash of everything that could
// change its output, so two programs that build the same chain twice get
// byte-identical identifiers. Those identifiers are the cache keys that
// let results flow between plans and across runs.
package logical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/refinery-data/refinery/internal/record"
)

// MaxIDChars bounds node identifiers. 128 bits of a SHA-256 digest keeps
// collisions out of reach while staying grep-friendly in logs.
const MaxIDChars = 32

// identityVersion is baked into every hash so a change to the canonical
// form invalidates old cache entries instead of aliasing them.
const identityVersion = 1

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Kind int

const (
	KindScan Kind = iota
	KindFilter
	KindConvert
	KindAggregate
	KindGroupBy
	KindLimit
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindFilter:
		return "filter"
	case KindConvert:
		return "convert"
	case KindAggregate:
		return "aggregate"
	case KindGroupBy:
		return "groupby"
	case KindLimit:
		return "limit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Cardinality string

const (
	OneToOne  Cardinality = "one_to_one"
	OneToMany Cardinality = "one_to_many"
)

type AggFunc string

const (
	AggCount   AggFunc = "count"
	AggAverage AggFunc = "average"
)

// FilterFunc is a deterministic user predicate.
type FilterFunc func(*record.Record) (bool, error)

// ConvertFunc is a deterministic user conversion. It may emit several
// records for one input when the convert is declared one-to-many.
type ConvertFunc func(*record.Record) ([]*record.Record, error)

// Predicate is a filter's condition: natural language for model-backed
// evaluation, or a named deterministic function. FuncName stands in for
// the function in the structural hash, so callers must keep it stable.
type Predicate struct {
	Condition string
	Func      FilterFunc
	FuncName  string
}

func (p Predicate) describe() string {
	if p.Func != nil {
		return "fn:" + p.FuncName
	}
	return p.Condition
}

// Node is one step of the computation chain. Nodes are immutable once
// built; combinators return new nodes pointing at their source.
type Node struct {
	kind   Kind
	schema *record.Schema
	source *Node

	dataset     string
	predicate   Predicate
	convertFn   ConvertFunc
	convertName string
	cardinality Cardinality
	agg         AggFunc
	groupBy     *GroupBy
	limit       int

	id string
}

func (n *Node) Kind() Kind               { return n.kind }
func (n *Node) Schema() *record.Schema   { return n.schema }
func (n *Node) Source() *Node            { return n.source }
func (n *Node) Dataset() string          { return n.dataset }
func (n *Node) Predicate() Predicate     { return n.predicate }
func (n *Node) ConvertFunc() ConvertFunc { return n.convertFn }
func (n *Node) Cardinality() Cardinality { return n.cardinality }
func (n *Node) Agg() AggFunc             { return n.agg }
func (n *Node) GroupBy() *GroupBy        { return n.groupBy }
func (n *Node) Limit() int               { return n.limit }

// NewFields lists the fields a convert must generate: declared on the
// output schema and absent from the source's.
func (n *Node) NewFields() []record.Field {
	if n.source == nil {
		return nil
	}
	return n.schema.NewFields(n.source.Schema())
}

// Scan roots a chain at a registered dataset.
func Scan(dataset string, schema *record.Schema) *Node {
	return &Node{kind: KindScan, schema: schema, dataset: dataset}
}

// Filter restricts the chain to records satisfying the predicate. The
// output schema is the source's.
func (n *Node) Filter(p Predicate) (*Node, error) {
	if p.Condition == "" && p.Func == nil {
		return nil, fmt.Errorf("logical: filter needs a condition or a function")
	}
	if p.Func != nil && p.FuncName == "" {
		return nil, fmt.Errorf("logical: filter functions need a stable name")
	}
	return &Node{kind: KindFilter, schema: n.schema, source: n, predicate: p}, nil
}

// ConvertOpts carries the optional parts of a convert.
type ConvertOpts struct {
	// Func computes the conversion deterministically instead of a model.
	// FuncName stands in for it in the structural hash.
	Func     ConvertFunc
	FuncName string
	// Cardinality defaults to one-to-one.
	Cardinality Cardinality
}

// Convert reshapes the chain to a new schema. A convert that changes
// nothing (same schema fingerprint, no function, one-to-one) is folded
// away at build time and the source node is returned unchanged.
func (n *Node) Convert(output *record.Schema, opts ConvertOpts) (*Node, error) {
	if output == nil {
		return nil, fmt.Errorf("logical: convert needs an output schema")
	}
	if opts.Func != nil && opts.FuncName == "" {
		return nil, fmt.Errorf("logical: convert functions need a stable name")
	}
	card := opts.Cardinality
	if card == "" {
		card = OneToOne
	}
	if card != OneToOne && card != OneToMany {
		return nil, fmt.Errorf("logical: unknown cardinality %q", card)
	}
	if opts.Func == nil && card == OneToOne && output.Fingerprint() == n.schema.Fingerprint() {
		return n, nil
	}
	return &Node{
		kind:        KindConvert,
		schema:      output,
		source:      n,
		convertFn:   opts.Func,
		convertName: opts.FuncName,
		cardinality: card,
	}, nil
}

// Aggregate collapses the chain to a single numeric record.
func (n *Node) Aggregate(fn AggFunc) (*Node, error) {
	switch fn {
	case AggCount:
	case AggAverage:
		f, ok := n.schema.Lookup("value")
		if !ok {
			return nil, fmt.Errorf("logical: average needs a %q field on schema %s", "value", n.schema.Name())
		}
		if f.Type != record.IntField && f.Type != record.FloatField {
			return nil, fmt.Errorf("logical: average needs a numeric %q field, got %s", "value", f.Type)
		}
	default:
		return nil, fmt.Errorf("logical: unknown aggregate %q", fn)
	}
	return &Node{kind: KindAggregate, schema: record.NumberSchema, source: n, agg: fn}, nil
}

// Group partitions the chain by key fields and aggregates within groups.
func (n *Node) Group(g GroupBy) (*Node, error) {
	schema, err := g.OutputSchema(n.schema)
	if err != nil {
		return nil, err
	}
	return &Node{kind: KindGroupBy, schema: schema, source: n, groupBy: &g}, nil
}

// Take bounds the chain to at most limit records.
func (n *Node) Take(limit int) (*Node, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("logical: limit must be positive, got %d", limit)
	}
	return &Node{kind: KindLimit, schema: n.schema, source: n, limit: limit}, nil
}

// Lineage returns the chain source-first, ending at n.
func (n *Node) Lineage() []*Node {
	var nodes []*Node
	for cur := n; cur != nil; cur = cur.source {
		nodes = append(nodes, cur)
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes
}

func schemaDoc(s *record.Schema) []map[string]any {
	doc := make([]map[string]any, 0, s.NumFields())
	for _, f := range s.Fields() {
		doc = append(doc, map[string]any{
			"name":     f.Name,
			"type":     f.Type.String(),
			"desc":     f.Desc,
			"required": f.Required,
		})
	}
	return doc
}

func (n *Node) serialize() map[string]any {
	d := map[string]any{
		"version": identityVersion,
		"kind":    n.kind.String(),
		"schema":  schemaDoc(n.schema),
	}
	if n.source != nil {
		d["source"] = n.source.serialize()
	}
	switch n.kind {
	case KindScan:
		d["dataset"] = n.dataset
	case KindFilter:
		d["filter"] = n.predicate.describe()
	case KindConvert:
		d["cardinality"] = string(n.cardinality)
		if n.convertFn != nil {
			d["fn"] = n.convertName
		}
	case KindAggregate:
		d["agg"] = string(n.agg)
	case KindGroupBy:
		d["group_by"] = n.groupBy.serialize()
	case KindLimit:
		d["limit"] = n.limit
	}
	return d
}

// ID is the structural hash naming this node and, transitively, the whole
// subtree below it. Descriptions participate: a reworded field description
// changes what a model is asked for, so it must change the identity.
func (n *Node) ID() string {
	if n.id == "" {
		raw, err := json.Marshal(n.serialize())
		if err != nil {
			// The serialized form only holds strings, ints and maps.
			panic(fmt.Sprintf("logical: serialize node: %v", err))
		}
		sum := sha256.Sum256(raw)
		n.id = hex.EncodeToString(sum[:])[:MaxIDChars]
	}
	return n.id
}

func (n *Node) String() string {
	switch n.kind {
	case KindScan:
		return fmt.Sprintf("scan(%s)", n.dataset)
	case KindFilter:
		return fmt.Sprintf("filter(%s)", n.predicate.describe())
	case KindConvert:
		return fmt.Sprintf("convert(%s)", n.schema.Name())
	case KindAggregate:
		return fmt.Sprintf("aggregate(%s)", n.agg)
	case KindGroupBy:
		return fmt.Sprintf("groupby(%v)", n.groupBy.Fields)
	case KindLimit:
		return fmt.Sprintf("limit(%d)", n.limit)
	default:
		return n.kind.String()
	}
}
