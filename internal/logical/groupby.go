package logical

import (
	"fmt"

	"github.com/refinery-data/refinery/internal/record"
)

// AggSpec is one aggregation computed within each group. Field may be
// empty for count, which then counts group members.
type AggSpec struct {
	Func  AggFunc
	Field string
}

// Name is the output field holding this aggregation's value.
func (a AggSpec) Name() string {
	field := a.Field
	if field == "" {
		field = "*"
	}
	return fmt.Sprintf("%s(%s)", a.Func, field)
}

// GroupBy partitions records by the named key fields and computes one or
// more aggregations per group.
type GroupBy struct {
	Fields []string
	Aggs   []AggSpec
}

// OutputSchema derives the grouped schema from the source: key fields keep
// their declarations, each aggregation adds a numeric field.
func (g GroupBy) OutputSchema(source *record.Schema) (*record.Schema, error) {
	if len(g.Fields) == 0 {
		return nil, fmt.Errorf("logical: groupby needs at least one key field")
	}
	if len(g.Aggs) == 0 {
		return nil, fmt.Errorf("logical: groupby needs at least one aggregation")
	}

	fields := make([]record.Field, 0, len(g.Fields)+len(g.Aggs))
	for _, name := range g.Fields {
		f, ok := source.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("logical: groupby key %q not on schema %s", name, source.Name())
		}
		fields = append(fields, f)
	}
	for _, agg := range g.Aggs {
		switch agg.Func {
		case AggCount:
			if agg.Field != "" {
				if _, ok := source.Lookup(agg.Field); !ok {
					return nil, fmt.Errorf("logical: count field %q not on schema %s", agg.Field, source.Name())
				}
			}
			fields = append(fields, record.Field{Name: agg.Name(), Type: record.IntField, Required: true})
		case AggAverage:
			f, ok := source.Lookup(agg.Field)
			if !ok {
				return nil, fmt.Errorf("logical: average field %q not on schema %s", agg.Field, source.Name())
			}
			if f.Type != record.IntField && f.Type != record.FloatField {
				return nil, fmt.Errorf("logical: average field %q must be numeric, got %s", agg.Field, f.Type)
			}
			fields = append(fields, record.Field{Name: agg.Name(), Type: record.FloatField, Required: true})
		default:
			return nil, fmt.Errorf("logical: unknown aggregate %q", agg.Func)
		}
	}

	return record.NewSchema("grouped_"+source.Name(), "grouped "+source.Desc(), fields...)
}

func (g GroupBy) serialize() map[string]any {
	aggs := make([]map[string]any, 0, len(g.Aggs))
	for _, a := range g.Aggs {
		aggs = append(aggs, map[string]any{"func": string(a.Func), "field": a.Field})
	}
	return map[string]any{"fields": g.Fields, "aggs": aggs}
}
