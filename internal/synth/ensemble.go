package synth

import (
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ensemble is the set of synthesized functions answering one field. Names
// are stable ("<field>_v0", "<field>_v1", ...) so persisted ensembles
// replay identically.
type Ensemble struct {
	Field string            `json:"field"`
	Codes map[string]string `json:"codes"`
}

func (e Ensemble) Empty() bool { return len(e.Codes) == 0 }

// names returns the function names in stable order.
func (e Ensemble) names() []string {
	names := make([]string, 0, len(e.Codes))
	for name := range e.Codes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Vote runs every function on the input and majority-votes the results.
// Values vote by canonical JSON form; the winner is the most common
// non-nil answer, earliest function winning ties. ok is false when no
// function produced a usable value.
func (e Ensemble) Vote(sandbox *Sandbox, input map[string]any) (winner any, ok bool) {
	type bucket struct {
		value any
		count int
		order int
	}
	buckets := map[string]*bucket{}

	order := 0
	for _, name := range e.names() {
		value, err := sandbox.Run(e.Codes[name], input)
		if err != nil || value == nil {
			continue
		}
		key, err := json.MarshalToString(value)
		if err != nil {
			continue
		}
		b, seen := buckets[key]
		if !seen {
			b = &bucket{value: value, order: order}
			buckets[key] = b
			order++
		}
		b.count++
	}
	if len(buckets) == 0 {
		return nil, false
	}

	var best *bucket
	for _, b := range buckets {
		if best == nil || b.count > best.count || (b.count == best.count && b.order < best.order) {
			best = b
		}
	}
	return best.value, true
}
