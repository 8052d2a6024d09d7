package physical

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// Explain renders the operator chain tip-first with composed estimates,
// one stage per line.
func Explain(tip Operator) string {
	var chain []Operator
	for op := tip; op != nil; op = op.Source() {
		chain = append(chain, op)
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATOR\tCARDINALITY\tTIME\tCOST\tREADS")
	for i, op := range chain {
		cost := op.Cost()
		fmt.Fprintf(w, "%s%s\t%.1f\t%.1fs\t$%.4f\t%s\n",
			strings.Repeat("  ", i),
			op.Name(),
			cost.Cardinality,
			cost.TotalTime(),
			cost.TotalCost(),
			humanize.Bytes(uint64(cost.BytesLocal+cost.BytesRemote)),
		)
	}
	w.Flush()
	return b.String()
}
