package planner

import (
	"github.com/refinery-data/refinery/internal/physical"
)

// Estimate is the priced summary a policy ranks plans by.
type Estimate struct {
	Cardinality float64
	// Time is the estimated end-to-end seconds, startup included.
	Time float64
	// Cost is the estimated spend in USD.
	Cost float64
	// Quality is the composed confidence in [0, 1].
	Quality float64
}

// QualityModel composes per-operator confidences into a plan quality.
// Compositions must never let a downstream stage raise quality above any
// of its inputs.
type QualityModel interface {
	Compose(stages []float64) float64
}

// MultiplicativeQuality treats stage confidences as independent success
// probabilities. This is the default.
type MultiplicativeQuality struct{}

func (MultiplicativeQuality) Compose(stages []float64) float64 {
	q := 1.0
	for _, s := range stages {
		q *= s
	}
	return q
}

// AdditiveQuality models each stage as shaving its error off a shared
// budget: 1 - sum(1-q_i), floored at zero. More forgiving than the
// multiplicative model for long chains of near-perfect stages.
type AdditiveQuality struct{}

func (AdditiveQuality) Compose(stages []float64) float64 {
	q := 1.0
	for _, s := range stages {
		q -= 1 - s
	}
	if q < 0 {
		return 0
	}
	return q
}

// Calibration carries measured per-model sample means. When present they
// take precedence over the naive constants the strategies assume.
type Calibration struct {
	// TimePerRecord maps model name to mean seconds per processed record.
	TimePerRecord map[string]float64
	// CostPerRecord maps model name to mean USD per processed record.
	CostPerRecord map[string]float64
	// Selectivity maps a filter condition to its observed pass rate.
	Selectivity map[string]float64
}

// apply overlays measured means onto naive params. Nil receivers pass
// params through untouched.
func (c *Calibration) apply(p physical.LLMParams) physical.LLMParams {
	if c == nil {
		return p
	}
	if t, ok := c.TimePerRecord[p.Model]; ok {
		p.TimePerRecord = t
	}
	if usd, ok := c.CostPerRecord[p.Model]; ok {
		p.CostPerRecord = usd
	}
	return p
}

func (c *Calibration) selectivity(condition string, fallback float64) float64 {
	if c == nil {
		return fallback
	}
	if s, ok := c.Selectivity[condition]; ok {
		return s
	}
	return fallback
}

// estimateChain prices a bound chain: totals come from the tip's cost
// estimate, quality from composing every operator's confidence source
// first.
func estimateChain(tip physical.Operator, qm QualityModel) Estimate {
	cost := tip.Cost()
	var stages []float64
	for op := tip; op != nil; op = op.Source() {
		stages = append(stages, op.Quality())
	}
	for i, j := 0, len(stages)-1; i < j; i, j = i+1, j-1 {
		stages[i], stages[j] = stages[j], stages[i]
	}
	return Estimate{
		Cardinality: cost.Cardinality,
		Time:        cost.TotalTime(),
		Cost:        cost.TotalCost(),
		Quality:     qm.Compose(stages),
	}
}
