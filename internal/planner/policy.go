package planner

import "errors"

// ErrNoPlans is returned when a policy is handed an empty candidate set.
var ErrNoPlans = errors.New("planner: no candidate plans")

// Policy picks exactly one plan from a candidate set. A choice is a pure
// function of the estimates, so the same candidates always yield the
// same winner.
type Policy interface {
	Name() string
	Choose(plans []*Plan) (*Plan, error)
}

var (
	_ Policy = MinCost{}
	_ Policy = MaxQualityMinRuntime{}
	_ Policy = MaxQualityAtFixedCost{}
	_ Policy = MinRuntimeAtFixedQuality{}
)

// MinCost picks the cheapest plan. Ties fall to the higher quality, then
// to the earliest enumerated.
type MinCost struct{}

func (MinCost) Name() string { return "min_cost" }

func (MinCost) Choose(plans []*Plan) (*Plan, error) {
	if len(plans) == 0 {
		return nil, ErrNoPlans
	}
	best := plans[0]
	for _, p := range plans[1:] {
		a, b := p.Estimate(), best.Estimate()
		if a.Cost < b.Cost || (a.Cost == b.Cost && a.Quality > b.Quality) {
			best = p
		}
	}
	return best, nil
}

// MaxQualityMinRuntime picks the highest-quality plan. Ties fall to the
// faster, then to the earliest enumerated.
type MaxQualityMinRuntime struct{}

func (MaxQualityMinRuntime) Name() string { return "max_quality_min_runtime" }

func (MaxQualityMinRuntime) Choose(plans []*Plan) (*Plan, error) {
	if len(plans) == 0 {
		return nil, ErrNoPlans
	}
	best := plans[0]
	for _, p := range plans[1:] {
		a, b := p.Estimate(), best.Estimate()
		if a.Quality > b.Quality || (a.Quality == b.Quality && a.Time < b.Time) {
			best = p
		}
	}
	return best, nil
}

// MaxQualityAtFixedCost picks the highest-quality plan whose estimated
// spend stays within Budget, degrading to the cheapest plan when nothing
// fits so a selection always exists.
type MaxQualityAtFixedCost struct {
	Budget float64
}

func (MaxQualityAtFixedCost) Name() string { return "max_quality_at_fixed_cost" }

func (p MaxQualityAtFixedCost) Choose(plans []*Plan) (*Plan, error) {
	if len(plans) == 0 {
		return nil, ErrNoPlans
	}
	var within []*Plan
	for _, pl := range plans {
		if pl.Estimate().Cost <= p.Budget {
			within = append(within, pl)
		}
	}
	if len(within) == 0 {
		return MinCost{}.Choose(plans)
	}
	return MaxQualityMinRuntime{}.Choose(within)
}

// MinRuntimeAtFixedQuality picks the fastest plan of at least Floor
// quality, degrading to the highest quality available when none reaches
// it.
type MinRuntimeAtFixedQuality struct {
	Floor float64
}

func (MinRuntimeAtFixedQuality) Name() string { return "min_runtime_at_fixed_quality" }

func (p MinRuntimeAtFixedQuality) Choose(plans []*Plan) (*Plan, error) {
	if len(plans) == 0 {
		return nil, ErrNoPlans
	}
	var within []*Plan
	for _, pl := range plans {
		if pl.Estimate().Quality >= p.Floor {
			within = append(within, pl)
		}
	}
	if len(within) == 0 {
		return MaxQualityMinRuntime{}.Choose(plans)
	}
	best := within[0]
	for _, pl := range within[1:] {
		a, b := pl.Estimate(), best.Estimate()
		if a.Time < b.Time || (a.Time == b.Time && a.Cost < b.Cost) {
			best = pl
		}
	}
	return best, nil
}
