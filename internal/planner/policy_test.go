package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-data/refinery/internal/physical"
)

func plansWith(ests ...Estimate) []*Plan {
	plans := make([]*Plan, len(ests))
	for i, est := range ests {
		plans[i] = &Plan{estimate: est}
	}
	return plans
}

func TestMinCostPicksCheapest(t *testing.T) {
	plans := plansWith(
		Estimate{Cost: 3, Quality: 0.9},
		Estimate{Cost: 1, Quality: 0.5},
		Estimate{Cost: 2, Quality: 0.9},
	)
	got, err := MinCost{}.Choose(plans)
	require.NoError(t, err)
	assert.Same(t, plans[1], got)
}

func TestMinCostTieFallsToQualityThenIndex(t *testing.T) {
	plans := plansWith(
		Estimate{Cost: 1, Quality: 0.5},
		Estimate{Cost: 1, Quality: 0.9},
		Estimate{Cost: 1, Quality: 0.9},
	)
	got, err := MinCost{}.Choose(plans)
	require.NoError(t, err)
	assert.Same(t, plans[1], got)

	even := plansWith(
		Estimate{Cost: 1, Quality: 0.9},
		Estimate{Cost: 1, Quality: 0.9},
	)
	got, err = MinCost{}.Choose(even)
	require.NoError(t, err)
	assert.Same(t, even[0], got)
}

func TestMaxQualityMinRuntimePrefersQualityThenSpeed(t *testing.T) {
	plans := plansWith(
		Estimate{Quality: 0.8, Time: 10},
		Estimate{Quality: 0.95, Time: 60},
		Estimate{Quality: 0.95, Time: 30},
	)
	got, err := MaxQualityMinRuntime{}.Choose(plans)
	require.NoError(t, err)
	assert.Same(t, plans[2], got)
}

func TestMaxQualityAtFixedCostHonorsBudget(t *testing.T) {
	plans := plansWith(
		Estimate{Cost: 5, Quality: 0.99, Time: 10},
		Estimate{Cost: 2, Quality: 0.80, Time: 10},
		Estimate{Cost: 1, Quality: 0.60, Time: 10},
	)
	got, err := MaxQualityAtFixedCost{Budget: 3}.Choose(plans)
	require.NoError(t, err)
	assert.Same(t, plans[1], got)

	// Nothing within budget degrades to the cheapest plan.
	got, err = MaxQualityAtFixedCost{Budget: 0.5}.Choose(plans)
	require.NoError(t, err)
	assert.Same(t, plans[2], got)
}

func TestMinRuntimeAtFixedQualityHonorsFloor(t *testing.T) {
	plans := plansWith(
		Estimate{Time: 5, Quality: 0.6},
		Estimate{Time: 40, Quality: 0.9},
		Estimate{Time: 20, Quality: 0.92},
	)
	got, err := MinRuntimeAtFixedQuality{Floor: 0.85}.Choose(plans)
	require.NoError(t, err)
	assert.Same(t, plans[2], got)

	// An unreachable floor degrades to the best quality available.
	got, err = MinRuntimeAtFixedQuality{Floor: 0.99}.Choose(plans)
	require.NoError(t, err)
	assert.Same(t, plans[2], got)
}

func TestPoliciesAreTotalAndPure(t *testing.T) {
	env := testEnv(t)
	register(t, env, "tickets", ticketRecords(t, "login broken", "checkout slow"))
	plans, err := NewEnumerator(env, Config{}).Enumerate(triageChain(t))
	require.NoError(t, err)
	require.NotEmpty(t, plans)

	policies := []Policy{
		MinCost{},
		MaxQualityMinRuntime{},
		MaxQualityAtFixedCost{Budget: 0.001},
		MinRuntimeAtFixedQuality{Floor: 0.999},
	}
	for _, pol := range policies {
		got, err := pol.Choose(plans)
		require.NoError(t, err, pol.Name())
		assert.Contains(t, plans, got, pol.Name())

		again, err := pol.Choose(plans)
		require.NoError(t, err, pol.Name())
		assert.Same(t, got, again, pol.Name())
	}
}

func TestPoliciesRejectEmptyCandidateSet(t *testing.T) {
	policies := []Policy{
		MinCost{},
		MaxQualityMinRuntime{},
		MaxQualityAtFixedCost{Budget: 1},
		MinRuntimeAtFixedQuality{Floor: 0.5},
	}
	for _, pol := range policies {
		_, err := pol.Choose(nil)
		assert.ErrorIs(t, err, ErrNoPlans, pol.Name())
	}
}

func TestParetoFrontDropsDominatedPlans(t *testing.T) {
	plans := plansWith(
		Estimate{Time: 10, Cost: 1, Quality: 0.9},
		Estimate{Time: 12, Cost: 2, Quality: 0.8},
		Estimate{Time: 5, Cost: 3, Quality: 0.95},
		Estimate{Time: 10, Cost: 1, Quality: 0.9},
	)
	front := ParetoFront(plans)
	// The second plan is beaten everywhere by the first; the duplicate
	// estimates survive together for the policy tiebreak.
	require.Len(t, front, 3)
	assert.Same(t, plans[0], front[0])
	assert.Same(t, plans[2], front[1])
	assert.Same(t, plans[3], front[2])
}

func TestQualityModelsCompose(t *testing.T) {
	assert.InDelta(t, 0.36, MultiplicativeQuality{}.Compose([]float64{1, 0.8, 0.45}), 1e-9)
	assert.InDelta(t, 1.0, MultiplicativeQuality{}.Compose(nil), 1e-9)

	assert.InDelta(t, 0.85, AdditiveQuality{}.Compose([]float64{0.9, 0.95}), 1e-9)
	assert.Zero(t, AdditiveQuality{}.Compose([]float64{0.2, 0.3}))
}

func TestCalibrationOverridesNaiveConstants(t *testing.T) {
	cal := &Calibration{
		TimePerRecord: map[string]float64{"gpt-4o": 1.25},
		CostPerRecord: map[string]float64{"gpt-4o": 0.002},
		Selectivity:   map[string]float64{"the ticket reports a bug": 0.1},
	}
	cfg := Config{Calibration: cal}.withDefaults()

	measured := cfg.filterParams(mustCard("gpt-4o"), "the ticket reports a bug")
	assert.Equal(t, 1.25, measured.TimePerRecord)
	assert.Equal(t, 0.002, measured.CostPerRecord)
	assert.Equal(t, 0.1, measured.Selectivity)

	naive := cfg.filterParams(mustCard("gpt-4o-mini"), "the ticket mentions billing")
	card := mustCard("gpt-4o-mini")
	assert.Equal(t, physical.LLMFilterTimePerRecord, naive.TimePerRecord)
	assert.Equal(t, NaiveFilterSelectivity, naive.Selectivity)
	assert.InDelta(t, card.InputCost(physical.NaiveInputTokensPerRecord)+card.OutputCost(physical.NaiveOutputTokensPerRecord), naive.CostPerRecord, 1e-12)
}
