package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-data/refinery/internal/cache"
	"github.com/refinery-data/refinery/internal/catalog"
	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/physical"
	"github.com/refinery-data/refinery/internal/planner"
	"github.com/refinery-data/refinery/internal/record"
)

var leadSchema = record.MustSchema("leads", "inbound sales leads",
	record.Field{Name: "company", Type: record.StringField, Desc: "the company name", Required: true},
	record.Field{Name: "note", Type: record.StringField, Desc: "free-form contact note"},
)

var scoredSchema = record.MustSchema("scored_leads", "a qualified lead",
	record.Field{Name: "company", Type: record.StringField, Desc: "the company name", Required: true},
	record.Field{Name: "tier", Type: record.StringField, Desc: "one of hot, warm, cold"},
)

func leadRecords(t *testing.T, companies ...string) []*record.Record {
	t.Helper()
	recs := make([]*record.Record, 0, len(companies))
	for _, company := range companies {
		r := record.New(leadSchema)
		require.NoError(t, r.Set("company", company))
		recs = append(recs, r)
	}
	return recs
}

// leadSim answers the boolean filter per company and every bonded
// extraction with a hot tier.
func leadSim() *completion.Simulator {
	return &completion.Simulator{Respond: func(req completion.Request) (string, error) {
		if strings.Contains(req.Prompt, "Print TRUE or FALSE only") {
			if strings.Contains(req.Prompt, "Tiny LLC") {
				return "FALSE", nil
			}
			return "TRUE", nil
		}
		return `{"tier": "hot"}`, nil
	}}
}

func testEnv(t *testing.T, svc completion.Service) physical.Env {
	t.Helper()
	cat, err := catalog.Open("", nil)
	require.NoError(t, err)
	return physical.Env{
		Catalog:    cat,
		Cache:      cache.New(cache.NewMemory(), nil, nil),
		Completion: svc,
	}
}

func scoringChain(t *testing.T) *logical.Node {
	t.Helper()
	filtered, err := logical.Scan("leads", leadSchema).
		Filter(logical.Predicate{Condition: "the lead looks enterprise ready"})
	require.NoError(t, err)
	root, err := filtered.Convert(scoredSchema, logical.ConvertOpts{})
	require.NoError(t, err)
	return root
}

func planNamed(t *testing.T, plans []*planner.Plan, name string) *planner.Plan {
	t.Helper()
	for _, p := range plans {
		if p.Name() == name {
			return p
		}
	}
	t.Fatalf("no candidate named %q", name)
	return nil
}

func companies(recs []*record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.GetString("company"))
	}
	return out
}

func TestRunExecutesChainAndSealsFilterStream(t *testing.T) {
	sim := leadSim()
	env := testEnv(t, sim)
	env.Catalog.RegisterMemory(catalog.NewMemorySource("leads", leadRecords(t, "Acme Corp", "Globex", "Tiny LLC")))

	root := scoringChain(t)
	plans, err := planner.NewEnumerator(env, planner.Config{Models: []string{"gpt-4o"}}).Enumerate(root)
	require.NoError(t, err)
	plan := planNamed(t, plans, "scan(leads) -> llm_filter(gpt-4o) -> bonded_convert(gpt-4o)")

	eng := New(nil, prometheus.NewRegistry())
	out, stats, err := eng.Run(context.Background(), plan)
	require.NoError(t, err)

	require.Equal(t, []string{"Acme Corp", "Globex"}, companies(out))
	for _, r := range out {
		assert.Same(t, scoredSchema, r.Schema())
		assert.Equal(t, "hot", r.GetString("tier"))
	}

	// Three filter evaluations plus one bonded call per survivor.
	assert.Equal(t, 5, sim.Calls())
	assert.Len(t, stats.Events, 5)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 2, stats.GeneratedFields)
	assert.Greater(t, stats.Cost, 0.0)
	assert.Len(t, stats.RunID, 8)
	assert.Equal(t, plan.Name(), stats.Plan)
	assert.Equal(t, 2.0, testutil.ToFloat64(eng.metrics.records))

	// The filter sealed exactly the two passing raw inputs.
	filterNode := root.Source()
	rows, ok, err := env.Cache.ReadSealed(filterNode.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rows, 2)
	for i, want := range []string{"Acme Corp", "Globex"} {
		rec, err := record.Unmarshal(leadSchema, rows[i])
		require.NoError(t, err)
		assert.Equal(t, want, rec.GetString("company"))
		assert.False(t, rec.Has("tier"))
	}
}

func TestSecondRunReplaysSealedFilter(t *testing.T) {
	sim := leadSim()
	env := testEnv(t, sim)
	env.Catalog.RegisterMemory(catalog.NewMemorySource("leads", leadRecords(t, "Acme Corp", "Globex", "Tiny LLC")))

	root := scoringChain(t)
	eng := New(nil, prometheus.NewRegistry())

	plans, err := planner.NewEnumerator(env, planner.Config{Models: []string{"gpt-4o"}}).Enumerate(root)
	require.NoError(t, err)
	first, _, err := eng.Run(context.Background(),
		planNamed(t, plans, "scan(leads) -> llm_filter(gpt-4o) -> bonded_convert(gpt-4o)"))
	require.NoError(t, err)
	callsAfterFirst := sim.Calls()

	// Replanning the identical chain now starts from the sealed stream.
	plans, err = planner.NewEnumerator(env, planner.Config{Models: []string{"gpt-4o"}}).Enumerate(root)
	require.NoError(t, err)
	second, _, err := eng.Run(context.Background(),
		planNamed(t, plans, "cache_scan(filter) -> bonded_convert(gpt-4o)"))
	require.NoError(t, err)

	assert.Equal(t, companies(first), companies(second))
	// Only the two bonded calls; the filter never consults the model.
	assert.Equal(t, callsAfterFirst+2, sim.Calls())
}

func TestRunDeterministicChainSpendsNothing(t *testing.T) {
	sim := &completion.Simulator{}
	env := testEnv(t, sim)
	env.Catalog.RegisterMemory(catalog.NewMemorySource("leads", leadRecords(t, "Acme Corp", "Globex")))

	hasNote := func(r *record.Record) (bool, error) { return r.GetString("company") != "", nil }
	root, err := logical.Scan("leads", leadSchema).
		Filter(logical.Predicate{Func: hasNote, FuncName: "has_company"})
	require.NoError(t, err)

	plans, err := planner.NewEnumerator(env, planner.Config{}).Enumerate(root)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	out, stats, err := New(nil, prometheus.NewRegistry()).Run(context.Background(), plans[0])
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Zero(t, stats.Cost)
	assert.Empty(t, stats.Events)
	assert.Zero(t, sim.Calls())
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	env := testEnv(t, &completion.Simulator{})
	env.Catalog.RegisterMemory(catalog.NewMemorySource("leads", leadRecords(t, "Acme Corp")))

	root := logical.Scan("leads", leadSchema)
	plans, err := planner.NewEnumerator(env, planner.Config{}).Enumerate(root)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = New(nil, prometheus.NewRegistry()).Run(ctx, plans[0])
	require.ErrorIs(t, err, context.Canceled)
}
