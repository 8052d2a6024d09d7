package physical

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

func notSpam() logical.Predicate {
	return logical.Predicate{
		FuncName: "not_spam",
		Func: func(r *record.Record) (bool, error) {
			return r.GetString("subject") != "spam", nil
		},
	}
}

func readSealedSubjects(t *testing.T, env Env, node *logical.Node) []string {
	t.Helper()
	raw, ok, err := env.Cache.ReadSealed(node.ID())
	require.NoError(t, err)
	require.True(t, ok, "stream should be sealed")
	recs := make([]*record.Record, 0, len(raw))
	for _, data := range raw {
		rec, err := record.Unmarshal(node.Schema(), data)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return subjects(recs)
}

func TestFuncFilterDropsAndSealsSurvivors(t *testing.T) {
	env := testEnv(t, nil)
	node, err := scanNode().Filter(notSpam())
	require.NoError(t, err)

	src := newSliceSource(emailSchema, emailRecords(t,
		[2]string{"hello", "a greeting"},
		[2]string{"spam", "win big"},
		[2]string{"invoice", "pay up"},
	))
	op := NewFuncFilter(env, node, src)
	defer op.Close()

	out := drain(t, op)
	assert.Equal(t, []string{"hello", "invoice"}, subjects(out))

	// The survivors, and only the survivors, are sealed under the
	// filter's logical id.
	assert.Equal(t, []string{"hello", "invoice"}, readSealedSubjects(t, env, node))
}

func TestFilterRejectingEverythingSealsEmptyStream(t *testing.T) {
	env := testEnv(t, nil)
	node, err := scanNode().Filter(notSpam())
	require.NoError(t, err)

	src := newSliceSource(emailSchema, emailRecords(t, [2]string{"spam", "win big"}))
	op := NewFuncFilter(env, node, src)
	defer op.Close()

	assert.Empty(t, drain(t, op))

	raw, ok, err := env.Cache.ReadSealed(node.ID())
	require.NoError(t, err)
	assert.True(t, ok, "an empty result is still a sealed, reusable stream")
	assert.Empty(t, raw)
}

func TestFilterDoesNotSealPartialStream(t *testing.T) {
	env := testEnv(t, nil)
	filterNode, err := scanNode().Filter(notSpam())
	require.NoError(t, err)
	limitNode, err := filterNode.Take(1)
	require.NoError(t, err)

	src := newSliceSource(emailSchema, emailRecords(t,
		[2]string{"hello", "a greeting"},
		[2]string{"invoice", "pay up"},
	))
	op := NewLimit(env, limitNode, NewFuncFilter(env, filterNode, src))
	defer op.Close()

	require.Len(t, drain(t, op), 1)

	// The filter never drained its source, so its stream must stay
	// invisible: a partial result would poison every future reuse.
	sealed, err := env.Cache.HasSealed(filterNode.ID())
	require.NoError(t, err)
	assert.False(t, sealed)
}

func TestFilterClaimLostSkipsWriting(t *testing.T) {
	env := testEnv(t, nil)
	node, err := scanNode().Filter(notSpam())
	require.NoError(t, err)
	rows := [][2]string{
		{"hello", "a greeting"},
		{"invoice", "pay up"},
	}

	first := NewFuncFilter(env, node, newSliceSource(emailSchema, emailRecords(t, rows...)))
	drain(t, first)
	first.Close()

	// A second run of the same subtree loses the claim but still streams.
	second := NewFuncFilter(env, node, newSliceSource(emailSchema, emailRecords(t, rows...)))
	defer second.Close()
	assert.Len(t, drain(t, second), 2)

	assert.Equal(t, []string{"hello", "invoice"}, readSealedSubjects(t, env, node),
		"the sealed stream is the first writer's, untouched")
}

func TestLLMFilterAsksModelAndDropsFailures(t *testing.T) {
	sim := &completion.Simulator{Respond: func(req completion.Request) (string, error) {
		switch {
		case strings.Contains(req.Prompt, "pay up"):
			return "TRUE", nil
		case strings.Contains(req.Prompt, "win big"):
			return "FALSE", nil
		default:
			return "hard to say", nil
		}
	}}
	env := testEnv(t, sim)
	col := &collector{}
	env.Profiler = col

	node, err := scanNode().Filter(logical.Predicate{Condition: "the email demands money"})
	require.NoError(t, err)

	src := newSliceSource(emailSchema, emailRecords(t,
		[2]string{"invoice", "pay up"},
		[2]string{"spam", "win big"},
		[2]string{"riddle", "who knows"},
	))
	op := NewLLMFilter(env, node, src, LLMParams{Model: "gpt-4o-mini", Selectivity: 0.5})
	defer op.Close()

	out := drain(t, op)
	assert.Equal(t, []string{"invoice"}, subjects(out),
		"FALSE answers and unparseable answers both drop the record")

	// Only parseable evaluations are profiled.
	require.Len(t, col.events, 2)
	for _, ev := range col.events {
		assert.Equal(t, "gpt-4o-mini", ev.Model)
	}

	// The surviving record was sealed for reuse.
	assert.Equal(t, []string{"invoice"}, readSealedSubjects(t, env, node))
}

func TestLLMFilterCostUsesSelectivityAndLatency(t *testing.T) {
	env := testEnv(t, &completion.Simulator{})
	node, err := scanNode().Filter(logical.Predicate{Condition: "anything"})
	require.NoError(t, err)

	src := newSliceSource(emailSchema, emailRecords(t,
		[2]string{"a", ""}, [2]string{"b", ""}, [2]string{"c", ""}, [2]string{"d", ""},
	))
	op := NewLLMFilter(env, node, src, LLMParams{
		Model:         "gpt-4o",
		TimePerRecord: LLMFilterTimePerRecord,
		CostPerRecord: 0.01,
		Selectivity:   0.5,
		Quality:       0.89,
	})
	defer op.Close()

	cost := op.Cost()
	assert.Equal(t, 2.0, cost.Cardinality)
	assert.InDelta(t, LLMFilterTimePerRecord+0.001, cost.TimePerRecord, 1e-9)
	assert.InDelta(t, 0.01, cost.CostPerRecord, 1e-9)
	assert.Equal(t, 0.89, op.Quality())
}
