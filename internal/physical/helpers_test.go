package physical

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/refinery-data/refinery/internal/cache"
	"github.com/refinery-data/refinery/internal/catalog"
	"github.com/refinery-data/refinery/internal/completion"
	"github.com/refinery-data/refinery/internal/logical"
	"github.com/refinery-data/refinery/internal/record"
)

var emailSchema = record.MustSchema("emails", "an inbox dump",
	record.Field{Name: "subject", Type: record.StringField, Desc: "the subject line", Required: true},
	record.Field{Name: "body", Type: record.StringField, Desc: "the message body"},
)

func emailRecords(t *testing.T, rows ...[2]string) []*record.Record {
	t.Helper()
	recs := make([]*record.Record, 0, len(rows))
	for _, row := range rows {
		r := record.New(emailSchema)
		require.NoError(t, r.Set("subject", row[0]))
		require.NoError(t, r.Set("body", row[1]))
		recs = append(recs, r)
	}
	return recs
}

// testEnv wires an in-memory catalog, cache and completion service
// together the way the engine does.
func testEnv(t *testing.T, svc completion.Service) Env {
	t.Helper()
	cat, err := catalog.Open("", nil)
	require.NoError(t, err)
	return Env{
		Catalog:    cat,
		Cache:      cache.New(cache.NewMemory(), nil, nil),
		Completion: svc,
	}
}

func registerEmails(t *testing.T, env Env, recs []*record.Record) {
	t.Helper()
	env.Catalog.RegisterMemory(catalog.NewMemorySource("emails", recs))
}

// drain pulls the operator dry and fails the test on any stream error.
func drain(t *testing.T, op Operator) []*record.Record {
	t.Helper()
	var out []*record.Record
	for {
		rec, err := op.Next(context.Background())
		if err == ErrExhausted {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func subjects(recs []*record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.GetString("subject"))
	}
	return out
}

// sliceSource is a leaf operator over in-memory records with a known
// estimate, for exercising downstream operators in isolation.
type sliceSource struct {
	base
	recs  []*record.Record
	pos   int
	pulls int
	est   CostEstimate
}

func newSliceSource(schema *record.Schema, recs []*record.Record) *sliceSource {
	return &sliceSource{
		base: base{schema: schema, logicalID: "slice", name: "slice_source"},
		recs: recs,
		est: CostEstimate{
			Cardinality:   float64(len(recs)),
			TimePerRecord: 0.001,
			BytesLocal:    float64(100 * len(recs)),
		},
	}
}

func (s *sliceSource) Next(ctx context.Context) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.recs) {
		return nil, ErrExhausted
	}
	s.pulls++
	rec := s.recs[s.pos]
	s.pos++
	return rec, nil
}

func (s *sliceSource) Close() error       { return nil }
func (s *sliceSource) Cost() CostEstimate { return s.est }
func (s *sliceSource) Quality() float64   { return 1.0 }

// collector records profile events for assertions.
type collector struct {
	events []Event
}

func (c *collector) Emit(ev Event) { c.events = append(c.events, ev) }

// answersTo keys simulator responses on prompt markers: one reply for
// bonded extraction and one per conventional single-field question.
func answersTo(bonded string, conventional map[string]string) func(completion.Request) (string, error) {
	return func(req completion.Request) (string, error) {
		if strings.Contains(req.Prompt, "Answer with a single JSON object") {
			return bonded, nil
		}
		for field, answer := range conventional {
			if strings.Contains(req.Prompt, `"`+field+`"`) {
				return answer, nil
			}
		}
		return "None", nil
	}
}

func scanNode() *logical.Node {
	return logical.Scan("emails", emailSchema)
}
