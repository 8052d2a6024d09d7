package logical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinery-data/refinery/internal/record"
)

var emailSchema = record.MustSchema("email", "an email message",
	record.Field{Name: "filename", Type: record.StringField, Required: true},
	record.Field{Name: "contents", Type: record.StringField, Required: true},
)

var parsedEmailSchema = record.MustSchema("parsed_email", "a parsed email",
	record.Field{Name: "filename", Type: record.StringField, Required: true},
	record.Field{Name: "contents", Type: record.StringField, Required: true},
	record.Field{Name: "sender", Type: record.StringField, Desc: "the email sender address"},
	record.Field{Name: "subject", Type: record.StringField, Desc: "the subject line"},
)

func buildChain(t *testing.T) *Node {
	t.Helper()
	n := Scan("enron-emails", emailSchema)
	n, err := n.Convert(parsedEmailSchema, ConvertOpts{})
	require.NoError(t, err)
	n, err = n.Filter(Predicate{Condition: "the email discusses a power outage"})
	require.NoError(t, err)
	n, err = n.Take(10)
	require.NoError(t, err)
	return n
}

func TestIDsAreDeterministic(t *testing.T) {
	first := buildChain(t)
	second := buildChain(t)

	fl, sl := first.Lineage(), second.Lineage()
	require.Len(t, fl, 4)
	require.Len(t, sl, 4)
	for i := range fl {
		assert.Equal(t, fl[i].ID(), sl[i].ID(), "node %d", i)
	}
}

func TestIDLength(t *testing.T) {
	assert.Len(t, Scan("ds", emailSchema).ID(), MaxIDChars)
}

func TestIDChangesWithAnyParameter(t *testing.T) {
	base := Scan("enron-emails", emailSchema)

	otherDataset := Scan("other-emails", emailSchema)
	assert.NotEqual(t, base.ID(), otherDataset.ID())

	f1, err := base.Filter(Predicate{Condition: "mentions a power outage"})
	require.NoError(t, err)
	f2, err := base.Filter(Predicate{Condition: "mentions a gas leak"})
	require.NoError(t, err)
	assert.NotEqual(t, f1.ID(), f2.ID())

	l1, err := base.Take(5)
	require.NoError(t, err)
	l2, err := base.Take(6)
	require.NoError(t, err)
	assert.NotEqual(t, l1.ID(), l2.ID())
}

func TestIDChangesWhenUpstreamChanges(t *testing.T) {
	a := Scan("ds-a", emailSchema)
	b := Scan("ds-b", emailSchema)

	fa, err := a.Take(3)
	require.NoError(t, err)
	fb, err := b.Take(3)
	require.NoError(t, err)
	assert.NotEqual(t, fa.ID(), fb.ID(), "identical node over different sources must differ")
}

func TestIDSeesFieldDescriptions(t *testing.T) {
	reworded := record.MustSchema("parsed_email", "a parsed email",
		record.Field{Name: "filename", Type: record.StringField, Required: true},
		record.Field{Name: "contents", Type: record.StringField, Required: true},
		record.Field{Name: "sender", Type: record.StringField, Desc: "who sent the email"},
		record.Field{Name: "subject", Type: record.StringField, Desc: "the subject line"},
	)

	base := Scan("enron-emails", emailSchema)
	c1, err := base.Convert(parsedEmailSchema, ConvertOpts{})
	require.NoError(t, err)
	c2, err := base.Convert(reworded, ConvertOpts{})
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID(), "a reworded description changes what is asked of a model")
}

func TestNoOpConvertFolds(t *testing.T) {
	base := Scan("enron-emails", emailSchema)

	same, err := base.Convert(emailSchema, ConvertOpts{})
	require.NoError(t, err)
	assert.Same(t, base, same)

	// A function makes it a real conversion even over the same schema.
	withFn, err := base.Convert(emailSchema, ConvertOpts{
		Func:     func(r *record.Record) ([]*record.Record, error) { return []*record.Record{r}, nil },
		FuncName: "identity",
	})
	require.NoError(t, err)
	assert.NotSame(t, base, withFn)
	assert.Equal(t, KindConvert, withFn.Kind())

	// So does one-to-many cardinality.
	oneToMany, err := base.Convert(emailSchema, ConvertOpts{Cardinality: OneToMany})
	require.NoError(t, err)
	assert.NotSame(t, base, oneToMany)
}

func TestLineageOrder(t *testing.T) {
	tip := buildChain(t)
	lineage := tip.Lineage()

	require.Len(t, lineage, 4)
	assert.Equal(t, KindScan, lineage[0].Kind())
	assert.Equal(t, KindConvert, lineage[1].Kind())
	assert.Equal(t, KindFilter, lineage[2].Kind())
	assert.Equal(t, KindLimit, lineage[3].Kind())
	assert.Same(t, tip, lineage[3])
}

func TestNewFields(t *testing.T) {
	base := Scan("enron-emails", emailSchema)
	conv, err := base.Convert(parsedEmailSchema, ConvertOpts{})
	require.NoError(t, err)

	names := []string{}
	for _, f := range conv.NewFields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"sender", "subject"}, names)
}

func TestFilterValidation(t *testing.T) {
	base := Scan("ds", emailSchema)

	_, err := base.Filter(Predicate{})
	assert.Error(t, err)

	_, err = base.Filter(Predicate{Func: func(*record.Record) (bool, error) { return true, nil }})
	assert.Error(t, err, "function predicates need a stable name")

	named, err := base.Filter(Predicate{
		Func:     func(*record.Record) (bool, error) { return true, nil },
		FuncName: "always-true",
	})
	require.NoError(t, err)
	assert.Equal(t, "fn:always-true", named.Predicate().describe())
}

func TestAggregateValidation(t *testing.T) {
	base := Scan("ds", emailSchema)

	_, err := base.Aggregate(AggAverage)
	assert.Error(t, err, "no value field to average")

	count, err := base.Aggregate(AggCount)
	require.NoError(t, err)
	assert.Equal(t, record.NumberSchema.Name(), count.Schema().Name())

	_, err = base.Aggregate(AggFunc("median"))
	assert.Error(t, err)
}

func TestGroupOutputSchema(t *testing.T) {
	src := record.MustSchema("sales", "sales rows",
		record.Field{Name: "region", Type: record.StringField, Required: true},
		record.Field{Name: "amount", Type: record.FloatField, Required: true},
	)
	base := Scan("sales", src)

	grouped, err := base.Group(GroupBy{
		Fields: []string{"region"},
		Aggs:   []AggSpec{{Func: AggCount}, {Func: AggAverage, Field: "amount"}},
	})
	require.NoError(t, err)

	schema := grouped.Schema()
	assert.Equal(t, []string{"region", "count(*)", "average(amount)"}, schema.FieldNames())
	f, _ := schema.Lookup("count(*)")
	assert.Equal(t, record.IntField, f.Type)
	f, _ = schema.Lookup("average(amount)")
	assert.Equal(t, record.FloatField, f.Type)

	_, err = base.Group(GroupBy{Fields: []string{"nope"}, Aggs: []AggSpec{{Func: AggCount}}})
	assert.Error(t, err)
	_, err = base.Group(GroupBy{Fields: []string{"region"}})
	assert.Error(t, err)
	_, err = base.Group(GroupBy{
		Fields: []string{"region"},
		Aggs:   []AggSpec{{Func: AggAverage, Field: "region"}},
	})
	assert.Error(t, err, "cannot average a string field")
}

func TestTakeValidation(t *testing.T) {
	base := Scan("ds", emailSchema)
	_, err := base.Take(0)
	assert.Error(t, err)
	_, err = base.Take(-1)
	assert.Error(t, err)
}
