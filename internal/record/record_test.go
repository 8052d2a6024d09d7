package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema("Message", "a chat message",
		Field{Name: "author", Type: StringField, Required: true},
		Field{Name: "text", Type: StringField},
		Field{Name: "score", Type: FloatField},
		Field{Name: "pinned", Type: BoolField},
		Field{Name: "raw", Type: BytesField},
		Field{Name: "tags", Type: StringListField},
	)
	require.NoError(t, err)
	return s
}

func TestRecordSetAndGet(t *testing.T) {
	r := New(testSchema(t))
	require.Len(t, r.ID(), MaxIDChars)

	require.NoError(t, r.Set("author", "ada"))
	require.NoError(t, r.Set("score", 3)) // ints coerce into float fields
	require.NoError(t, r.Set("pinned", true))
	require.NoError(t, r.Set("tags", []string{"a", "b"}))

	assert.Equal(t, "ada", r.GetString("author"))
	assert.Equal(t, 3.0, r.GetFloat("score"))
	assert.True(t, r.GetBool("pinned"))
	assert.True(t, r.Has("tags"))
	assert.False(t, r.Has("text"))

	// Undeclared fields and mistyped values are rejected.
	assert.Error(t, r.Set("nope", "x"))
	assert.Error(t, r.Set("pinned", "yes"))

	// nil clears.
	require.NoError(t, r.Set("pinned", nil))
	assert.False(t, r.Has("pinned"))
}

func TestRecordDerivationCarriesSharedFields(t *testing.T) {
	src := New(testSchema(t))
	require.NoError(t, src.Set("author", "ada"))
	require.NoError(t, src.Set("text", "hello"))

	narrow := MustSchema("Author", "just the author",
		Field{Name: "author", Type: StringField},
		Field{Name: "domain", Type: StringField},
	)
	d := NewDerived(narrow, src)
	assert.Equal(t, src.ID(), d.ParentID())
	assert.Equal(t, "ada", d.GetString("author"))
	assert.False(t, d.Has("domain"))
}

func TestCanonicalJSONIsDeterministicAndSkipsBytes(t *testing.T) {
	s := testSchema(t)

	build := func() *Record {
		r := New(s)
		require.NoError(t, r.Set("text", "hi"))
		require.NoError(t, r.Set("author", "bob"))
		require.NoError(t, r.Set("raw", []byte{0x1, 0x2}))
		return r
	}
	a, b := build(), build()
	assert.Equal(t, a.CanonicalJSON(), b.CanonicalJSON())
	assert.Contains(t, a.CanonicalJSON(), `"<bytes>"`)
	// Keys are sorted regardless of set order.
	assert.Equal(t, `{"author":"bob","raw":"<bytes>","text":"hi"}`, a.CanonicalJSON())
}

func TestMarshalRoundTrip(t *testing.T) {
	s := testSchema(t)
	r := New(s)
	require.NoError(t, r.Set("author", "ada"))
	require.NoError(t, r.Set("score", 1.5))
	require.NoError(t, r.Set("raw", []byte("payload")))
	require.NoError(t, r.Set("tags", []string{"x"}))

	data, err := Marshal(r)
	require.NoError(t, err)

	got, err := Unmarshal(s, data)
	require.NoError(t, err)
	assert.Equal(t, r.ID(), got.ID())
	assert.Equal(t, "ada", got.GetString("author"))
	assert.Equal(t, 1.5, got.GetFloat("score"))
	assert.Equal(t, []byte("payload"), got.Get("raw"))
	assert.Equal(t, []string{"x"}, got.Get("tags"))

	_, err = Unmarshal(s, []byte(`{"values":{}}`))
	assert.Error(t, err, "missing id must be rejected")

	_, err = Unmarshal(s, []byte(`not json`))
	assert.Error(t, err)
}
