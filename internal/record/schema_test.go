package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchemaValidation(t *testing.T) {
	_, err := NewSchema("", "no name")
	assert.Error(t, err)

	_, err = NewSchema("Empty", "no fields")
	assert.Error(t, err)

	_, err = NewSchema("Dup", "duplicate fields",
		Field{Name: "a", Type: StringField},
		Field{Name: "a", Type: IntField},
	)
	assert.Error(t, err)

	_, err = NewSchema("Anon", "unnamed field", Field{Type: StringField})
	assert.Error(t, err)

	s, err := NewSchema("Email", "an email",
		Field{Name: "sender", Type: StringField, Desc: "sender address", Required: true},
		Field{Name: "subject", Type: StringField, Desc: "subject line"},
	)
	require.NoError(t, err)
	assert.Equal(t, "Email", s.Name())
	assert.Equal(t, 2, s.NumFields())
	assert.Equal(t, []string{"sender", "subject"}, s.FieldNames())
	assert.True(t, s.HasField("sender"))
	assert.False(t, s.HasField("body"))

	f, ok := s.Lookup("sender")
	require.True(t, ok)
	assert.True(t, f.Required)
	assert.Equal(t, StringField, f.Type)
}

func TestSchemaFingerprintIgnoresDescriptions(t *testing.T) {
	a := MustSchema("Doc", "first wording",
		Field{Name: "title", Type: StringField, Desc: "the title"},
	)
	b := MustSchema("Doc", "second wording",
		Field{Name: "title", Type: StringField, Desc: "a completely different hint"},
	)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := MustSchema("Doc", "",
		Field{Name: "title", Type: StringField, Required: true},
	)
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint(), "required flag is part of the shape")
}

func TestSchemaProject(t *testing.T) {
	s := MustSchema("Paper", "a paper",
		Field{Name: "title", Type: StringField},
		Field{Name: "author", Type: StringField},
		Field{Name: "year", Type: IntField},
	)

	p, err := s.Project("year", "title")
	require.NoError(t, err)
	assert.Equal(t, []string{"year", "title"}, p.FieldNames())

	_, err = s.Project("venue")
	assert.Error(t, err)
}

func TestSchemaNewFields(t *testing.T) {
	src := MustSchema("File", "raw",
		Field{Name: "filename", Type: StringField},
		Field{Name: "contents", Type: StringField},
	)
	dst := MustSchema("Email", "typed",
		Field{Name: "filename", Type: StringField},
		Field{Name: "sender", Type: StringField},
		Field{Name: "subject", Type: StringField},
	)

	added := dst.NewFields(src)
	names := make([]string, 0, len(added))
	for _, f := range added {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"sender", "subject"}, names)

	assert.Len(t, dst.NewFields(nil), 3)
}
