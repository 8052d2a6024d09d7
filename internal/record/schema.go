package record

import (
	"fmt"
	"strings"
)

// FieldType enumerates the value types a schema field may carry.
type FieldType int

const (
	StringField FieldType = iota
	BoolField
	IntField
	FloatField
	BytesField
	StringListField
)

func (t FieldType) String() string {
	switch t {
	case StringField:
		return "string"
	case BoolField:
		return "bool"
	case IntField:
		return "int"
	case FloatField:
		return "float"
	case BytesField:
		return "bytes"
	case StringListField:
		return "string_list"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Field is a single attribute descriptor: a name, a value type, a natural
// language description used when prompting a model for the field, and
// whether the field must be populated for a record to be considered valid.
type Field struct {
	Name     string
	Type     FieldType
	Desc     string
	Required bool
}

// Schema is a closed, ordered set of attribute descriptors. Schemas are
// validated once at construction and never mutated afterwards, so every
// record built against a schema is guaranteed to reference declared fields
// only.
type Schema struct {
	name   string
	desc   string
	fields []Field
	index  map[string]int
}

// NewSchema validates the descriptors and returns an immutable schema.
// Field names must be unique and non-empty.
func NewSchema(name, desc string, fields ...Field) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema name must not be empty")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema %q must declare at least one field", name)
	}

	index := make(map[string]int, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema %q: field %d has an empty name", name, i)
		}
		if f.Type < StringField || f.Type > StringListField {
			return nil, fmt.Errorf("schema %q: field %q has invalid type %d", name, f.Name, int(f.Type))
		}
		if _, dup := index[f.Name]; dup {
			return nil, fmt.Errorf("schema %q: duplicate field %q", name, f.Name)
		}
		index[f.Name] = i
	}

	owned := make([]Field, len(fields))
	copy(owned, fields)
	return &Schema{name: name, desc: desc, fields: owned, index: index}, nil
}

// MustSchema is NewSchema for statically known shapes; it panics on error.
func MustSchema(name, desc string, fields ...Field) *Schema {
	s, err := NewSchema(name, desc, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string { return s.name }
func (s *Schema) Desc() string { return s.desc }

// Fields returns a copy of the descriptors in declaration order.
func (s *Schema) Fields() []Field {
	fields := make([]Field, len(s.fields))
	copy(fields, s.fields)
	return fields
}

// FieldNames returns the field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Lookup returns the descriptor for a field name.
func (s *Schema) Lookup(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// HasField checks if the schema declares the named field.
func (s *Schema) HasField(name string) bool {
	_, ok := s.index[name]
	return ok
}

// NumFields returns the number of declared fields.
func (s *Schema) NumFields() int { return len(s.fields) }

// Fingerprint is a deterministic textual form of the schema shape. Two
// schemas with the same name, field names, types and required flags share a
// fingerprint regardless of how they were constructed. Descriptions are
// excluded: rewording a prompt hint does not change what the schema is.
func (s *Schema) Fingerprint() string {
	var b strings.Builder
	b.WriteString(s.name)
	for _, f := range s.fields {
		b.WriteByte('|')
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(f.Type.String())
		if f.Required {
			b.WriteString("!")
		}
	}
	return b.String()
}

// Project returns a schema containing only the named fields, in the order
// given. Every name must be declared on the receiver.
func (s *Schema) Project(names ...string) (*Schema, error) {
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		f, ok := s.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("schema %q has no field %q", s.name, name)
		}
		fields = append(fields, f)
	}
	return NewSchema(s.name, s.desc, fields...)
}

// NewFields reports the receiver's fields that the source schema does not
// declare, i.e. the fields a convert step must generate.
func (s *Schema) NewFields(source *Schema) []Field {
	var out []Field
	for _, f := range s.fields {
		if source == nil || !source.HasField(f.Name) {
			out = append(out, f)
		}
	}
	return out
}
