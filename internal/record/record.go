package record

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// MaxIDChars bounds the length of record identifiers.
const MaxIDChars = 10

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is a single instance of a schema: an identity, the lineage id of
// the record it was derived from, and one value per declared field. Values
// are set through Set, which rejects undeclared fields and mistyped values,
// so a record can never drift from its schema.
type Record struct {
	schema   *Schema
	id       string
	parentID string
	values   map[string]any
}

// New creates an empty record of the given schema with a fresh identity.
func New(schema *Schema) *Record {
	return &Record{
		schema: schema,
		id:     newID(),
		values: make(map[string]any, schema.NumFields()),
	}
}

// NewDerived creates a record whose lineage points at parent. Derived
// records start out carrying every parent value the new schema also
// declares, which is what a convert does before generating its new fields.
func NewDerived(schema *Schema, parent *Record) *Record {
	r := New(schema)
	if parent != nil {
		r.parentID = parent.id
		for name, v := range parent.values {
			if schema.HasField(name) {
				r.values[name] = v
			}
		}
	}
	return r
}

func newID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:MaxIDChars]
}

func (r *Record) Schema() *Schema  { return r.schema }
func (r *Record) ID() string       { return r.id }
func (r *Record) ParentID() string { return r.parentID }

// Set assigns a value to a declared field. The value must match the field's
// declared type; nil clears the field.
func (r *Record) Set(name string, value any) error {
	f, ok := r.schema.Lookup(name)
	if !ok {
		return fmt.Errorf("schema %q has no field %q", r.schema.Name(), name)
	}
	if value == nil {
		delete(r.values, name)
		return nil
	}
	coerced, err := coerce(f.Type, value)
	if err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	r.values[name] = coerced
	return nil
}

func coerce(t FieldType, value any) (any, error) {
	switch t {
	case StringField:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case BoolField:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case IntField:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		}
	case FloatField:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case BytesField:
		switch v := value.(type) {
		case []byte:
			return v, nil
		case string:
			// JSON round-trips bytes as base64 strings.
			b, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return nil, fmt.Errorf("expected bytes, got undecodable string: %w", err)
			}
			return b, nil
		}
	case StringListField:
		switch v := value.(type) {
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, e := range v {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("expected string list, got %T element", e)
				}
				out = append(out, s)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, value)
}

// Get returns the value of a declared field, or nil if unset.
func (r *Record) Get(name string) any { return r.values[name] }

// GetString returns the string value of a field, or "" if unset.
func (r *Record) GetString(name string) string {
	if s, ok := r.values[name].(string); ok {
		return s
	}
	return ""
}

// GetFloat returns the numeric value of a field, or 0 if unset.
func (r *Record) GetFloat(name string) float64 {
	switch v := r.values[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// GetBool returns the boolean value of a field, or false if unset.
func (r *Record) GetBool(name string) bool {
	if b, ok := r.values[name].(bool); ok {
		return b
	}
	return false
}

// Has reports whether the field currently holds a value.
func (r *Record) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// AsMap returns the populated (field, value) pairs. Bytes fields are
// replaced with the placeholder "<bytes>" when includeBytes is false, which
// keeps prompts and exemplars bounded.
func (r *Record) AsMap(includeBytes bool) map[string]any {
	out := make(map[string]any, len(r.values))
	for name, v := range r.values {
		if _, isBytes := v.([]byte); isBytes && !includeBytes {
			out[name] = "<bytes>"
			continue
		}
		out[name] = v
	}
	return out
}

// CanonicalJSON renders the record's values as JSON with sorted keys,
// excluding raw bytes. This is the form handed to models and stored in
// exemplars; two records with equal values produce byte-identical output.
func (r *Record) CanonicalJSON() string {
	b, err := json.Marshal(r.AsMap(false))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// String renders a short human-readable summary, values truncated.
func (r *Record) String() string {
	names := make([]string, 0, len(r.values))
	for name := range r.values {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		s := fmt.Sprintf("%v", r.values[name])
		if len(s) > 24 {
			s = s[:24] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%q", name, s))
	}
	return fmt.Sprintf("%s(%s)", r.schema.Name(), strings.Join(parts, ", "))
}

// wireRecord is the cache serialization form of a record.
type wireRecord struct {
	ID       string         `json:"id"`
	ParentID string         `json:"parent_id,omitempty"`
	Values   map[string]any `json:"values"`
}

// Marshal encodes a record for cache storage.
func Marshal(r *Record) ([]byte, error) {
	return json.Marshal(wireRecord{ID: r.id, ParentID: r.parentID, Values: r.AsMap(true)})
}

// Unmarshal decodes a cache entry back into a record of the given schema.
// Values are re-coerced against the schema so a corrupted or mistyped entry
// is detected at read time.
func Unmarshal(schema *Schema, data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("decode record: missing id")
	}
	r := &Record{
		schema:   schema,
		id:       w.ID,
		parentID: w.ParentID,
		values:   make(map[string]any, len(w.Values)),
	}
	for name, v := range w.Values {
		if !schema.HasField(name) {
			// Tolerate extra fields from a wider historical schema.
			continue
		}
		if err := r.Set(name, v); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", w.ID, err)
		}
	}
	return r, nil
}
