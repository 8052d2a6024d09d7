package completion

import (
	"fmt"
	"strings"
)

// FieldSpec describes one requested output field to a model: its name, a
// human-readable type, and the declared description from the schema.
type FieldSpec struct {
	Name string
	Type string
	Desc string
}

func describeFields(fields []FieldSpec) string {
	var b strings.Builder
	for _, f := range fields {
		desc := f.Desc
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, f.Type, desc)
	}
	return b.String()
}

// BondedPrompt asks for every requested field in one shot. The answer must
// be a single JSON object so one call covers the whole conversion.
func BondedPrompt(inputJSON string, fields []FieldSpec) string {
	return fmt.Sprintf(`You are computing new fields for a data record.

INPUT RECORD (JSON):
%s

Compute the following output fields:
%s
Answer with a single JSON object whose keys are exactly the field names above.
Use null for any field you cannot determine. Print the JSON object only.`,
		inputJSON, describeFields(fields))
}

// ConventionalPrompt asks for exactly one field and expects the bare value.
func ConventionalPrompt(inputJSON string, field FieldSpec) string {
	desc := field.Desc
	if desc == "" {
		desc = "no description"
	}
	return fmt.Sprintf(`You are computing one new field for a data record.

INPUT RECORD (JSON):
%s

Compute the field %q (%s): %s
Print the value only, with no explanation. Print None if it cannot be determined.`,
		inputJSON, field.Name, field.Type, desc)
}

// FilterPrompt asks a TRUE/FALSE condition question about a record.
func FilterPrompt(inputJSON, condition string) string {
	return fmt.Sprintf(`You are evaluating a condition over a data record.

INPUT RECORD (JSON):
%s

CONDITION: %s

Answer TRUE if the record satisfies the condition and FALSE otherwise.
Print TRUE or FALSE only.`, inputJSON, condition)
}

// exemplarBlock renders one worked example for code synthesis prompts.
func exemplarBlock(idx int, inputJSON, output string) string {
	return fmt.Sprintf("Example %d:\nInput:\n%s\nOutput: %s\n", idx, inputJSON, output)
}

// CodegenPrompt asks for a JavaScript function computing one output field
// from an input object. Exemplars and optional advice condition the
// generation.
func CodegenPrompt(field FieldSpec, inputs []FieldSpec, exemplars [][2]string, advice string) string {
	var examples strings.Builder
	for i, ex := range exemplars {
		examples.WriteString(exemplarBlock(i+1, ex[0], ex[1]))
	}
	hint := ""
	if advice != "" {
		hint = "Hint: " + advice + "\n"
	}
	return fmt.Sprintf(`Implement a JavaScript function compute(input) that returns the value of
the field %q (%s): %s

input is an object with these fields:
%s
%s%s
Respond with the complete function in a single code block:
`+"```javascript\nfunction compute(input) {\n    // your implementation\n}\n```"+`
The function must not use require, import, or any I/O.`,
		field.Name, field.Type, field.Desc, describeFields(inputs), examples.String(), hint)
}

// AdvicePrompt solicits n independent implementation ideas ahead of code
// synthesis. Answers come back as "Idea 1: ..." lines.
func AdvicePrompt(field FieldSpec, inputs []FieldSpec, exemplars [][2]string, n int) string {
	var examples strings.Builder
	for i, ex := range exemplars {
		examples.WriteString(exemplarBlock(i+1, ex[0], ex[1]))
	}
	return fmt.Sprintf(`A JavaScript function compute(input) must return the value of the field
%q (%s): %s

input is an object with these fields:
%s
%s
Propose %d independent one-sentence implementation strategies. Print them as:
Idea 1: ...
Idea 2: ...`,
		field.Name, field.Type, field.Desc, describeFields(inputs), examples.String(), n)
}
