package record

// Built-in schemas shared across the system. TextFile is the shape every raw
// source yields before any convert; Number is the output shape of the scalar
// aggregates.

var TextFileSchema = MustSchema(
	"TextFile",
	"A plain text file read from a registered data source",
	Field{Name: "filename", Type: StringField, Desc: "The name of the file", Required: true},
	Field{Name: "contents", Type: StringField, Desc: "The full contents of the file", Required: true},
)

var NumberSchema = MustSchema(
	"Number",
	"A single numeric value",
	Field{Name: "value", Type: FloatField, Desc: "A numeric value", Required: true},
)
