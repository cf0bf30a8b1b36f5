package form

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const rootField = "(root)"

// Compiled is a JSON Schema compiled once and reused across submissions.
type Compiled struct {
	ref        Ref
	schema     *gojsonschema.Schema
	properties map[string]struct{}
}

// Compile parses and compiles a JSON Schema document.
func Compile(ref Ref) (*Compiled, error) {
	if len(bytes.TrimSpace(ref.Schema)) == 0 {
		return nil, fmt.Errorf("form schema is empty")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(ref.Schema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile form schema: %w", err)
	}

	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(ref.Schema, &doc); err != nil {
		return nil, fmt.Errorf("failed to read form schema properties: %w", err)
	}
	props := make(map[string]struct{}, len(doc.Properties))
	for k := range doc.Properties {
		props[k] = struct{}{}
	}

	return &Compiled{ref: ref, schema: schema, properties: props}, nil
}

// present returns c with the step's title and UI schema in place of the
// stored ones. Empty values keep the stored presentation.
func (c *Compiled) present(title string, uiSchema json.RawMessage) *Compiled {
	if title == "" && len(uiSchema) == 0 {
		return c
	}
	out := *c
	if title != "" {
		out.ref.Title = title
	}
	if len(uiSchema) > 0 {
		out.ref.UISchema = uiSchema
	}
	return &out
}

// Bind attaches stored data to the compiled schema.
func (c *Compiled) Bind(data map[string]any) Schema {
	return &boundSchema{compiled: c, data: data}
}

type boundSchema struct {
	compiled *Compiled
	data     map[string]any
}

func (b *boundSchema) Render() Rendered {
	return Rendered{
		FormID:   b.compiled.ref.FormID,
		Title:    b.compiled.ref.Title,
		Schema:   b.compiled.ref.Schema,
		UISchema: b.compiled.ref.UISchema,
		FormData: b.data,
	}
}

func (b *boundSchema) Validate(raw json.RawMessage) (map[string]any, []FieldError) {
	var doc map[string]any
	if len(bytes.TrimSpace(raw)) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return nil, []FieldError{{Field: rootField, Code: "invalid_json", Message: "submission must be a JSON object"}}
	}

	result, err := b.compiled.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, []FieldError{{Field: rootField, Code: "invalid_document", Message: err.Error()}}
	}
	if !result.Valid() {
		errs := make([]FieldError, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			errs = append(errs, FieldError{
				Field:   fieldName(re),
				Code:    re.Type(),
				Message: re.Description(),
			})
		}
		return nil, errs
	}

	if len(b.compiled.properties) == 0 {
		return doc, nil
	}
	cleaned := make(map[string]any, len(doc))
	for k, v := range doc {
		if _, ok := b.compiled.properties[k]; ok {
			cleaned[k] = v
		}
	}
	return cleaned, nil
}

// fieldName reports the offending property; required errors are raised on
// the parent object so the missing property is read from the details.
func fieldName(re gojsonschema.ResultError) string {
	field := re.Field()
	if re.Type() != "required" {
		return field
	}
	prop, ok := re.Details()["property"].(string)
	if !ok {
		return field
	}
	if field == "" || field == rootField {
		return prop
	}
	return strings.Join([]string{field, prop}, ".")
}
