// Package form resolves form schemas for form-kind steps and validates
// submissions against them.
package form

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// FieldError describes why one field failed validation.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ref points at a form schema: either a stored form or an inline schema.
type Ref struct {
	FormID   *uuid.UUID      `json:"formId,omitempty"`
	Title    string          `json:"title,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
	UISchema json.RawMessage `json:"uiSchema,omitempty"`
}

// Rendered is the payload a client needs to draw a form.
type Rendered struct {
	FormID   *uuid.UUID      `json:"formId,omitempty"`
	Title    string          `json:"title,omitempty"`
	Schema   json.RawMessage `json:"schema"`
	UISchema json.RawMessage `json:"uiSchema,omitempty"`
	FormData map[string]any  `json:"formData,omitempty"`
}

// Schema is a bound form: definition plus the data it was built with.
type Schema interface {
	Render() Rendered
	// Validate returns cleaned data, or field errors when raw is invalid.
	Validate(raw json.RawMessage) (map[string]any, []FieldError)
}

// Provider resolves a Schema for a form reference. data is the StepState's
// stored data, nil for a blank form.
type Provider interface {
	Schema(ctx context.Context, ref Ref, data map[string]any) (Schema, error)
}
