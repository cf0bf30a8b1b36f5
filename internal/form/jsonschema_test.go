package form

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agreementSchema = `{
	"type": "object",
	"properties": {
		"fullName": {"type": "string", "minLength": 1},
		"institution": {"type": "string"},
		"accept": {"type": "boolean", "const": true}
	},
	"required": ["fullName", "accept"]
}`

func TestCompiledValidate(t *testing.T) {
	compiled, err := Compile(Ref{Title: "Agreement", Schema: json.RawMessage(agreementSchema)})
	require.NoError(t, err)
	schema := compiled.Bind(nil)

	t.Run("Valid submission is cleaned", func(t *testing.T) {
		cleaned, errs := schema.Validate(json.RawMessage(`{"fullName":"Ada","accept":true,"extra":"dropped"}`))
		assert.Empty(t, errs)
		assert.Equal(t, map[string]any{"fullName": "Ada", "accept": true}, cleaned)
	})

	t.Run("Missing required field", func(t *testing.T) {
		cleaned, errs := schema.Validate(json.RawMessage(`{"accept":true}`))
		assert.Nil(t, cleaned)
		require.Len(t, errs, 1)
		assert.Equal(t, "fullName", errs[0].Field)
		assert.Equal(t, "required", errs[0].Code)
	})

	t.Run("Wrong type", func(t *testing.T) {
		_, errs := schema.Validate(json.RawMessage(`{"fullName":"Ada","accept":"yes"}`))
		require.NotEmpty(t, errs)
		assert.Equal(t, "accept", errs[0].Field)
	})

	t.Run("Not an object", func(t *testing.T) {
		_, errs := schema.Validate(json.RawMessage(`[1,2]`))
		require.Len(t, errs, 1)
		assert.Equal(t, "invalid_json", errs[0].Code)
	})
}

func TestCompileRejectsBadSchema(t *testing.T) {
	_, err := Compile(Ref{})
	assert.Error(t, err)

	_, err = Compile(Ref{Schema: json.RawMessage(`{"type": 12}`)})
	assert.Error(t, err)
}

func TestRenderCarriesData(t *testing.T) {
	compiled, err := Compile(Ref{Title: "Agreement", Schema: json.RawMessage(agreementSchema)})
	require.NoError(t, err)

	r := compiled.Bind(map[string]any{"fullName": "Ada"}).Render()
	assert.Equal(t, "Agreement", r.Title)
	assert.Equal(t, "Ada", r.FormData["fullName"])
	assert.JSONEq(t, agreementSchema, string(r.Schema))
}

func TestStoreProviderInlineSchema(t *testing.T) {
	p := NewStoreProvider(nil)
	schema, err := p.Schema(context.Background(), Ref{Schema: json.RawMessage(agreementSchema)}, nil)
	require.NoError(t, err)

	_, errs := schema.Validate(json.RawMessage(`{"fullName":"Ada","accept":true}`))
	assert.Empty(t, errs)
}
