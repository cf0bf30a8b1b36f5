package step

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/OpenNSW/accessportal/internal/form"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// FormConfig is the FORM step payload.
type FormConfig = form.Ref

// Form captures a schema-validated form submission.
type Form struct {
	config FormConfig
	forms  form.Provider
}

// NewFormFactory returns a Factory for FORM steps resolving schemas through forms.
func NewFormFactory(forms form.Provider) Factory {
	return func(s *model.Step) (Controller, error) {
		var cfg FormConfig
		if err := decodeConfig(s.Config, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal form config: %w", err)
		}
		if cfg.FormID == nil && len(cfg.Schema) == 0 {
			return nil, fmt.Errorf("form step needs either formId or schema")
		}
		if cfg.FormID == nil {
			if _, err := form.Compile(cfg); err != nil {
				return nil, err
			}
		}
		if cfg.Title == "" {
			cfg.Title = s.Name
		}
		return &Form{config: cfg, forms: forms}, nil
	}
}

func (f *Form) Render(ctx context.Context, api API, administration bool) (*RenderInfo, error) {
	schema, err := f.forms.Schema(ctx, f.config, api.GetData())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve form schema: %w", err)
	}
	return &RenderInfo{
		Kind:           KindForm,
		Status:         api.GetStatus(),
		Administration: administration,
		Content:        schema.Render(),
	}, nil
}

func (f *Form) AcceptSubmission(ctx context.Context, api API, raw json.RawMessage) (*Outcome, error) {
	schema, err := f.forms.Schema(ctx, f.config, api.GetData())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve form schema: %w", err)
	}

	cleaned, fieldErrs := schema.Validate(raw)
	if len(fieldErrs) > 0 {
		slog.DebugContext(ctx, "form submission rejected",
			"stepStateID", api.GetStepStateID(),
			"errors", len(fieldErrs),
		)
		return nil, model.NewValidationError("", toFieldErrors(fieldErrs)...)
	}

	return &Outcome{Data: cleaned, Complete: true}, nil
}

func (f *Form) AcceptFile(context.Context, API, model.FileRef, json.RawMessage) (*Outcome, error) {
	return nil, model.NewValidationError("form steps do not accept files",
		model.FieldError{Field: "file", Code: "unsupported", Message: "form steps do not accept files"})
}

func toFieldErrors(in []form.FieldError) []model.FieldError {
	out := make([]model.FieldError, len(in))
	for i, fe := range in {
		out[i] = model.FieldError{Field: fe.Field, Code: fe.Code, Message: fe.Message}
	}
	return out
}
