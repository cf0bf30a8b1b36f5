package step

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// FileUploadConfig is the FILE_UPLOAD step payload.
type FileUploadConfig struct {
	MaxSize    int64    `json:"maxSize,omitempty"`    // Maximum size in bytes, 0 means unbounded
	MediaTypes []string `json:"mediaTypes,omitempty"` // Allowed media type names, empty means any
}

// FileUpload attaches a file stored by the blob storage collaborator.
type FileUpload struct {
	config FileUploadConfig
}

// NewFileUpload is the Factory for FILE_UPLOAD steps.
func NewFileUpload(s *model.Step) (Controller, error) {
	var cfg FileUploadConfig
	if err := decodeConfig(s.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file upload config: %w", err)
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("maxSize must not be negative")
	}
	return &FileUpload{config: cfg}, nil
}

// MediaTypes returns the media type names a step config refers to, for
// validation against the registered media types.
func MediaTypes(s *model.Step) []string {
	var cfg struct {
		MediaTypes []string `json:"mediaTypes"`
	}
	if err := decodeConfig(s.Config, &cfg); err != nil {
		return nil
	}
	return cfg.MediaTypes
}

func (f *FileUpload) Render(ctx context.Context, api API, administration bool) (*RenderInfo, error) {
	content := map[string]any{
		"maxSize":    f.config.MaxSize,
		"mediaTypes": f.config.MediaTypes,
		"file":       api.GetFile(),
	}
	if file := api.GetFile(); file != nil {
		content["fileUrl"] = api.FileURL(ctx, file)
	}
	if administration {
		content["awaitingInitialization"] = api.AwaitingInitialization()
		if init := api.GetInitialization(); init != nil {
			content["initialization"] = init
		}
	}
	return &RenderInfo{
		Kind:           KindFileUpload,
		Status:         api.GetStatus(),
		Administration: administration,
		Content:        content,
	}, nil
}

// AcceptSubmission completes the step when a file is already attached,
// merging any accompanying metadata.
func (f *FileUpload) AcceptSubmission(_ context.Context, api API, raw json.RawMessage) (*Outcome, error) {
	if api.GetFile() == nil {
		return nil, model.NewValidationError("a file is required",
			model.FieldError{Field: "file", Code: "required", Message: "a file must be attached before submitting"})
	}
	data, err := mergeMetadata(api.GetData(), raw)
	if err != nil {
		return nil, err
	}
	return &Outcome{Data: data, Complete: true}, nil
}

func (f *FileUpload) AcceptFile(_ context.Context, api API, file model.FileRef, raw json.RawMessage) (*Outcome, error) {
	if err := checkFile(file, f.config.MaxSize, f.config.MediaTypes); err != nil {
		return nil, err
	}
	data, err := mergeMetadata(nil, raw)
	if err != nil {
		return nil, err
	}

	if api.AwaitingInitialization() && api.IsAdministration() {
		return &Outcome{Initialization: &model.StepStateInitialization{Data: data, File: &file}}, nil
	}
	merged, err := mergeMetadata(api.GetData(), raw)
	if err != nil {
		return nil, err
	}
	return &Outcome{Data: merged, File: &file, Complete: true}, nil
}

func checkFile(file model.FileRef, maxSize int64, mediaTypes []string) error {
	var errs []model.FieldError
	if file.Key == "" {
		errs = append(errs, model.FieldError{Field: "file.key", Code: "required", Message: "file reference is required"})
	}
	if maxSize > 0 && file.Size > maxSize {
		errs = append(errs, model.FieldError{
			Field:   "file.size",
			Code:    "too_large",
			Message: fmt.Sprintf("file is %d bytes, limit is %d", file.Size, maxSize),
		})
	}
	if len(mediaTypes) > 0 && !slices.Contains(mediaTypes, file.MediaType) {
		errs = append(errs, model.FieldError{
			Field:   "file.mediaType",
			Code:    "not_allowed",
			Message: fmt.Sprintf("media type %q is not allowed", file.MediaType),
		})
	}
	if len(errs) > 0 {
		return model.NewValidationError("invalid file", errs...)
	}
	return nil
}

func mergeMetadata(base map[string]any, raw json.RawMessage) (map[string]any, error) {
	out := copyData(base)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, model.NewValidationError("metadata must be a JSON object",
			model.FieldError{Field: "data", Code: "invalid_json", Message: "metadata must be a JSON object"})
	}
	for k, v := range extra {
		out[k] = v
	}
	return out, nil
}
