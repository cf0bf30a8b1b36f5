// Package step defines the contract between the workflow engine and the
// pluggable behaviors that render steps and accept user input.
package step

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// Kind selects a step behavior.
type Kind string

const (
	KindForm       Kind = "FORM"        // Schema-validated form capture
	KindFileUpload Kind = "FILE_UPLOAD" // Attach a file held by the storage collaborator
	KindVideo      Kind = "VIDEO"       // Watch a video while playback events are tracked
)

// API will be implemented by the step Container, which gives a controller
// read access to the StepState it is serving.
type API interface {
	GetStepStateID() uuid.UUID
	GetWorkflowStateID() uuid.UUID
	GetStep() *model.Step
	GetStatus() model.Status
	GetData() map[string]any
	GetFile() *model.FileRef
	GetInitialization() *model.StepStateInitialization
	// AwaitingInitialization reports whether the step needs administrator
	// content that has not been supplied yet.
	AwaitingInitialization() bool
	IsAdministration() bool
	// FileURL resolves a retrieval URL for a stored file, empty when it cannot.
	FileURL(ctx context.Context, ref *model.FileRef) string
}

// RenderInfo is the view model produced for a StepState.
type RenderInfo struct {
	Kind           Kind         `json:"kind"`
	Status         model.Status `json:"status"`
	Administration bool         `json:"administration"`
	Content        any          `json:"content"`
}

// Outcome is what a controller hands back for the state machine to apply.
type Outcome struct {
	Data           map[string]any                 // Replaces the StepState data when non-nil
	File           *model.FileRef                 // Replaces the StepState file when non-nil
	Initialization *model.StepStateInitialization // Recorded as administrator initialization instead of user data
	Complete       bool                           // Request completion; indefinite steps ignore it
}

// Controller renders a step and accepts input for it. Implementations must
// not mutate persistent state; they return an Outcome instead.
type Controller interface {
	Render(ctx context.Context, api API, administration bool) (*RenderInfo, error)
	AcceptSubmission(ctx context.Context, api API, raw json.RawMessage) (*Outcome, error)
	AcceptFile(ctx context.Context, api API, file model.FileRef, raw json.RawMessage) (*Outcome, error)
}

// Factory builds a Controller for a step, decoding its kind-specific config.
type Factory func(s *model.Step) (Controller, error)

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
