package container

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// URLResolver turns a stored file reference into a retrieval URL.
type URLResolver interface {
	RetrievalURL(ctx context.Context, key string) (string, error)
}

// Container binds a step controller to one StepState and serves as its step.API.
type Container struct {
	WorkflowState  *model.WorkflowState
	StepState      *model.StepState
	Step           *model.Step
	Initialization *model.StepStateInitialization
	Administration bool
	Executable     step.Controller
	urls           URLResolver
}

// NewContainer creates a container for a StepState with a given controller.
// urls may be nil, in which case files have no retrieval URL.
func NewContainer(ws *model.WorkflowState, ss *model.StepState, s *model.Step, init *model.StepStateInitialization, administration bool, executable step.Controller, urls URLResolver) *Container {
	return &Container{
		WorkflowState:  ws,
		StepState:      ss,
		Step:           s,
		Initialization: init,
		Administration: administration,
		Executable:     executable,
		urls:           urls,
	}
}

func (c *Container) Render(ctx context.Context) (*step.RenderInfo, error) {
	return c.Executable.Render(ctx, c, c.Administration)
}

func (c *Container) AcceptSubmission(ctx context.Context, raw json.RawMessage) (*step.Outcome, error) {
	return c.Executable.AcceptSubmission(ctx, c, raw)
}

func (c *Container) AcceptFile(ctx context.Context, file model.FileRef, raw json.RawMessage) (*step.Outcome, error) {
	return c.Executable.AcceptFile(ctx, c, file, raw)
}

func (c *Container) GetStepStateID() uuid.UUID {
	return c.StepState.ID
}

func (c *Container) GetWorkflowStateID() uuid.UUID {
	return c.WorkflowState.ID
}

func (c *Container) GetStep() *model.Step {
	return c.Step
}

func (c *Container) GetStatus() model.Status {
	return c.StepState.Status
}

func (c *Container) GetData() map[string]any {
	return c.StepState.Data
}

func (c *Container) GetFile() *model.FileRef {
	return c.StepState.File
}

func (c *Container) GetInitialization() *model.StepStateInitialization {
	return c.Initialization
}

func (c *Container) AwaitingInitialization() bool {
	return c.Step.InitializationRequired && c.Initialization == nil
}

func (c *Container) IsAdministration() bool {
	return c.Administration
}

func (c *Container) FileURL(ctx context.Context, ref *model.FileRef) string {
	if ref == nil || ref.Key == "" || c.urls == nil {
		return ""
	}
	u, err := c.urls.RetrievalURL(ctx, ref.Key)
	if err != nil {
		slog.WarnContext(ctx, "failed to resolve file url", "key", ref.Key, "error", err)
		return ""
	}
	return u
}
