package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreateWorkflowDTO is the data transfer object for creating a new workflow definition.
type CreateWorkflowDTO struct {
	Name        string `json:"name" binding:"required"`     // Unique workflow name
	Description string `json:"description"`                 // Optional description
	Behavior    string `json:"behavior" binding:"required"` // Workflow-level behavior key
	Priority    int    `json:"priority"`                    // Ordering hint among workflows
	Resource    string `json:"resource" binding:"required"` // Owning resource identifier
}

// UpdateWorkflowDTO carries an administrative edit; nil fields are left unchanged.
type UpdateWorkflowDTO struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Behavior    *string `json:"behavior,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Resource    *string `json:"resource,omitempty"`
}

// CreateStepDTO is the data transfer object for adding a step to a workflow.
type CreateStepDTO struct {
	Name                   string          `json:"name" binding:"required"`
	Description            string          `json:"description"`
	Position               int             `json:"position"`
	Kind                   string          `json:"kind" binding:"required"`
	Config                 json.RawMessage `json:"config,omitempty"`
	Indefinite             bool            `json:"indefinite"`
	RequiresApproval       bool            `json:"requiresApproval"`
	InitializationRequired bool            `json:"initializationRequired"`
	DependsOn              []uuid.UUID     `json:"dependsOn,omitempty"` // Step IDs within the same workflow
}

// UpdateStepDTO carries an administrative edit; nil fields are left unchanged.
type UpdateStepDTO struct {
	Name                   *string          `json:"name,omitempty"`
	Description            *string          `json:"description,omitempty"`
	Position               *int             `json:"position,omitempty"`
	Kind                   *string          `json:"kind,omitempty"`
	Config                 *json.RawMessage `json:"config,omitempty"`
	Indefinite             *bool            `json:"indefinite,omitempty"`
	RequiresApproval       *bool            `json:"requiresApproval,omitempty"`
	InitializationRequired *bool            `json:"initializationRequired,omitempty"`
}

// DependencyDTO names the prerequisite of a dependency edge.
type DependencyDTO struct {
	DependsOnID uuid.UUID `json:"dependsOnId" binding:"required"`
}

// CreateMediaTypeDTO is the data transfer object for registering a media type.
type CreateMediaTypeDTO struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// SubmitStepDTO carries raw user input for a step.
type SubmitStepDTO struct {
	Data json.RawMessage `json:"data"`
}

// AttachFileDTO attaches a file previously uploaded to the storage collaborator.
type AttachFileDTO struct {
	File FileRef         `json:"file" binding:"required"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ReviewDTO records an administrator decision.
type ReviewDTO struct {
	Status  ReviewStatus `json:"status" binding:"required,oneof=APPROVED REJECTED"`
	Message string       `json:"message"`
}

// InitializeStepDTO carries administrator-seeded content.
type InitializeStepDTO struct {
	Data map[string]any `json:"data,omitempty"`
	File *FileRef       `json:"file,omitempty"`
}

// RequiresApprovalDTO overrides the requires-approval flag of one StepState.
type RequiresApprovalDTO struct {
	RequiresApproval bool `json:"requiresApproval"`
}

// UploadTargetRequestDTO asks the storage collaborator for an upload destination.
type UploadTargetRequestDTO struct {
	Filename  string `json:"filename" binding:"required"`
	MediaType string `json:"mediaType" binding:"required"`
	Size      int64  `json:"size"`
}

// StepStateResponseDTO represents a StepState in API responses.
type StepStateResponseDTO struct {
	ID               uuid.UUID      `json:"id"`
	StepID           uuid.UUID      `json:"stepId"`
	StepName         string         `json:"stepName"`
	Kind             string         `json:"kind"`
	Status           Status         `json:"status"`
	Data             map[string]any `json:"data,omitempty"`
	File             *FileRef       `json:"file,omitempty"`
	RequiresApproval bool           `json:"requiresApproval"`
	Approved         bool           `json:"approved"`
	StartedAt        *string        `json:"startedAt,omitempty"`
	CompletedAt      *string        `json:"completedAt,omitempty"`
	ApprovedAt       *string        `json:"approvedAt,omitempty"`
}

// WorkflowStateResponseDTO represents a WorkflowState with its steps in resolver order.
type WorkflowStateResponseDTO struct {
	ID           uuid.UUID              `json:"id"`
	WorkflowID   uuid.UUID              `json:"workflowId"`
	WorkflowName string                 `json:"workflowName"`
	UserID       string                 `json:"userId"`
	Status       Status                 `json:"status"`
	StartedAt    *string                `json:"startedAt,omitempty"`
	CompletedAt  *string                `json:"completedAt,omitempty"`
	CurrentStep  *uuid.UUID             `json:"currentStepId,omitempty"`
	Steps        []StepStateResponseDTO `json:"steps"`
}

// FormatTime renders an optional timestamp the way API responses carry it.
func FormatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
