package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle status shared by WorkflowState and StepState.
type Status string

const (
	StatusPending   Status = "PENDING"   // Waiting on unmet dependencies or initialization
	StatusCurrent   Status = "CURRENT"   // Available for the user to act on
	StatusCompleted Status = "COMPLETED" // Done
)

// FileRef is an opaque reference to a file held by the blob storage collaborator.
type FileRef struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MediaType string `json:"mediaType"`
}

// WorkflowState is one user's progress instance against one Workflow.
type WorkflowState struct {
	BaseModel
	UserID      string     `gorm:"type:varchar(255);column:user_id;not null;uniqueIndex:idx_workflow_states_user_workflow" json:"userId"`
	UserEmail   string     `gorm:"type:varchar(255);column:user_email" json:"userEmail"`                                                       // Recipient for notifications
	WorkflowID  uuid.UUID  `gorm:"type:uuid;column:workflow_id;not null;uniqueIndex:idx_workflow_states_user_workflow;index" json:"workflowId"` // Reference to the Workflow
	Status      Status     `gorm:"type:varchar(50);column:status;not null" json:"status"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completedAt,omitempty"`

	// Relationships
	Workflow *Workflow `gorm:"foreignKey:WorkflowID;references:ID" json:"-"`
}

func (ws *WorkflowState) TableName() string {
	return "workflow_states"
}

// StepState is one user's progress instance against one Step.
type StepState struct {
	BaseModel
	WorkflowStateID  uuid.UUID      `gorm:"type:uuid;column:workflow_state_id;not null;uniqueIndex:idx_step_states_state_step" json:"workflowStateId"`
	StepID           uuid.UUID      `gorm:"type:uuid;column:step_id;not null;uniqueIndex:idx_step_states_state_step;index" json:"stepId"`
	Status           Status         `gorm:"type:varchar(50);column:status;not null" json:"status"`
	Data             map[string]any `gorm:"type:jsonb;column:data;serializer:json" json:"data,omitempty"` // Opaque data interpreted by the step behavior
	File             *FileRef       `gorm:"type:jsonb;column:file;serializer:json" json:"file,omitempty"` // Stored file attached by the user
	RequiresApproval bool           `gorm:"type:boolean;column:requires_approval;not null;default:false" json:"requiresApproval"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
	ApprovedAt       *time.Time     `gorm:"column:approved_at" json:"approvedAt,omitempty"`

	// Relationships
	Step *Step `gorm:"foreignKey:StepID;references:ID" json:"-"`
}

func (ss *StepState) TableName() string {
	return "step_states"
}

// ReviewStatus is the outcome of an administrator decision.
type ReviewStatus string

const (
	ReviewStatusApproved ReviewStatus = "APPROVED"
	ReviewStatusRejected ReviewStatus = "REJECTED"
)

// StepStateReview is an administrator decision. A live review is attached to
// a StepState; after a rejection it is re-attached to the StepStateVersion it produced.
type StepStateReview struct {
	BaseModel
	StepStateID        *uuid.UUID   `gorm:"type:uuid;column:step_state_id;index" json:"stepStateId,omitempty"`
	StepStateVersionID *uuid.UUID   `gorm:"type:uuid;column:step_state_version_id;index" json:"stepStateVersionId,omitempty"`
	Status             ReviewStatus `gorm:"type:varchar(50);column:status;not null" json:"status"`
	Message            string       `gorm:"type:text;column:message" json:"message,omitempty"`
	DecidedBy          string       `gorm:"type:varchar(255);column:decided_by;not null" json:"decidedBy"`
	DecidedAt          time.Time    `gorm:"column:decided_at;not null" json:"decidedAt"`
}

func (r *StepStateReview) TableName() string {
	return "step_state_reviews"
}

// StepStateInitialization is administrator-seeded content a StepState needs
// before the user can act on it.
type StepStateInitialization struct {
	BaseModel
	StepStateID uuid.UUID      `gorm:"type:uuid;column:step_state_id;not null;uniqueIndex:idx_step_state_initializations_state" json:"stepStateId"`
	Data        map[string]any `gorm:"type:jsonb;column:data;serializer:json" json:"data,omitempty"`
	File        *FileRef       `gorm:"type:jsonb;column:file;serializer:json" json:"file,omitempty"`
	CreatedBy   string         `gorm:"type:varchar(255);column:created_by;not null" json:"createdBy"`
}

func (i *StepStateInitialization) TableName() string {
	return "step_state_initializations"
}

// StepStateVersion is an immutable snapshot of a rejected submission.
type StepStateVersion struct {
	BaseModel
	StepStateID uuid.UUID      `gorm:"type:uuid;column:step_state_id;not null;uniqueIndex:idx_step_state_versions_number" json:"stepStateId"`
	Number      int            `gorm:"type:integer;column:number;not null;uniqueIndex:idx_step_state_versions_number" json:"number"`
	Data        map[string]any `gorm:"type:jsonb;column:data;serializer:json" json:"data,omitempty"`
	File        *FileRef       `gorm:"type:jsonb;column:file;serializer:json" json:"file,omitempty"`
	Message     string         `gorm:"type:text;column:message" json:"message,omitempty"`

	// Relationships
	Review *StepStateReview `gorm:"foreignKey:StepStateVersionID;references:ID" json:"review,omitempty"`
}

func (v *StepStateVersion) TableName() string {
	return "step_state_versions"
}

// Models lists every persisted type, in migration order.
func Models() []any {
	return []any{
		&Workflow{},
		&Step{},
		&WorkflowDependency{},
		&StepDependency{},
		&MediaType{},
		&WorkflowState{},
		&StepState{},
		&StepStateReview{},
		&StepStateInitialization{},
		&StepStateVersion{},
	}
}
