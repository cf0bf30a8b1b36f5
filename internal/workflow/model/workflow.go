package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Workflow is a named, ordered process definition offered to users.
type Workflow struct {
	BaseModel
	Name        string `gorm:"type:varchar(255);column:name;not null;uniqueIndex:idx_workflows_name" json:"name"` // Human-readable, unique workflow name
	Description string `gorm:"type:text;column:description" json:"description"`                                   // Optional description
	Behavior    string `gorm:"type:varchar(100);column:behavior;not null" json:"behavior"`                        // Key of the workflow-level behavior that renders the whole workflow
	Priority    int    `gorm:"type:integer;column:priority;not null;default:0" json:"priority"`                   // Ordering hint among workflows offered to a user, lower first
	Resource    string `gorm:"type:varchar(255);column:resource;not null;index" json:"resource"`                  // Identifier of the owning resource (e.g. a dataset), used for authorization
	Active      bool   `gorm:"type:boolean;column:active;not null;default:false" json:"active"`                   // Whether users can be enrolled; only set after the definition validates

	// Relationships
	Steps []Step `gorm:"foreignKey:WorkflowID;references:ID" json:"steps,omitempty"`
}

func (w *Workflow) TableName() string {
	return "workflows"
}

// Step is one unit of work within a Workflow.
type Step struct {
	BaseModel
	WorkflowID             uuid.UUID       `gorm:"type:uuid;column:workflow_id;not null;index" json:"workflowId"`                         // Reference to the owning Workflow
	Name                   string          `gorm:"type:varchar(255);column:name;not null" json:"name"`                                    // Human-readable name of the step
	Description            string          `gorm:"type:text;column:description" json:"description"`                                       // Optional description
	Position               int             `gorm:"type:integer;column:position;not null;default:0" json:"position"`                       // Position hint used to break ordering ties
	Kind                   string          `gorm:"type:varchar(100);column:kind;not null" json:"kind"`                                    // Behavior selector resolved through the step registry
	Config                 json.RawMessage `gorm:"type:jsonb;column:config;serializer:json" json:"config,omitempty"`                      // Kind-specific payload, decoded by the step behavior
	Indefinite             bool            `gorm:"type:boolean;column:indefinite;not null;default:false" json:"indefinite"`               // Once current, the step stays current until explicitly completed
	RequiresApproval       bool            `gorm:"type:boolean;column:requires_approval;not null;default:false" json:"requiresApproval"` // Submissions are reviewed by an administrator
	InitializationRequired bool            `gorm:"type:boolean;column:initialization_required;not null;default:false" json:"initializationRequired"`
}

func (s *Step) TableName() string {
	return "steps"
}

// WorkflowDependency is the edge "Workflow depends on DependsOn".
type WorkflowDependency struct {
	BaseModel
	WorkflowID  uuid.UUID `gorm:"type:uuid;column:workflow_id;not null;uniqueIndex:idx_workflow_dependencies_pair" json:"workflowId"`
	DependsOnID uuid.UUID `gorm:"type:uuid;column:depends_on_id;not null;uniqueIndex:idx_workflow_dependencies_pair;index" json:"dependsOnId"`
}

func (d *WorkflowDependency) TableName() string {
	return "workflow_dependencies"
}

// StepDependency is the edge "Step depends on DependsOn" within one Workflow.
type StepDependency struct {
	BaseModel
	WorkflowID  uuid.UUID `gorm:"type:uuid;column:workflow_id;not null;uniqueIndex:idx_step_dependencies_triple" json:"workflowId"`
	StepID      uuid.UUID `gorm:"type:uuid;column:step_id;not null;uniqueIndex:idx_step_dependencies_triple" json:"stepId"`
	DependsOnID uuid.UUID `gorm:"type:uuid;column:depends_on_id;not null;uniqueIndex:idx_step_dependencies_triple" json:"dependsOnId"`
}

func (d *StepDependency) TableName() string {
	return "step_dependencies"
}

// MediaType is a reusable allow-list entry referenced by file and video steps.
type MediaType struct {
	BaseModel
	Name        string `gorm:"type:varchar(255);column:name;not null;uniqueIndex:idx_media_types_name" json:"name"` // MIME type, e.g. application/pdf
	Description string `gorm:"type:text;column:description" json:"description"`
}

func (m *MediaType) TableName() string {
	return "media_types"
}
