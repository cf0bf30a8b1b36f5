package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// DefinitionService administers Workflow, Step, dependency and MediaType
// definitions. Everything the engine relies on at cascade time is validated
// here, before it is persisted. Edits that change step statuses recompute
// the enrolled WorkflowStates in the same transaction.
type DefinitionService struct {
	db       *gorm.DB
	registry *step.Registry
	sm       *StateMachine
}

// NewDefinitionService creates a new DefinitionService. With a nil sm,
// enrolled WorkflowStates are left untouched by definition edits.
func NewDefinitionService(db *gorm.DB, registry *step.Registry, sm *StateMachine) *DefinitionService {
	return &DefinitionService{db: db, registry: registry, sm: sm}
}

// CreateWorkflow creates an inactive workflow.
func (s *DefinitionService) CreateWorkflow(ctx context.Context, req *model.CreateWorkflowDTO) (*model.Workflow, error) {
	if _, err := s.registry.Behavior(req.Behavior); err != nil {
		return nil, err
	}
	wf := &model.Workflow{
		Name:        req.Name,
		Description: req.Description,
		Behavior:    req.Behavior,
		Priority:    req.Priority,
		Resource:    req.Resource,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureUniqueName(tx, req.Name, uuid.Nil); err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Create(wf).Error
	})
	if err != nil {
		return nil, wrapDefinitionError(err, "failed to create workflow")
	}
	slog.InfoContext(ctx, "workflow created", "workflowID", wf.ID, "name", wf.Name)
	return wf, nil
}

// UpdateWorkflow applies the non-nil fields of req.
func (s *DefinitionService) UpdateWorkflow(ctx context.Context, workflowID uuid.UUID, req *model.UpdateWorkflowDTO) (*model.Workflow, error) {
	var wf *model.Workflow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if wf, err = getWorkflow(tx, workflowID); err != nil {
			return err
		}
		if req.Name != nil && *req.Name != wf.Name {
			if err := s.ensureUniqueName(tx, *req.Name, wf.ID); err != nil {
				return err
			}
			wf.Name = *req.Name
		}
		if req.Behavior != nil {
			if _, err := s.registry.Behavior(*req.Behavior); err != nil {
				return err
			}
			wf.Behavior = *req.Behavior
		}
		if req.Description != nil {
			wf.Description = *req.Description
		}
		if req.Priority != nil {
			wf.Priority = *req.Priority
		}
		if req.Resource != nil {
			wf.Resource = *req.Resource
		}
		return tx.Omit(clause.Associations).Save(wf).Error
	})
	if err != nil {
		return nil, wrapDefinitionError(err, "failed to update workflow")
	}
	return wf, nil
}

// GetWorkflow returns a workflow with its steps ordered by position.
func (s *DefinitionService) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*model.Workflow, error) {
	var wf model.Workflow
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position, name, id") }).
		Where("id = ?", workflowID).
		First(&wf).Error
	if err != nil {
		return nil, notFound(err, "workflow", workflowID)
	}
	return &wf, nil
}

// GetStep returns a step definition.
func (s *DefinitionService) GetStep(ctx context.Context, stepID uuid.UUID) (*model.Step, error) {
	var st model.Step
	if err := s.db.WithContext(ctx).Where("id = ?", stepID).First(&st).Error; err != nil {
		return nil, notFound(err, "step", stepID)
	}
	return &st, nil
}

// GetWorkflowByName returns a workflow by its unique name.
func (s *DefinitionService) GetWorkflowByName(ctx context.Context, name string) (*model.Workflow, error) {
	var wf model.Workflow
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&wf).Error; err != nil {
		return nil, notFound(err, "workflow", name)
	}
	return &wf, nil
}

// ListWorkflows returns a page of workflows ordered by priority and name.
func (s *DefinitionService) ListWorkflows(ctx context.Context, activeOnly bool, offset, limit int) ([]model.Workflow, int64, error) {
	query := s.db.WithContext(ctx).Model(&model.Workflow{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count workflows: %w", err)
	}
	var workflows []model.Workflow
	if err := query.Order("priority, name, id").Offset(offset).Limit(limit).Find(&workflows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve workflows: %w", err)
	}
	return workflows, total, nil
}

// DeleteWorkflow removes a workflow and its definition rows. A workflow any
// user is enrolled in cannot be deleted.
func (s *DefinitionService) DeleteWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getWorkflow(tx, workflowID); err != nil {
			return err
		}
		var states int64
		if err := tx.Model(&model.WorkflowState{}).Where("workflow_id = ?", workflowID).Count(&states).Error; err != nil {
			return err
		}
		if states > 0 {
			return model.NewConflictError(fmt.Sprintf("workflow %s has %d enrolled users and cannot be deleted", workflowID, states))
		}
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&model.StepDependency{}).Error; err != nil {
			return err
		}
		if err := tx.Where("workflow_id = ? OR depends_on_id = ?", workflowID, workflowID).Delete(&model.WorkflowDependency{}).Error; err != nil {
			return err
		}
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&model.Step{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", workflowID).Delete(&model.Workflow{}).Error
	})
	if err != nil {
		return wrapDefinitionError(err, "failed to delete workflow")
	}
	slog.InfoContext(ctx, "workflow deleted", "workflowID", workflowID)
	return nil
}

// SetActive validates the workflow as a whole before activating it.
// Deactivation stops new enrollments only.
func (s *DefinitionService) SetActive(ctx context.Context, workflowID uuid.UUID, active bool) (*model.Workflow, error) {
	var wf *model.Workflow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if wf, err = getWorkflow(tx, workflowID); err != nil {
			return err
		}
		if active {
			if err := s.validateWorkflow(tx, wf); err != nil {
				return err
			}
		}
		wf.Active = active
		return tx.Model(wf).Select("active", "updated_at").Updates(wf).Error
	})
	if err != nil {
		return nil, wrapDefinitionError(err, "failed to change workflow activation")
	}
	slog.InfoContext(ctx, "workflow activation changed", "workflowID", workflowID, "active", active)
	return wf, nil
}

// ValidateWorkflow checks every step of a workflow and both dependency graphs.
func (s *DefinitionService) ValidateWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	tx := s.db.WithContext(ctx)
	wf, err := getWorkflow(tx, workflowID)
	if err != nil {
		return err
	}
	return s.validateWorkflow(tx, wf)
}

func (s *DefinitionService) validateWorkflow(tx *gorm.DB, wf *model.Workflow) error {
	if _, err := s.registry.Behavior(wf.Behavior); err != nil {
		return err
	}
	var steps []model.Step
	if err := tx.Where("workflow_id = ?", wf.ID).Find(&steps).Error; err != nil {
		return err
	}
	for i := range steps {
		if err := s.validateStep(tx, &steps[i]); err != nil {
			return err
		}
	}
	var deps []model.StepDependency
	if err := tx.Where("workflow_id = ?", wf.ID).Find(&deps).Error; err != nil {
		return err
	}
	if _, _, err := ResolveSteps(steps, deps); err != nil {
		return err
	}
	return checkWorkflowGraph(tx)
}

// AddStep validates and creates a step with its dependency edges. Users
// already enrolled get the new StepState before the call returns.
func (s *DefinitionService) AddStep(ctx context.Context, workflowID uuid.UUID, req *model.CreateStepDTO) (*model.Step, error) {
	st := &model.Step{
		WorkflowID:             workflowID,
		Name:                   req.Name,
		Description:            req.Description,
		Position:               req.Position,
		Kind:                   req.Kind,
		Config:                 req.Config,
		Indefinite:             req.Indefinite,
		RequiresApproval:       req.RequiresApproval,
		InitializationRequired: req.InitializationRequired,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getWorkflow(tx, workflowID); err != nil {
			return err
		}
		if err := s.validateStep(tx, st); err != nil {
			return err
		}
		if err := tx.Create(st).Error; err != nil {
			return err
		}
		for _, dependsOn := range req.DependsOn {
			if err := addStepDependency(tx, workflowID, st.ID, dependsOn); err != nil {
				return err
			}
		}
		if err := checkStepGraph(tx, workflowID); err != nil {
			return err
		}
		return s.resync(ctx, tx, workflowID)
	})
	if err != nil {
		return nil, wrapDefinitionError(err, "failed to add step")
	}
	slog.InfoContext(ctx, "step added", "workflowID", workflowID, "stepID", st.ID, "kind", st.Kind)
	return st, nil
}

// UpdateStep applies the non-nil fields of req and revalidates the step.
func (s *DefinitionService) UpdateStep(ctx context.Context, stepID uuid.UUID, req *model.UpdateStepDTO) (*model.Step, error) {
	var st model.Step
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", stepID).First(&st).Error; err != nil {
			return notFound(err, "step", stepID)
		}
		if req.Name != nil {
			st.Name = *req.Name
		}
		if req.Description != nil {
			st.Description = *req.Description
		}
		if req.Position != nil {
			st.Position = *req.Position
		}
		if req.Kind != nil {
			st.Kind = *req.Kind
		}
		if req.Config != nil {
			st.Config = *req.Config
		}
		if req.Indefinite != nil {
			st.Indefinite = *req.Indefinite
		}
		if req.RequiresApproval != nil {
			st.RequiresApproval = *req.RequiresApproval
		}
		if req.InitializationRequired != nil {
			st.InitializationRequired = *req.InitializationRequired
		}
		if err := s.validateStep(tx, &st); err != nil {
			return err
		}
		if err := tx.Save(&st).Error; err != nil {
			return err
		}
		return s.resync(ctx, tx, st.WorkflowID)
	})
	if err != nil {
		return nil, wrapDefinitionError(err, "failed to update step")
	}
	return &st, nil
}

// DeleteStep removes a step no user has a StepState for.
func (s *DefinitionService) DeleteStep(ctx context.Context, stepID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st model.Step
		if err := tx.Where("id = ?", stepID).First(&st).Error; err != nil {
			return notFound(err, "step", stepID)
		}
		var states int64
		if err := tx.Model(&model.StepState{}).Where("step_id = ?", stepID).Count(&states).Error; err != nil {
			return err
		}
		if states > 0 {
			return model.NewConflictError(fmt.Sprintf("step %s has %d step states and cannot be deleted", stepID, states))
		}
		if err := tx.Where("step_id = ? OR depends_on_id = ?", stepID, stepID).Delete(&model.StepDependency{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", stepID).Delete(&model.Step{}).Error
	})
	if err != nil {
		return wrapDefinitionError(err, "failed to delete step")
	}
	return nil
}

// AddStepDependency adds the edge "stepID depends on dependsOnID" unless it
// would close a cycle.
func (s *DefinitionService) AddStepDependency(ctx context.Context, workflowID, stepID, dependsOnID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := addStepDependency(tx, workflowID, stepID, dependsOnID); err != nil {
			return err
		}
		if err := checkStepGraph(tx, workflowID); err != nil {
			return err
		}
		return s.resync(ctx, tx, workflowID)
	})
	return wrapDefinitionError(err, "failed to add step dependency")
}

// RemoveStepDependency removes an edge. Removing edges cannot introduce cycles.
func (s *DefinitionService) RemoveStepDependency(ctx context.Context, workflowID, stepID, dependsOnID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("workflow_id = ? AND step_id = ? AND depends_on_id = ?", workflowID, stepID, dependsOnID).
			Delete(&model.StepDependency{}).Error
		if err != nil {
			return err
		}
		return s.resync(ctx, tx, workflowID)
	})
	return wrapDefinitionError(err, "failed to remove step dependency")
}

// AddWorkflowDependency adds the edge "workflowID depends on dependsOnID"
// unless it would close a cycle.
func (s *DefinitionService) AddWorkflowDependency(ctx context.Context, workflowID, dependsOnID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if workflowID == dependsOnID {
			return model.NewConfigurationError("a workflow cannot depend on itself", nil)
		}
		if _, err := getWorkflow(tx, workflowID); err != nil {
			return err
		}
		if _, err := getWorkflow(tx, dependsOnID); err != nil {
			return err
		}
		dep := &model.WorkflowDependency{WorkflowID: workflowID, DependsOnID: dependsOnID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(dep).Error; err != nil {
			return err
		}
		if err := checkWorkflowGraph(tx); err != nil {
			return err
		}
		return s.resync(ctx, tx, workflowID)
	})
	return wrapDefinitionError(err, "failed to add workflow dependency")
}

// RemoveWorkflowDependency removes an edge.
func (s *DefinitionService) RemoveWorkflowDependency(ctx context.Context, workflowID, dependsOnID uuid.UUID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("workflow_id = ? AND depends_on_id = ?", workflowID, dependsOnID).
			Delete(&model.WorkflowDependency{}).Error
		if err != nil {
			return err
		}
		return s.resync(ctx, tx, workflowID)
	})
	return wrapDefinitionError(err, "failed to remove workflow dependency")
}

// resync recomputes every WorkflowState of workflowID, one user at a time
// under that user's aggregate lock. Users are locked in user ID order.
// Dependent workflows of the same user follow through the cascade.
func (s *DefinitionService) resync(ctx context.Context, tx *gorm.DB, workflowID uuid.UUID) error {
	if s.sm == nil {
		return nil
	}
	var users []string
	err := tx.Model(&model.WorkflowState{}).
		Where("workflow_id = ?", workflowID).
		Distinct().
		Order("user_id").
		Pluck("user_id", &users).Error
	if err != nil {
		return fmt.Errorf("failed to retrieve enrolled users of workflow %s: %w", workflowID, err)
	}

	for _, userID := range users {
		locked, err := s.sm.store.LockWorkflowStatesByUserInTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		for i := range locked {
			if locked[i].WorkflowID != workflowID {
				continue
			}
			result, err := s.sm.Recompute(ctx, tx, &locked[i])
			if err != nil {
				return err
			}
			if !result.Empty() {
				slog.InfoContext(ctx, "workflow state recomputed after definition change",
					"workflowID", workflowID, "workflowStateID", locked[i].ID, "userID", userID,
					"stepStates", len(result.StepStates))
			}
		}
	}
	return nil
}

// GetStepDependencies returns the step edges of a workflow.
func (s *DefinitionService) GetStepDependencies(ctx context.Context, workflowID uuid.UUID) ([]model.StepDependency, error) {
	var deps []model.StepDependency
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve step dependencies: %w", err)
	}
	return deps, nil
}

// CreateMediaType registers a media type.
func (s *DefinitionService) CreateMediaType(ctx context.Context, req *model.CreateMediaTypeDTO) (*model.MediaType, error) {
	mt := &model.MediaType{Name: req.Name, Description: req.Description}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.MediaType{}).Where("name = ?", req.Name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return model.NewConflictError(fmt.Sprintf("media type %q already exists", req.Name))
		}
		return tx.Create(mt).Error
	})
	if err != nil {
		return nil, wrapDefinitionError(err, "failed to create media type")
	}
	return mt, nil
}

// ListMediaTypes returns every registered media type by name.
func (s *DefinitionService) ListMediaTypes(ctx context.Context) ([]model.MediaType, error) {
	var types []model.MediaType
	if err := s.db.WithContext(ctx).Order("name").Find(&types).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve media types: %w", err)
	}
	return types, nil
}

func (s *DefinitionService) ensureUniqueName(tx *gorm.DB, name string, except uuid.UUID) error {
	var count int64
	if err := tx.Model(&model.Workflow{}).Where("name = ? AND id <> ?", name, except).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", name))
	}
	return nil
}

// validateStep resolves the step kind and config, then checks that every
// media type it references is registered.
func (s *DefinitionService) validateStep(tx *gorm.DB, st *model.Step) error {
	if err := s.registry.Validate(st); err != nil {
		return err
	}
	types := step.MediaTypes(st)
	if len(types) == 0 {
		return nil
	}
	var known []string
	if err := tx.Model(&model.MediaType{}).Where("name IN ?", types).Pluck("name", &known).Error; err != nil {
		return err
	}
	registered := make(map[string]struct{}, len(known))
	for _, k := range known {
		registered[k] = struct{}{}
	}
	var details []model.FieldError
	for _, t := range types {
		if _, ok := registered[t]; !ok {
			details = append(details, model.FieldError{Field: "config.mediaTypes", Code: "unknown_media_type", Message: fmt.Sprintf("media type %q is not registered", t)})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(fmt.Sprintf("step %q references unregistered media types", st.Name), details...)
	}
	return nil
}

func addStepDependency(tx *gorm.DB, workflowID, stepID, dependsOnID uuid.UUID) error {
	if stepID == dependsOnID {
		return model.NewConfigurationError("a step cannot depend on itself", nil)
	}
	var count int64
	if err := tx.Model(&model.Step{}).Where("workflow_id = ? AND id IN ?", workflowID, []uuid.UUID{stepID, dependsOnID}).Count(&count).Error; err != nil {
		return err
	}
	if count != 2 {
		return model.NewValidationError("both steps must belong to the workflow",
			model.FieldError{Field: "dependsOnId", Code: "unknown_step", Message: "step not found in workflow"})
	}
	dep := &model.StepDependency{WorkflowID: workflowID, StepID: stepID, DependsOnID: dependsOnID}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(dep).Error
}

func checkStepGraph(tx *gorm.DB, workflowID uuid.UUID) error {
	var steps []model.Step
	if err := tx.Where("workflow_id = ?", workflowID).Find(&steps).Error; err != nil {
		return err
	}
	var deps []model.StepDependency
	if err := tx.Where("workflow_id = ?", workflowID).Find(&deps).Error; err != nil {
		return err
	}
	_, _, err := ResolveSteps(steps, deps)
	return err
}

func checkWorkflowGraph(tx *gorm.DB) error {
	var workflows []model.Workflow
	if err := tx.Find(&workflows).Error; err != nil {
		return err
	}
	var deps []model.WorkflowDependency
	if err := tx.Find(&deps).Error; err != nil {
		return err
	}
	_, err := ResolveWorkflows(workflows, deps)
	return err
}

func getWorkflow(tx *gorm.DB, workflowID uuid.UUID) (*model.Workflow, error) {
	var wf model.Workflow
	if err := tx.Where("id = ?", workflowID).First(&wf).Error; err != nil {
		return nil, notFound(err, "workflow", workflowID)
	}
	return &wf, nil
}

// wrapDefinitionError keeps engine errors intact and hides storage errors.
func wrapDefinitionError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var engineErr *model.Error
	if errors.As(err, &engineErr) {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}
