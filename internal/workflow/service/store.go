package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// Store is the persistence boundary of the engine. Every method runs on the
// supplied transaction so a whole cascade commits or rolls back together.
type Store interface {
	GetWorkflowInTx(ctx context.Context, tx *gorm.DB, workflowID uuid.UUID) (*model.Workflow, error)
	GetWorkflowsByIDsInTx(ctx context.Context, tx *gorm.DB, workflowIDs []uuid.UUID) ([]model.Workflow, error)
	GetActiveWorkflowsByResourceInTx(ctx context.Context, tx *gorm.DB, resource string) ([]model.Workflow, error)
	GetStepsByWorkflowIDInTx(ctx context.Context, tx *gorm.DB, workflowID uuid.UUID) ([]model.Step, error)
	GetStepInTx(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) (*model.Step, error)
	GetStepDependenciesByWorkflowIDInTx(ctx context.Context, tx *gorm.DB, workflowID uuid.UUID) ([]model.StepDependency, error)
	GetWorkflowDependenciesInTx(ctx context.Context, tx *gorm.DB) ([]model.WorkflowDependency, error)

	LockWorkflowStatesByUserInTx(ctx context.Context, tx *gorm.DB, userID string) ([]model.WorkflowState, error)
	GetWorkflowStatesByUserInTx(ctx context.Context, tx *gorm.DB, userID string) ([]model.WorkflowState, error)
	GetWorkflowStateInTx(ctx context.Context, tx *gorm.DB, workflowStateID uuid.UUID) (*model.WorkflowState, error)
	CreateWorkflowStateInTx(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState) (bool, error)
	UpdateWorkflowStatesInTx(ctx context.Context, tx *gorm.DB, states []*model.WorkflowState) error

	GetStepStatesByWorkflowStateIDInTx(ctx context.Context, tx *gorm.DB, workflowStateID uuid.UUID) ([]model.StepState, error)
	GetStepStateInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (*model.StepState, error)
	CreateStepStatesInTx(ctx context.Context, tx *gorm.DB, states []*model.StepState) error
	UpdateStepStatesInTx(ctx context.Context, tx *gorm.DB, states []*model.StepState) error
	ListAwaitingReviewInTx(ctx context.Context, tx *gorm.DB, resource string, offset, limit int) ([]model.StepState, int64, error)

	GetInitializationsInTx(ctx context.Context, tx *gorm.DB, stepStateIDs []uuid.UUID) ([]model.StepStateInitialization, error)
	CreateInitializationInTx(ctx context.Context, tx *gorm.DB, init *model.StepStateInitialization) error

	GetActiveReviewInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (*model.StepStateReview, error)
	SaveReviewInTx(ctx context.Context, tx *gorm.DB, review *model.StepStateReview) error
	NextVersionNumberInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (int, error)
	CreateVersionInTx(ctx context.Context, tx *gorm.DB, version *model.StepStateVersion) error
	GetVersionsInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) ([]model.StepStateVersion, error)
	GetReviewHistoryInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) ([]model.StepStateReview, error)
}

// GormStore implements Store on gorm.
type GormStore struct{}

// NewGormStore returns a Store backed by gorm.
func NewGormStore() *GormStore {
	return &GormStore{}
}

func notFound(err error, entity string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.NewNotFoundError(entity, id)
	}
	return fmt.Errorf("failed to retrieve %s %v: %w", entity, id, err)
}

func (s *GormStore) GetWorkflowInTx(ctx context.Context, tx *gorm.DB, workflowID uuid.UUID) (*model.Workflow, error) {
	var wf model.Workflow
	if err := tx.WithContext(ctx).Where("id = ?", workflowID).First(&wf).Error; err != nil {
		return nil, notFound(err, "workflow", workflowID)
	}
	return &wf, nil
}

func (s *GormStore) GetWorkflowsByIDsInTx(ctx context.Context, tx *gorm.DB, workflowIDs []uuid.UUID) ([]model.Workflow, error) {
	if len(workflowIDs) == 0 {
		return []model.Workflow{}, nil
	}
	var workflows []model.Workflow
	if err := tx.WithContext(ctx).Where("id IN ?", workflowIDs).Order("id").Find(&workflows).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve workflows: %w", err)
	}
	return workflows, nil
}

func (s *GormStore) GetActiveWorkflowsByResourceInTx(ctx context.Context, tx *gorm.DB, resource string) ([]model.Workflow, error) {
	var workflows []model.Workflow
	err := tx.WithContext(ctx).
		Where("resource = ? AND active = ?", resource, true).
		Order("id").
		Find(&workflows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve workflows of resource %s: %w", resource, err)
	}
	return workflows, nil
}

func (s *GormStore) GetStepsByWorkflowIDInTx(ctx context.Context, tx *gorm.DB, workflowID uuid.UUID) ([]model.Step, error) {
	var steps []model.Step
	if err := tx.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("position, name, id").Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve steps of workflow %s: %w", workflowID, err)
	}
	return steps, nil
}

func (s *GormStore) GetStepInTx(ctx context.Context, tx *gorm.DB, stepID uuid.UUID) (*model.Step, error) {
	var st model.Step
	if err := tx.WithContext(ctx).Where("id = ?", stepID).First(&st).Error; err != nil {
		return nil, notFound(err, "step", stepID)
	}
	return &st, nil
}

func (s *GormStore) GetStepDependenciesByWorkflowIDInTx(ctx context.Context, tx *gorm.DB, workflowID uuid.UUID) ([]model.StepDependency, error) {
	var deps []model.StepDependency
	if err := tx.WithContext(ctx).Where("workflow_id = ?", workflowID).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve step dependencies of workflow %s: %w", workflowID, err)
	}
	return deps, nil
}

func (s *GormStore) GetWorkflowDependenciesInTx(ctx context.Context, tx *gorm.DB) ([]model.WorkflowDependency, error) {
	var deps []model.WorkflowDependency
	if err := tx.WithContext(ctx).Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve workflow dependencies: %w", err)
	}
	return deps, nil
}

// LockWorkflowStatesByUserInTx takes the user-scoped aggregate lock. Rows are
// locked in ID order so concurrent requests of one user cannot deadlock.
func (s *GormStore) LockWorkflowStatesByUserInTx(ctx context.Context, tx *gorm.DB, userID string) ([]model.WorkflowState, error) {
	var states []model.WorkflowState
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Order("id").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("failed to lock workflow states of user %s: %w", userID, err)
	}
	return states, nil
}

func (s *GormStore) GetWorkflowStatesByUserInTx(ctx context.Context, tx *gorm.DB, userID string) ([]model.WorkflowState, error) {
	var states []model.WorkflowState
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve workflow states of user %s: %w", userID, err)
	}
	return states, nil
}

func (s *GormStore) GetWorkflowStateInTx(ctx context.Context, tx *gorm.DB, workflowStateID uuid.UUID) (*model.WorkflowState, error) {
	var ws model.WorkflowState
	if err := tx.WithContext(ctx).Where("id = ?", workflowStateID).First(&ws).Error; err != nil {
		return nil, notFound(err, "workflow state", workflowStateID)
	}
	return &ws, nil
}

// CreateWorkflowStateInTx inserts ws unless the user is already enrolled.
// It reports whether a row was inserted.
func (s *GormStore) CreateWorkflowStateInTx(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState) (bool, error) {
	result := tx.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}, {Name: "workflow_id"}}, DoNothing: true}).
		Create(ws)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create workflow state: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) UpdateWorkflowStatesInTx(ctx context.Context, tx *gorm.DB, states []*model.WorkflowState) error {
	for _, ws := range states {
		err := tx.WithContext(ctx).Model(ws).
			Select("status", "started_at", "completed_at", "updated_at").
			Updates(ws).Error
		if err != nil {
			return fmt.Errorf("failed to update workflow state %s: %w", ws.ID, err)
		}
	}
	return nil
}

func (s *GormStore) GetStepStatesByWorkflowStateIDInTx(ctx context.Context, tx *gorm.DB, workflowStateID uuid.UUID) ([]model.StepState, error) {
	var states []model.StepState
	if err := tx.WithContext(ctx).Where("workflow_state_id = ?", workflowStateID).Order("id").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve step states of workflow state %s: %w", workflowStateID, err)
	}
	return states, nil
}

func (s *GormStore) GetStepStateInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (*model.StepState, error) {
	var ss model.StepState
	if err := tx.WithContext(ctx).Where("id = ?", stepStateID).First(&ss).Error; err != nil {
		return nil, notFound(err, "step state", stepStateID)
	}
	return &ss, nil
}

func (s *GormStore) CreateStepStatesInTx(ctx context.Context, tx *gorm.DB, states []*model.StepState) error {
	if len(states) == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(states).Error; err != nil {
		return fmt.Errorf("failed to create step states: %w", err)
	}
	return nil
}

func (s *GormStore) UpdateStepStatesInTx(ctx context.Context, tx *gorm.DB, states []*model.StepState) error {
	for _, ss := range states {
		err := tx.WithContext(ctx).Model(ss).
			Select("status", "data", "file", "requires_approval", "started_at", "completed_at", "approved_at", "updated_at").
			Updates(ss).Error
		if err != nil {
			return fmt.Errorf("failed to update step state %s: %w", ss.ID, err)
		}
	}
	return nil
}

// ListAwaitingReviewInTx pages through completed, unapproved StepStates of the
// workflows owned by resource, oldest submission first.
func (s *GormStore) ListAwaitingReviewInTx(ctx context.Context, tx *gorm.DB, resource string, offset, limit int) ([]model.StepState, int64, error) {
	query := tx.WithContext(ctx).Model(&model.StepState{}).
		Joins("JOIN steps ON steps.id = step_states.step_id").
		Joins("JOIN workflows ON workflows.id = steps.workflow_id").
		Where("workflows.resource = ?", resource).
		Where("step_states.requires_approval = ? AND step_states.status = ? AND step_states.approved_at IS NULL", true, model.StatusCompleted).
		Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count step states awaiting review: %w", err)
	}

	var states []model.StepState
	err := query.
		Select("step_states.*").
		Preload("Step").
		Order("step_states.completed_at, step_states.id").
		Offset(offset).
		Limit(limit).
		Find(&states).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to retrieve step states awaiting review: %w", err)
	}
	return states, total, nil
}

func (s *GormStore) GetInitializationsInTx(ctx context.Context, tx *gorm.DB, stepStateIDs []uuid.UUID) ([]model.StepStateInitialization, error) {
	if len(stepStateIDs) == 0 {
		return []model.StepStateInitialization{}, nil
	}
	var inits []model.StepStateInitialization
	if err := tx.WithContext(ctx).Where("step_state_id IN ?", stepStateIDs).Find(&inits).Error; err != nil {
		return nil, fmt.Errorf("failed to retrieve step initializations: %w", err)
	}
	return inits, nil
}

func (s *GormStore) CreateInitializationInTx(ctx context.Context, tx *gorm.DB, init *model.StepStateInitialization) error {
	if err := tx.WithContext(ctx).Create(init).Error; err != nil {
		return fmt.Errorf("failed to create step initialization: %w", err)
	}
	return nil
}

// GetActiveReviewInTx returns the review attached to the live StepState, or nil.
func (s *GormStore) GetActiveReviewInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (*model.StepStateReview, error) {
	var reviews []model.StepStateReview
	err := tx.WithContext(ctx).
		Where("step_state_id = ?", stepStateID).
		Order("decided_at DESC").
		Limit(1).
		Find(&reviews).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve review of step state %s: %w", stepStateID, err)
	}
	if len(reviews) == 0 {
		return nil, nil
	}
	return &reviews[0], nil
}

func (s *GormStore) SaveReviewInTx(ctx context.Context, tx *gorm.DB, review *model.StepStateReview) error {
	if err := tx.WithContext(ctx).Save(review).Error; err != nil {
		return fmt.Errorf("failed to save review: %w", err)
	}
	return nil
}

func (s *GormStore) NextVersionNumberInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (int, error) {
	var current sql.NullInt64
	row := tx.WithContext(ctx).Model(&model.StepStateVersion{}).
		Where("step_state_id = ?", stepStateID).
		Select("MAX(number)").
		Row()
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("failed to compute next version of step state %s: %w", stepStateID, err)
	}
	if !current.Valid {
		return 1, nil
	}
	return int(current.Int64) + 1, nil
}

func (s *GormStore) CreateVersionInTx(ctx context.Context, tx *gorm.DB, version *model.StepStateVersion) error {
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(version).Error; err != nil {
		return fmt.Errorf("failed to create step state version: %w", err)
	}
	return nil
}

func (s *GormStore) GetVersionsInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) ([]model.StepStateVersion, error) {
	var versions []model.StepStateVersion
	err := tx.WithContext(ctx).
		Preload("Review", func(db *gorm.DB) *gorm.DB {
			// The latest decision on a version is the one that superseded it.
			return db.Order("decided_at, status")
		}).
		Where("step_state_id = ?", stepStateID).
		Order("number").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve versions of step state %s: %w", stepStateID, err)
	}
	return versions, nil
}

// GetReviewHistoryInTx returns the live review and every review moved onto a
// version of the StepState, oldest first.
func (s *GormStore) GetReviewHistoryInTx(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) ([]model.StepStateReview, error) {
	versions := tx.Model(&model.StepStateVersion{}).Select("id").Where("step_state_id = ?", stepStateID)

	var reviews []model.StepStateReview
	err := tx.WithContext(ctx).
		Where("step_state_id = ?", stepStateID).
		Or("step_state_version_id IN (?)", versions).
		Order("decided_at, status").
		Find(&reviews).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve review history of step state %s: %w", stepStateID, err)
	}
	return reviews, nil
}
