package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// EnrollmentService creates WorkflowStates for users.
type EnrollmentService struct {
	store   Store
	sm      *StateMachine
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEnrollmentService creates a new EnrollmentService.
func NewEnrollmentService(store Store, sm *StateMachine, metrics *observability.Metrics) *EnrollmentService {
	return &EnrollmentService{
		store:   store,
		sm:      sm,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enroll creates the user's WorkflowState for workflowID and materializes its
// StepStates. Enrolling an already enrolled user returns the existing state
// and reports created as false.
func (s *EnrollmentService) Enroll(ctx context.Context, tx *gorm.DB, userID, email string, workflowID uuid.UUID) (ws *model.WorkflowState, created bool, err error) {
	wf, err := s.store.GetWorkflowInTx(ctx, tx, workflowID)
	if err != nil {
		return nil, false, err
	}
	if !wf.Active {
		return nil, false, model.NewInvalidTransitionError(fmt.Sprintf("workflow %q is not active", wf.Name))
	}

	now := s.now()
	ws = &model.WorkflowState{
		UserID:     userID,
		UserEmail:  email,
		WorkflowID: wf.ID,
		Status:     model.StatusPending,
		StartedAt:  &now,
	}
	inserted, err := s.store.CreateWorkflowStateInTx(ctx, tx, ws)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := s.findState(ctx, tx, userID, workflowID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if _, err := s.sm.InitializeStepStates(ctx, tx, ws); err != nil {
		return nil, false, err
	}

	s.metrics.RecordEnrollment(wf.Name)
	slog.InfoContext(ctx, "user enrolled",
		"userID", userID,
		"workflow", wf.Name,
		"workflowStateID", ws.ID,
		"status", ws.Status)
	return ws, true, nil
}

func (s *EnrollmentService) findState(ctx context.Context, tx *gorm.DB, userID string, workflowID uuid.UUID) (*model.WorkflowState, error) {
	states, err := s.store.GetWorkflowStatesByUserInTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	for i := range states {
		if states[i].WorkflowID == workflowID {
			return &states[i], nil
		}
	}
	return nil, model.NewNotFoundError("workflow state", workflowID)
}
