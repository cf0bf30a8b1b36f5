package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/accessportal/internal/notification"
	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// ReviewResult is what a review or initialization wrote, plus the
// notifications to send once the transaction has committed.
type ReviewResult struct {
	Review         *model.StepStateReview
	Version        *model.StepStateVersion
	Initialization *model.StepStateInitialization
	Cascade        *CascadeResult
	Notifications  []notification.Message
}

// ReviewService records administrator decisions and initialization content.
// Callers are expected to have checked administrator capability.
type ReviewService struct {
	store   Store
	sm      *StateMachine
	metrics *observability.Metrics
	now     func() time.Time
}

// NewReviewService creates a new ReviewService.
func NewReviewService(store Store, sm *StateMachine, metrics *observability.Metrics) *ReviewService {
	return &ReviewService{
		store:   store,
		sm:      sm,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func reviewable(ss *model.StepState) error {
	if !ss.RequiresApproval {
		return model.NewInvalidTransitionError(fmt.Sprintf("step state %s does not require approval", ss.ID))
	}
	if ss.Status != model.StatusCompleted {
		return model.NewInvalidTransitionError(fmt.Sprintf("step state %s is %s, only COMPLETED submissions can be reviewed", ss.ID, ss.Status))
	}
	return nil
}

// activeReview returns the live review of ss, or a new unsaved one.
func (s *ReviewService) activeReview(ctx context.Context, tx *gorm.DB, ss *model.StepState) (*model.StepStateReview, error) {
	review, err := s.store.GetActiveReviewInTx(ctx, tx, ss.ID)
	if err != nil {
		return nil, err
	}
	if review == nil {
		id := ss.ID
		review = &model.StepStateReview{StepStateID: &id}
	}
	return review, nil
}

// Approve records an APPROVED decision. The lifecycle status is unchanged.
func (s *ReviewService) Approve(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, ss *model.StepState, reviewer, message string) (*ReviewResult, error) {
	if err := reviewable(ss); err != nil {
		return nil, err
	}
	now := s.now()

	review, err := s.activeReview(ctx, tx, ss)
	if err != nil {
		return nil, err
	}
	review.Status = model.ReviewStatusApproved
	review.Message = message
	review.DecidedBy = reviewer
	review.DecidedAt = now
	if err := s.store.SaveReviewInTx(ctx, tx, review); err != nil {
		return nil, err
	}

	ss.ApprovedAt = &now
	if err := s.store.UpdateStepStatesInTx(ctx, tx, []*model.StepState{ss}); err != nil {
		return nil, err
	}

	s.metrics.RecordReview(string(model.ReviewStatusApproved))
	slog.InfoContext(ctx, "step state approved",
		"workflowStateID", ws.ID,
		"stepStateID", ss.ID,
		"reviewer", reviewer)

	return &ReviewResult{
		Review:  review,
		Cascade: &CascadeResult{StepStates: []*model.StepState{ss}},
	}, nil
}

// Reject snapshots the submission into a new version, moves the review onto
// that version and resets the StepState so the user can resubmit.
func (s *ReviewService) Reject(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, ss *model.StepState, reviewer, message string) (*ReviewResult, error) {
	if err := reviewable(ss); err != nil {
		return nil, err
	}
	st, err := s.store.GetStepInTx(ctx, tx, ss.StepID)
	if err != nil {
		return nil, err
	}

	number, err := s.store.NextVersionNumberInTx(ctx, tx, ss.ID)
	if err != nil {
		return nil, err
	}
	version := &model.StepStateVersion{
		StepStateID: ss.ID,
		Number:      number,
		Data:        ss.Data,
		File:        ss.File,
		Message:     message,
	}
	if err := s.store.CreateVersionInTx(ctx, tx, version); err != nil {
		return nil, err
	}

	review, err := s.activeReview(ctx, tx, ss)
	if err != nil {
		return nil, err
	}
	versionID := version.ID
	if review.Status == model.ReviewStatusApproved {
		// The approval stays on the version it covered; the rejection gets its own row.
		review.StepStateID = nil
		review.StepStateVersionID = &versionID
		if err := s.store.SaveReviewInTx(ctx, tx, review); err != nil {
			return nil, err
		}
		review = &model.StepStateReview{}
	}
	review.StepStateID = nil
	review.StepStateVersionID = &versionID
	review.Status = model.ReviewStatusRejected
	review.Message = message
	review.DecidedBy = reviewer
	review.DecidedAt = s.now()
	if err := s.store.SaveReviewInTx(ctx, tx, review); err != nil {
		return nil, err
	}
	version.Review = review

	cascade, err := s.sm.ResetStepState(ctx, tx, ws, ss)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReview(string(model.ReviewStatusRejected))
	slog.InfoContext(ctx, "step state rejected",
		"workflowStateID", ws.ID,
		"stepStateID", ss.ID,
		"version", number,
		"reviewer", reviewer,
		"regressed", len(cascade.Regressed))

	return &ReviewResult{
		Review:  review,
		Version: version,
		Cascade: cascade,
		Notifications: []notification.Message{{
			To:      ws.UserEmail,
			UserID:  ws.UserID,
			Subject: fmt.Sprintf("Your submission for %q needs changes", st.Name),
			Body:    rejectionBody(st.Name, message),
			Event:   notification.EventStepRejected,
			Meta: map[string]string{
				"workflowStateId": ws.ID.String(),
				"stepStateId":     ss.ID.String(),
				"version":         fmt.Sprint(number),
			},
		}},
	}, nil
}

func rejectionBody(stepName, message string) string {
	if message == "" {
		return fmt.Sprintf("Your submission for %q was returned by a reviewer. Please review and resubmit.", stepName)
	}
	return fmt.Sprintf("Your submission for %q was returned by a reviewer:\n\n%s", stepName, message)
}

// Initialize stores administrator-seeded content for a step that needs it
// and recomputes the StepState, which may become CURRENT.
func (s *ReviewService) Initialize(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, ss *model.StepState, createdBy string, data map[string]any, file *model.FileRef) (*ReviewResult, error) {
	st, err := s.store.GetStepInTx(ctx, tx, ss.StepID)
	if err != nil {
		return nil, err
	}
	if !st.InitializationRequired {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("step %q does not accept initialization", st.Name))
	}
	if len(data) == 0 && file == nil {
		return nil, model.NewValidationError("initialization needs data or a file",
			model.FieldError{Field: "data", Code: "required", Message: "data or file is required"})
	}

	existing, err := s.store.GetInitializationsInTx(ctx, tx, []uuid.UUID{ss.ID})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, model.NewConflictError(fmt.Sprintf("step state %s is already initialized", ss.ID))
	}

	init := &model.StepStateInitialization{
		StepStateID: ss.ID,
		Data:        data,
		File:        file,
		CreatedBy:   createdBy,
	}
	if err := s.store.CreateInitializationInTx(ctx, tx, init); err != nil {
		return nil, err
	}

	cascade, err := s.sm.Recompute(ctx, tx, ws, ss.StepID)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordInitialization()
	slog.InfoContext(ctx, "step state initialized",
		"workflowStateID", ws.ID,
		"stepStateID", ss.ID,
		"createdBy", createdBy)

	return &ReviewResult{
		Initialization: init,
		Cascade:        cascade,
		Notifications: []notification.Message{{
			To:      ws.UserEmail,
			UserID:  ws.UserID,
			Subject: fmt.Sprintf("%q is ready for you", st.Name),
			Body:    fmt.Sprintf("An administrator has prepared %q. You can continue when it is your turn.", st.Name),
			Event:   notification.EventStepInitialized,
			Meta: map[string]string{
				"workflowStateId": ws.ID.String(),
				"stepStateId":     ss.ID.String(),
			},
		}},
	}, nil
}

// OverrideRequiresApproval changes the approval gate of one StepState.
// Clearing the flag keeps any recorded approval.
func (s *ReviewService) OverrideRequiresApproval(ctx context.Context, tx *gorm.DB, ss *model.StepState, requiresApproval bool) error {
	if ss.RequiresApproval == requiresApproval {
		return nil
	}
	ss.RequiresApproval = requiresApproval
	return s.store.UpdateStepStatesInTx(ctx, tx, []*model.StepState{ss})
}

// IsApproved reports whether ss satisfies its approval gate.
func (s *ReviewService) IsApproved(ss *model.StepState) bool {
	return IsApproved(ss)
}

// History returns the superseded versions and every review of a StepState.
func (s *ReviewService) History(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) ([]model.StepStateVersion, []model.StepStateReview, error) {
	versions, err := s.store.GetVersionsInTx(ctx, tx, stepStateID)
	if err != nil {
		return nil, nil, err
	}
	reviews, err := s.store.GetReviewHistoryInTx(ctx, tx, stepStateID)
	if err != nil {
		return nil, nil, err
	}
	return versions, reviews, nil
}
