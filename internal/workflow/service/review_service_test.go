package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/OpenNSW/accessportal/internal/notification"
	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// approvalChain builds A -> B -> C where B requires approval, enrolls a user
// and submits every step.
func approvalChain(t *testing.T, f *engineFixture) (*model.WorkflowState, []model.Step) {
	t.Helper()
	wf, steps := f.workflow(t, "agreement", "A", "B", "C")
	require.NoError(t, f.db.Model(&steps[1]).Update("requires_approval", true).Error)
	steps[1].RequiresApproval = true
	f.chain(t, wf, steps)

	ws := f.enroll(t, wf, "user-1")
	require.NoError(t, f.db.Model(ws).Update("user_email", "user-1@example.org").Error)

	for i, s := range steps {
		fresh, ss := f.reload(t, ws), f.stepState(t, ws, s)
		err := f.db.Transaction(func(tx *gorm.DB) error {
			_, err := f.sm.ApplyStepSubmission(context.Background(), tx, fresh, ss, &step.Outcome{
				Data:     map[string]any{"answer": i},
				Complete: true,
			})
			return err
		})
		require.NoError(t, err)
	}
	require.Equal(t, model.StatusCompleted, f.reload(t, ws).Status)
	return f.reload(t, ws), steps
}

func TestReviewService_Reject(t *testing.T) {
	f := newEngineFixture(t)
	reviews := NewReviewService(f.store, f.sm, nil)
	ws, steps := approvalChain(t, f)
	b := f.stepState(t, ws, steps[1])
	require.True(t, b.RequiresApproval)

	var result *ReviewResult
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = reviews.Reject(context.Background(), tx, ws, b, "admin-1", "signature missing")
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, []model.Status{model.StatusCompleted, model.StatusCurrent, model.StatusPending}, f.statuses(t, ws, steps))
	fresh := f.reload(t, ws)
	assert.Equal(t, model.StatusCurrent, fresh.Status)
	assert.Nil(t, fresh.CompletedAt)

	var versions []model.StepStateVersion
	require.NoError(t, f.db.Where("step_state_id = ?", b.ID).Find(&versions).Error)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Number)
	assert.Equal(t, "signature missing", versions[0].Message)
	assert.EqualValues(t, 1, versions[0].Data["answer"])

	var review model.StepStateReview
	require.NoError(t, f.db.First(&review, "id = ?", result.Review.ID).Error)
	assert.Nil(t, review.StepStateID)
	require.NotNil(t, review.StepStateVersionID)
	assert.Equal(t, versions[0].ID, *review.StepStateVersionID)
	assert.Equal(t, model.ReviewStatusRejected, review.Status)

	resetB := f.stepState(t, ws, steps[1])
	assert.Nil(t, resetB.Data)
	assert.Nil(t, resetB.ApprovedAt)

	require.Len(t, result.Notifications, 1)
	msg := result.Notifications[0]
	assert.Equal(t, "user-1@example.org", msg.To)
	assert.Equal(t, notification.EventStepRejected, msg.Event)
	assert.Contains(t, msg.Body, "signature missing")
}

func TestReviewService_RejectTwiceNumbersVersions(t *testing.T) {
	f := newEngineFixture(t)
	reviews := NewReviewService(f.store, f.sm, nil)
	ws, steps := approvalChain(t, f)

	for round := 0; round < 2; round++ {
		ws = f.reload(t, ws)
		b := f.stepState(t, ws, steps[1])
		if b.Status != model.StatusCompleted {
			err := f.db.Transaction(func(tx *gorm.DB) error {
				_, err := f.sm.ApplyStepSubmission(context.Background(), tx, ws, b, &step.Outcome{Data: map[string]any{"answer": 10 + round}, Complete: true})
				return err
			})
			require.NoError(t, err)
			ws, b = f.reload(t, ws), f.stepState(t, ws, steps[1])
		}
		err := f.db.Transaction(func(tx *gorm.DB) error {
			_, err := reviews.Reject(context.Background(), tx, ws, b, "admin-1", "again")
			return err
		})
		require.NoError(t, err)
	}

	var versions []model.StepStateVersion
	var history []model.StepStateReview
	b := f.stepState(t, ws, steps[1])
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		versions, history, err = reviews.History(context.Background(), tx, b.ID)
		return err
	})
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Number)
	assert.Equal(t, 2, versions[1].Number)
	require.NotNil(t, versions[1].Review)
	assert.Equal(t, model.ReviewStatusRejected, versions[1].Review.Status)
	assert.Len(t, history, 2)
}

func TestReviewService_Approve(t *testing.T) {
	f := newEngineFixture(t)
	reviews := NewReviewService(f.store, f.sm, nil)
	ws, steps := approvalChain(t, f)
	b := f.stepState(t, ws, steps[1])
	assert.False(t, reviews.IsApproved(b))

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := reviews.Approve(context.Background(), tx, ws, b, "admin-1", "")
		return err
	})
	require.NoError(t, err)

	approved := f.stepState(t, ws, steps[1])
	assert.Equal(t, model.StatusCompleted, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)
	assert.True(t, reviews.IsApproved(approved))
	assert.Equal(t, model.StatusCompleted, f.reload(t, ws).Status)

	var active []model.StepStateReview
	require.NoError(t, f.db.Where("step_state_id = ?", b.ID).Find(&active).Error)
	require.Len(t, active, 1)
	assert.Equal(t, model.ReviewStatusApproved, active[0].Status)
}

func TestReviewService_RejectAfterApprovalKeepsApproval(t *testing.T) {
	f := newEngineFixture(t)
	reviews := NewReviewService(f.store, f.sm, nil)
	ws, steps := approvalChain(t, f)
	b := f.stepState(t, ws, steps[1])

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := reviews.Approve(context.Background(), tx, ws, b, "admin-1", "looks fine")
		return err
	})
	require.NoError(t, err)

	ws, b = f.reload(t, ws), f.stepState(t, ws, steps[1])
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := reviews.Reject(context.Background(), tx, ws, b, "admin-2", "wrong dataset")
		return err
	})
	require.NoError(t, err)

	var versions []model.StepStateVersion
	var history []model.StepStateReview
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		versions, history, err = reviews.History(context.Background(), tx, b.ID)
		return err
	})
	require.NoError(t, err)

	require.Len(t, history, 2)
	assert.Equal(t, model.ReviewStatusApproved, history[0].Status)
	assert.Equal(t, "admin-1", history[0].DecidedBy)
	assert.Equal(t, model.ReviewStatusRejected, history[1].Status)
	assert.Equal(t, "admin-2", history[1].DecidedBy)

	require.Len(t, versions, 1)
	require.NotNil(t, versions[0].Review)
	assert.Equal(t, model.ReviewStatusRejected, versions[0].Review.Status)

	var live int64
	require.NoError(t, f.db.Model(&model.StepStateReview{}).Where("step_state_id = ?", b.ID).Count(&live).Error)
	assert.Equal(t, int64(0), live)
	assert.Nil(t, f.stepState(t, ws, steps[1]).ApprovedAt)
}

func TestReviewService_ReviewPreconditions(t *testing.T) {
	f := newEngineFixture(t)
	reviews := NewReviewService(f.store, f.sm, nil)
	ws, steps := approvalChain(t, f)

	t.Run("Step without approval gate", func(t *testing.T) {
		a := f.stepState(t, ws, steps[0])
		err := f.db.Transaction(func(tx *gorm.DB) error {
			_, err := reviews.Approve(context.Background(), tx, ws, a, "admin-1", "")
			return err
		})
		assert.True(t, model.IsKind(err, model.KindInvalidTransition))
	})

	t.Run("Submission not completed", func(t *testing.T) {
		b := f.stepState(t, ws, steps[1])
		b.Status = model.StatusCurrent
		err := f.db.Transaction(func(tx *gorm.DB) error {
			_, err := reviews.Reject(context.Background(), tx, ws, b, "admin-1", "")
			return err
		})
		assert.True(t, model.IsKind(err, model.KindInvalidTransition))
	})
}

func TestReviewService_Initialize(t *testing.T) {
	f := newEngineFixture(t)
	reviews := NewReviewService(f.store, f.sm, nil)
	wf := &model.Workflow{Name: "training", Behavior: "SEQUENTIAL", Resource: "dataset", Active: true}
	require.NoError(t, f.db.Create(wf).Error)
	s := model.Step{WorkflowID: wf.ID, Name: "briefing", Kind: "VIDEO", InitializationRequired: true}
	require.NoError(t, f.db.Create(&s).Error)
	plain := model.Step{WorkflowID: wf.ID, Name: "notes", Kind: "FORM", Position: 1}
	require.NoError(t, f.db.Create(&plain).Error)
	ws := f.enroll(t, wf, "user-1")

	initialize := func(target model.Step, data map[string]any) (*ReviewResult, error) {
		fresh, ss := f.reload(t, ws), f.stepState(t, ws, target)
		var result *ReviewResult
		err := f.db.Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = reviews.Initialize(context.Background(), tx, fresh, ss, "admin-1", data, nil)
			return err
		})
		return result, err
	}

	_, err := initialize(s, nil)
	assert.True(t, model.IsKind(err, model.KindValidation))

	result, err := initialize(s, map[string]any{"videoUrl": "https://cdn/briefing.mp4"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCurrent, f.stepState(t, ws, s).Status)
	require.Len(t, result.Notifications, 1)
	assert.Equal(t, notification.EventStepInitialized, result.Notifications[0].Event)

	_, err = initialize(s, map[string]any{"videoUrl": "https://cdn/other.mp4"})
	assert.True(t, model.IsKind(err, model.KindConflict))

	_, err = initialize(plain, map[string]any{"x": 1})
	assert.True(t, model.IsKind(err, model.KindInvalidTransition))
}

func TestReviewService_OverrideRequiresApproval(t *testing.T) {
	f := newEngineFixture(t)
	reviews := NewReviewService(f.store, f.sm, nil)
	wf, steps := f.workflow(t, "single", "A")
	ws := f.enroll(t, wf, "user-1")
	a := f.stepState(t, ws, steps[0])

	err := f.db.Transaction(func(tx *gorm.DB) error {
		return reviews.OverrideRequiresApproval(context.Background(), tx, a, true)
	})
	require.NoError(t, err)
	assert.True(t, f.stepState(t, ws, steps[0]).RequiresApproval)

	var st model.Step
	require.NoError(t, f.db.First(&st, "id = ?", steps[0].ID).Error)
	assert.False(t, st.RequiresApproval)
}
