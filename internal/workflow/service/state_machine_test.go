package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// setupSQLiteDB opens an isolated in-memory database with the engine schema.
func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(model.Models()...))
	return db
}

type engineFixture struct {
	db    *gorm.DB
	store *GormStore
	sm    *StateMachine
	clock time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		db:    setupSQLiteDB(t),
		store: NewGormStore(),
		clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.sm = NewStateMachine(f.store, nil)
	f.sm.now = func() time.Time {
		f.clock = f.clock.Add(time.Minute)
		return f.clock
	}
	return f
}

func (f *engineFixture) workflow(t *testing.T, name string, steps ...string) (*model.Workflow, []model.Step) {
	t.Helper()
	wf := &model.Workflow{Name: name, Behavior: "SEQUENTIAL", Resource: "dataset-" + name, Active: true}
	require.NoError(t, f.db.Create(wf).Error)

	created := make([]model.Step, len(steps))
	for i, s := range steps {
		created[i] = model.Step{WorkflowID: wf.ID, Name: s, Position: i, Kind: "FORM"}
		require.NoError(t, f.db.Create(&created[i]).Error)
	}
	return wf, created
}

func (f *engineFixture) chain(t *testing.T, wf *model.Workflow, steps []model.Step) {
	t.Helper()
	for i := 1; i < len(steps); i++ {
		f.dependStep(t, wf, steps[i], steps[i-1])
	}
}

func (f *engineFixture) dependStep(t *testing.T, wf *model.Workflow, s, on model.Step) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.StepDependency{WorkflowID: wf.ID, StepID: s.ID, DependsOnID: on.ID}).Error)
}

func (f *engineFixture) dependWorkflow(t *testing.T, wf, on *model.Workflow) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.WorkflowDependency{WorkflowID: wf.ID, DependsOnID: on.ID}).Error)
}

func (f *engineFixture) enroll(t *testing.T, wf *model.Workflow, userID string) *model.WorkflowState {
	t.Helper()
	now := f.clock
	ws := &model.WorkflowState{UserID: userID, WorkflowID: wf.ID, Status: model.StatusPending, StartedAt: &now}
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.store.CreateWorkflowStateInTx(context.Background(), tx, ws); err != nil {
			return err
		}
		_, err := f.sm.InitializeStepStates(context.Background(), tx, ws)
		return err
	})
	require.NoError(t, err)
	return ws
}

func (f *engineFixture) stepState(t *testing.T, ws *model.WorkflowState, s model.Step) *model.StepState {
	t.Helper()
	var ss model.StepState
	require.NoError(t, f.db.Where("workflow_state_id = ? AND step_id = ?", ws.ID, s.ID).First(&ss).Error)
	return &ss
}

func (f *engineFixture) reload(t *testing.T, ws *model.WorkflowState) *model.WorkflowState {
	t.Helper()
	var fresh model.WorkflowState
	require.NoError(t, f.db.First(&fresh, "id = ?", ws.ID).Error)
	return &fresh
}

func (f *engineFixture) complete(t *testing.T, ws *model.WorkflowState, s model.Step) *CascadeResult {
	t.Helper()
	fresh, ss := f.reload(t, ws), f.stepState(t, ws, s)
	var result *CascadeResult
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = f.sm.CompleteStep(context.Background(), tx, fresh, ss)
		return err
	})
	require.NoError(t, err)
	return result
}

func (f *engineFixture) reset(t *testing.T, ws *model.WorkflowState, s model.Step) *CascadeResult {
	t.Helper()
	fresh, ss := f.reload(t, ws), f.stepState(t, ws, s)
	var result *CascadeResult
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = f.sm.ResetStepState(context.Background(), tx, fresh, ss)
		return err
	})
	require.NoError(t, err)
	return result
}

func (f *engineFixture) statuses(t *testing.T, ws *model.WorkflowState, steps []model.Step) []model.Status {
	t.Helper()
	out := make([]model.Status, len(steps))
	for i, s := range steps {
		out[i] = f.stepState(t, ws, s).Status
	}
	return out
}

func TestStateMachine_InitializeStepStates(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "chain", "A", "B", "C")
	f.chain(t, wf, steps)

	ws := f.enroll(t, wf, "user-1")

	assert.Equal(t, []model.Status{model.StatusCurrent, model.StatusPending, model.StatusPending}, f.statuses(t, ws, steps))
	assert.NotNil(t, f.stepState(t, ws, steps[0]).StartedAt)
	assert.Nil(t, f.stepState(t, ws, steps[1]).StartedAt)
	assert.Equal(t, model.StatusCurrent, f.reload(t, ws).Status)

	var count int64
	require.NoError(t, f.db.Model(&model.StepState{}).Where("workflow_state_id = ?", ws.ID).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestStateMachine_CompletionPropagation(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "chain", "A", "B", "C")
	f.chain(t, wf, steps)
	ws := f.enroll(t, wf, "user-1")

	result := f.complete(t, ws, steps[0])
	assert.Equal(t, []model.Status{model.StatusCompleted, model.StatusCurrent, model.StatusPending}, f.statuses(t, ws, steps))
	assert.Contains(t, result.Promoted, f.stepState(t, ws, steps[1]).ID)

	f.complete(t, ws, steps[1])
	assert.Equal(t, model.StatusCurrent, f.stepState(t, ws, steps[2]).Status)
	assert.Equal(t, model.StatusCurrent, f.reload(t, ws).Status)

	result = f.complete(t, ws, steps[2])
	fresh := f.reload(t, ws)
	assert.Equal(t, model.StatusCompleted, fresh.Status)
	assert.NotNil(t, fresh.CompletedAt)
	assert.Equal(t, []uuid.UUID{ws.ID}, result.CompletedWorkflows)
}

func TestStateMachine_DiamondWaitsForAllDependencies(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "diamond", "root", "left", "right", "join")
	f.dependStep(t, wf, steps[1], steps[0])
	f.dependStep(t, wf, steps[2], steps[0])
	f.dependStep(t, wf, steps[3], steps[1])
	f.dependStep(t, wf, steps[3], steps[2])
	ws := f.enroll(t, wf, "user-1")

	f.complete(t, ws, steps[0])
	f.complete(t, ws, steps[1])
	assert.Equal(t, model.StatusPending, f.stepState(t, ws, steps[3]).Status)

	f.complete(t, ws, steps[2])
	assert.Equal(t, model.StatusCurrent, f.stepState(t, ws, steps[3]).Status)
}

func TestStateMachine_ResetRegressesDependents(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "chain", "A", "B", "C")
	f.chain(t, wf, steps)
	ws := f.enroll(t, wf, "user-1")
	for _, s := range steps {
		f.complete(t, ws, s)
	}
	require.Equal(t, model.StatusCompleted, f.reload(t, ws).Status)

	b := f.stepState(t, ws, steps[1])
	c := f.stepState(t, ws, steps[2])
	result := f.reset(t, ws, steps[1])

	assert.Equal(t, []model.Status{model.StatusCompleted, model.StatusCurrent, model.StatusPending}, f.statuses(t, ws, steps))
	assert.ElementsMatch(t, []uuid.UUID{b.ID, c.ID}, result.Regressed)

	resetB := f.stepState(t, ws, steps[1])
	assert.Nil(t, resetB.Data)
	assert.Nil(t, resetB.CompletedAt)
	assert.Nil(t, f.stepState(t, ws, steps[2]).StartedAt)

	fresh := f.reload(t, ws)
	assert.Equal(t, model.StatusCurrent, fresh.Status)
	assert.Nil(t, fresh.CompletedAt)
}

func TestStateMachine_ResetReportsCurrentDependents(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "chain", "A", "B")
	f.chain(t, wf, steps)
	ws := f.enroll(t, wf, "user-1")
	f.complete(t, ws, steps[0])

	a := f.stepState(t, ws, steps[0])
	b := f.stepState(t, ws, steps[1])
	require.Equal(t, model.StatusCurrent, b.Status)

	result := f.reset(t, ws, steps[0])
	assert.Equal(t, []model.Status{model.StatusCurrent, model.StatusPending}, f.statuses(t, ws, steps))
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, result.Regressed)
	assert.Contains(t, result.Promoted, a.ID)
}

func TestStateMachine_CrossWorkflowGating(t *testing.T) {
	f := newEngineFixture(t)
	first, firstSteps := f.workflow(t, "first", "A")
	second, secondSteps := f.workflow(t, "second", "X", "Y")
	f.chain(t, second, secondSteps)
	f.dependWorkflow(t, second, first)

	wsFirst := f.enroll(t, first, "user-1")
	wsSecond := f.enroll(t, second, "user-1")

	assert.Equal(t, model.StatusPending, f.reload(t, wsSecond).Status)
	assert.Equal(t, []model.Status{model.StatusPending, model.StatusPending}, f.statuses(t, wsSecond, secondSteps))

	f.complete(t, wsFirst, firstSteps[0])
	assert.Equal(t, model.StatusCompleted, f.reload(t, wsFirst).Status)
	assert.Equal(t, model.StatusCurrent, f.reload(t, wsSecond).Status)
	assert.Equal(t, []model.Status{model.StatusCurrent, model.StatusPending}, f.statuses(t, wsSecond, secondSteps))

	f.complete(t, wsSecond, secondSteps[0])

	f.reset(t, wsFirst, firstSteps[0])
	regressed := f.reload(t, wsSecond)
	assert.Equal(t, model.StatusPending, regressed.Status)
	assert.Nil(t, regressed.StartedAt)
	assert.Equal(t, []model.Status{model.StatusCompleted, model.StatusPending}, f.statuses(t, wsSecond, secondSteps))

	f.complete(t, wsFirst, firstSteps[0])
	assert.Equal(t, model.StatusCurrent, f.reload(t, wsSecond).Status)
	assert.Equal(t, []model.Status{model.StatusCompleted, model.StatusCurrent}, f.statuses(t, wsSecond, secondSteps))
}

func TestStateMachine_ClosedGateKeepsCompletedWorkflow(t *testing.T) {
	f := newEngineFixture(t)
	first, firstSteps := f.workflow(t, "first", "A")
	second, secondSteps := f.workflow(t, "second", "X")
	f.dependWorkflow(t, second, first)

	wsFirst := f.enroll(t, first, "user-1")
	wsSecond := f.enroll(t, second, "user-1")
	f.complete(t, wsFirst, firstSteps[0])
	f.complete(t, wsSecond, secondSteps[0])
	require.Equal(t, model.StatusCompleted, f.reload(t, wsSecond).Status)

	f.reset(t, wsFirst, firstSteps[0])
	assert.Equal(t, model.StatusPending, f.reload(t, wsSecond).Status)
	assert.Equal(t, model.StatusCompleted, f.stepState(t, wsSecond, secondSteps[0]).Status)

	result := f.complete(t, wsFirst, firstSteps[0])
	assert.Equal(t, model.StatusCompleted, f.reload(t, wsSecond).Status)
	assert.ElementsMatch(t, []uuid.UUID{wsFirst.ID, wsSecond.ID}, result.CompletedWorkflows)
}

func TestStateMachine_GatingIsPerUser(t *testing.T) {
	f := newEngineFixture(t)
	first, firstSteps := f.workflow(t, "first", "A")
	second, _ := f.workflow(t, "second", "X")
	f.dependWorkflow(t, second, first)

	alice := f.enroll(t, first, "alice")
	bob := f.enroll(t, second, "bob")
	f.complete(t, alice, firstSteps[0])

	assert.Equal(t, model.StatusPending, f.reload(t, bob).Status)
}

func TestStateMachine_RecomputeIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "chain", "A", "B")
	f.chain(t, wf, steps)
	ws := f.enroll(t, wf, "user-1")
	f.complete(t, ws, steps[0])

	before := f.stepState(t, ws, steps[1])
	for i := 0; i < 2; i++ {
		fresh := f.reload(t, ws)
		err := f.db.Transaction(func(tx *gorm.DB) error {
			result, err := f.sm.Recompute(context.Background(), tx, fresh)
			if err != nil {
				return err
			}
			assert.True(t, result.Empty())
			return nil
		})
		require.NoError(t, err)
	}
	after := f.stepState(t, ws, steps[1])
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.StartedAt, after.StartedAt)
}

func TestStateMachine_InitializationGating(t *testing.T) {
	f := newEngineFixture(t)
	wf := &model.Workflow{Name: "video", Behavior: "SEQUENTIAL", Resource: "dataset", Active: true}
	require.NoError(t, f.db.Create(wf).Error)
	s := model.Step{WorkflowID: wf.ID, Name: "briefing", Kind: "VIDEO", InitializationRequired: true}
	require.NoError(t, f.db.Create(&s).Error)

	ws := f.enroll(t, wf, "user-1")
	ss := f.stepState(t, ws, s)
	assert.Equal(t, model.StatusPending, ss.Status)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		init := &model.StepStateInitialization{StepStateID: ss.ID, Data: map[string]any{"videoUrl": "https://cdn/v.mp4"}, CreatedBy: "admin"}
		if err := f.store.CreateInitializationInTx(context.Background(), tx, init); err != nil {
			return err
		}
		_, err := f.sm.Recompute(context.Background(), tx, ws, ss.StepID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCurrent, f.stepState(t, ws, s).Status)
}

func TestStateMachine_ApplyStepSubmission(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "chain", "A", "B")
	f.chain(t, wf, steps)
	ws := f.enroll(t, wf, "user-1")

	t.Run("Pending step is rejected", func(t *testing.T) {
		ss := f.stepState(t, ws, steps[1])
		err := f.db.Transaction(func(tx *gorm.DB) error {
			_, err := f.sm.ApplyStepSubmission(context.Background(), tx, ws, ss, &step.Outcome{Complete: true})
			return err
		})
		assert.True(t, model.IsKind(err, model.KindInvalidTransition))
	})

	t.Run("Current step stores data and completes", func(t *testing.T) {
		ss := f.stepState(t, ws, steps[0])
		err := f.db.Transaction(func(tx *gorm.DB) error {
			_, err := f.sm.ApplyStepSubmission(context.Background(), tx, ws, ss, &step.Outcome{
				Data:     map[string]any{"purpose": "research"},
				Complete: true,
			})
			return err
		})
		require.NoError(t, err)
		a := f.stepState(t, ws, steps[0])
		assert.Equal(t, model.StatusCompleted, a.Status)
		assert.Equal(t, "research", a.Data["purpose"])
		assert.Equal(t, model.StatusCurrent, f.stepState(t, ws, steps[1]).Status)
	})
}

func TestStateMachine_IndefiniteStep(t *testing.T) {
	f := newEngineFixture(t)
	wf := &model.Workflow{Name: "standing", Behavior: "CHECKLIST", Resource: "dataset", Active: true}
	require.NoError(t, f.db.Create(wf).Error)
	s := model.Step{WorkflowID: wf.ID, Name: "monthly report", Kind: "FILE_UPLOAD", Indefinite: true}
	require.NoError(t, f.db.Create(&s).Error)
	ws := f.enroll(t, wf, "user-1")

	ss := f.stepState(t, ws, s)
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.sm.ApplyStepSubmission(context.Background(), tx, ws, ss, &step.Outcome{
			File:     &model.FileRef{Key: "k", Name: "report.pdf"},
			Complete: true,
		})
		return err
	})
	require.NoError(t, err)
	ss = f.stepState(t, ws, s)
	assert.Equal(t, model.StatusCurrent, ss.Status)
	require.NotNil(t, ss.File)
	assert.Equal(t, "report.pdf", ss.File.Name)

	f.complete(t, ws, s)
	assert.Equal(t, model.StatusCompleted, f.stepState(t, ws, s).Status)
	assert.Equal(t, model.StatusCompleted, f.reload(t, ws).Status)
}

func TestStateMachine_EmptyWorkflowCompletes(t *testing.T) {
	f := newEngineFixture(t)
	wf, _ := f.workflow(t, "empty")
	ws := f.enroll(t, wf, "user-1")

	fresh := f.reload(t, ws)
	assert.Equal(t, model.StatusCompleted, fresh.Status)
	assert.NotNil(t, fresh.CompletedAt)
}

func TestStateMachine_CycleIsConfigurationError(t *testing.T) {
	f := newEngineFixture(t)
	wf, steps := f.workflow(t, "cyclic", "A", "B")
	f.dependStep(t, wf, steps[0], steps[1])
	f.dependStep(t, wf, steps[1], steps[0])

	ws := &model.WorkflowState{UserID: "user-1", WorkflowID: wf.ID, Status: model.StatusPending}
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.store.CreateWorkflowStateInTx(context.Background(), tx, ws); err != nil {
			return err
		}
		_, err := f.sm.InitializeStepStates(context.Background(), tx, ws)
		return err
	})
	assert.True(t, model.IsKind(err, model.KindConfiguration))

	var count int64
	require.NoError(t, f.db.Model(&model.WorkflowState{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestStateMachine_RecordsTransitions(t *testing.T) {
	f := newEngineFixture(t)
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	f.sm.metrics = metrics
	wf, steps := f.workflow(t, "chain", "A", "B")
	f.chain(t, wf, steps)
	ws := f.enroll(t, wf, "user-1")

	f.complete(t, ws, steps[0])

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StepTransitionsTotal.WithLabelValues("PENDING", "CURRENT")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StepTransitionsTotal.WithLabelValues("CURRENT", "COMPLETED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkflowTransitionsTotal.WithLabelValues("PENDING", "CURRENT")))
}
