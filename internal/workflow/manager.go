package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/accessportal/internal/auth"
	"github.com/OpenNSW/accessportal/internal/notification"
	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/step/container"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
	"github.com/OpenNSW/accessportal/internal/workflow/service"
)

// ActionResult is what a state-changing request did. Warnings carry
// collaborator failures that happened after the transition committed.
type ActionResult struct {
	StepState      *model.StepState               `json:"stepState,omitempty"`
	Review         *model.StepStateReview         `json:"review,omitempty"`
	Version        *model.StepStateVersion        `json:"version,omitempty"`
	Initialization *model.StepStateInitialization `json:"initialization,omitempty"`
	Promoted       []uuid.UUID                    `json:"promoted,omitempty"`
	Regressed      []uuid.UUID                    `json:"regressed,omitempty"`
	Completed      []uuid.UUID                    `json:"completedWorkflows,omitempty"`
	Warnings       []string                       `json:"warnings,omitempty"`
}

// Manager is the per-request entry point of the engine. Each method
// authorizes the caller, runs the transition in one transaction under the
// owning user's aggregate lock and fires side effects after commit.
type Manager struct {
	db          *gorm.DB
	store       service.Store
	registry    *step.Registry
	sm          *service.StateMachine
	reviews     *service.ReviewService
	enrollments *service.EnrollmentService
	authorizer  auth.Authorizer
	urls        container.URLResolver
	notifier    notification.Notifier
	metrics     *observability.Metrics
}

// Config carries the collaborators of a Manager. URLs and Notifier may be nil.
type Config struct {
	DB         *gorm.DB
	Store      service.Store
	Registry   *step.Registry
	Authorizer auth.Authorizer
	URLs       container.URLResolver
	Notifier   notification.Notifier
	Metrics    *observability.Metrics
}

// NewManager wires the engine services around one store.
func NewManager(cfg Config) *Manager {
	store := cfg.Store
	if store == nil {
		store = service.NewGormStore()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notification.LogNotifier{}
	}
	sm := service.NewStateMachine(store, cfg.Metrics)
	return &Manager{
		db:          cfg.DB,
		store:       store,
		registry:    cfg.Registry,
		sm:          sm,
		reviews:     service.NewReviewService(store, sm, cfg.Metrics),
		enrollments: service.NewEnrollmentService(store, sm, cfg.Metrics),
		authorizer:  cfg.Authorizer,
		urls:        cfg.URLs,
		notifier:    notifier,
		metrics:     cfg.Metrics,
	}
}

// StateMachine returns the state machine every transition of m runs through.
func (m *Manager) StateMachine() *service.StateMachine {
	return m.sm
}

// RequireAdministrator fails with an authorization error unless p administers resource.
func (m *Manager) RequireAdministrator(ctx context.Context, p *auth.Principal, resource string) error {
	if p == nil {
		return model.NewAuthorizationError("authentication required")
	}
	ok, err := m.authorizer.IsAdministrator(ctx, p, resource)
	if err != nil {
		slog.WarnContext(ctx, "authorization check failed", "subject", p.Subject, "resource", resource, "error", err)
		return model.NewAuthorizationError("administrator capability could not be verified")
	}
	if !ok {
		return model.NewAuthorizationError(fmt.Sprintf("administrator capability required on %s", resource))
	}
	return nil
}

// target is a StepState loaded under its owner's aggregate lock.
type target struct {
	ws   *model.WorkflowState
	ss   *model.StepState
	step *model.Step
	wf   *model.Workflow
	init *model.StepStateInitialization
}

// lockTarget resolves the StepState, takes the owner's lock and rereads the
// rows so the transition sees current data.
func (m *Manager) lockTarget(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (*target, error) {
	ss, err := m.store.GetStepStateInTx(ctx, tx, stepStateID)
	if err != nil {
		return nil, err
	}
	ws, err := m.store.GetWorkflowStateInTx(ctx, tx, ss.WorkflowStateID)
	if err != nil {
		return nil, err
	}
	locked, err := m.store.LockWorkflowStatesByUserInTx(ctx, tx, ws.UserID)
	if err != nil {
		return nil, err
	}
	for i := range locked {
		if locked[i].ID == ws.ID {
			ws = &locked[i]
			break
		}
	}
	if ss, err = m.store.GetStepStateInTx(ctx, tx, stepStateID); err != nil {
		return nil, err
	}

	st, err := m.store.GetStepInTx(ctx, tx, ss.StepID)
	if err != nil {
		return nil, err
	}
	wf, err := m.store.GetWorkflowInTx(ctx, tx, ws.WorkflowID)
	if err != nil {
		return nil, err
	}
	inits, err := m.store.GetInitializationsInTx(ctx, tx, []uuid.UUID{ss.ID})
	if err != nil {
		return nil, err
	}
	t := &target{ws: ws, ss: ss, step: st, wf: wf}
	if len(inits) > 0 {
		t.init = &inits[0]
	}
	return t, nil
}

// authorizeTarget allows the owner, or an administrator of the workflow's
// resource. Administration requests always need the latter.
func (m *Manager) authorizeTarget(ctx context.Context, p *auth.Principal, t *target, administration bool) error {
	if p == nil {
		return model.NewAuthorizationError("authentication required")
	}
	if !administration && t.ws.UserID == p.Subject {
		return nil
	}
	return m.RequireAdministrator(ctx, p, t.wf.Resource)
}

func (m *Manager) controller(ctx context.Context, t *target, administration bool) (*container.Container, error) {
	executable, err := m.registry.Build(t.step)
	if err != nil {
		return nil, err
	}
	return container.NewContainer(t.ws, t.ss, t.step, t.init, administration, executable, m.urls), nil
}

// transact runs fn in a transaction and sends the notifications it
// produced once the transaction has committed.
func (m *Manager) transact(ctx context.Context, fn func(tx *gorm.DB) (*ActionResult, []notification.Message, error)) (*ActionResult, error) {
	var result *ActionResult
	var messages []notification.Message
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, messages, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, m.notify(ctx, messages)...)
	return result, nil
}

func (m *Manager) notify(ctx context.Context, messages []notification.Message) []string {
	var warnings []string
	for _, msg := range messages {
		if msg.To == "" {
			slog.InfoContext(ctx, "skipping notification without recipient", "event", msg.Event, "userID", msg.UserID)
			continue
		}
		err := m.notifier.Notify(ctx, msg)
		m.metrics.RecordNotification(err == nil)
		if err != nil {
			slog.WarnContext(ctx, "notification delivery failed",
				"event", msg.Event,
				"userID", msg.UserID,
				"error", err)
			warnings = append(warnings, fmt.Sprintf("notification %s could not be delivered", msg.Event))
		}
	}
	return warnings
}

func fromCascade(ss *model.StepState, c *service.CascadeResult) *ActionResult {
	r := &ActionResult{StepState: ss}
	if c == nil {
		return r
	}
	if updated := c.StepState(ss.ID); updated != nil {
		r.StepState = updated
	}
	r.Promoted = c.Promoted
	r.Regressed = c.Regressed
	r.Completed = c.CompletedWorkflows
	return r
}

// Enroll creates the caller's WorkflowState for workflowID.
func (m *Manager) Enroll(ctx context.Context, p *auth.Principal, workflowID uuid.UUID) (*model.WorkflowState, bool, error) {
	if p == nil {
		return nil, false, model.NewAuthorizationError("authentication required")
	}
	var ws *model.WorkflowState
	var created bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := m.store.LockWorkflowStatesByUserInTx(ctx, tx, p.Subject); err != nil {
			return err
		}
		var err error
		ws, created, err = m.enrollments.Enroll(ctx, tx, p.Subject, p.Email, workflowID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return ws, created, nil
}

// Render produces the view model of a StepState.
func (m *Manager) Render(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID, administration bool) (*step.RenderInfo, error) {
	var info *step.RenderInfo
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := m.loadTarget(ctx, tx, stepStateID)
		if err != nil {
			return err
		}
		if err := m.authorizeTarget(ctx, p, t, administration); err != nil {
			return err
		}
		c, err := m.controller(ctx, t, administration)
		if err != nil {
			return err
		}
		info, err = c.Render(ctx)
		return err
	})
	return info, err
}

// loadTarget reads a StepState and its context without locking.
func (m *Manager) loadTarget(ctx context.Context, tx *gorm.DB, stepStateID uuid.UUID) (*target, error) {
	ss, err := m.store.GetStepStateInTx(ctx, tx, stepStateID)
	if err != nil {
		return nil, err
	}
	ws, err := m.store.GetWorkflowStateInTx(ctx, tx, ss.WorkflowStateID)
	if err != nil {
		return nil, err
	}
	st, err := m.store.GetStepInTx(ctx, tx, ss.StepID)
	if err != nil {
		return nil, err
	}
	wf, err := m.store.GetWorkflowInTx(ctx, tx, ws.WorkflowID)
	if err != nil {
		return nil, err
	}
	inits, err := m.store.GetInitializationsInTx(ctx, tx, []uuid.UUID{ss.ID})
	if err != nil {
		return nil, err
	}
	t := &target{ws: ws, ss: ss, step: st, wf: wf}
	if len(inits) > 0 {
		t.init = &inits[0]
	}
	return t, nil
}

// Submit hands raw user input to the step controller and applies its outcome.
func (m *Manager) Submit(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID, raw json.RawMessage) (*ActionResult, error) {
	return m.transact(ctx, func(tx *gorm.DB) (*ActionResult, []notification.Message, error) {
		t, err := m.lockTarget(ctx, tx, stepStateID)
		if err != nil {
			return nil, nil, err
		}
		if err := m.authorizeTarget(ctx, p, t, false); err != nil {
			return nil, nil, err
		}
		c, err := m.controller(ctx, t, false)
		if err != nil {
			return nil, nil, err
		}
		outcome, err := c.AcceptSubmission(ctx, raw)
		if err != nil {
			return nil, nil, err
		}
		cascade, err := m.sm.ApplyStepSubmission(ctx, tx, t.ws, t.ss, outcome)
		if err != nil {
			return nil, nil, err
		}
		return fromCascade(t.ss, cascade), nil, nil
	})
}

// AttachFile records a stored file against a StepState. In administration
// mode a step awaiting initialization receives the file as its Initialization.
func (m *Manager) AttachFile(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID, file model.FileRef, raw json.RawMessage, administration bool) (*ActionResult, error) {
	return m.transact(ctx, func(tx *gorm.DB) (*ActionResult, []notification.Message, error) {
		t, err := m.lockTarget(ctx, tx, stepStateID)
		if err != nil {
			return nil, nil, err
		}
		if err := m.authorizeTarget(ctx, p, t, administration); err != nil {
			return nil, nil, err
		}
		c, err := m.controller(ctx, t, administration)
		if err != nil {
			return nil, nil, err
		}
		outcome, err := c.AcceptFile(ctx, file, raw)
		if err != nil {
			return nil, nil, err
		}

		if outcome.Initialization != nil {
			res, err := m.reviews.Initialize(ctx, tx, t.ws, t.ss, p.Subject, outcome.Initialization.Data, outcome.Initialization.File)
			if err != nil {
				return nil, nil, err
			}
			r := fromCascade(t.ss, res.Cascade)
			r.Initialization = res.Initialization
			return r, res.Notifications, nil
		}
		if administration {
			return nil, nil, model.NewInvalidTransitionError("only steps awaiting initialization accept administrator files")
		}
		cascade, err := m.sm.ApplyStepSubmission(ctx, tx, t.ws, t.ss, outcome)
		if err != nil {
			return nil, nil, err
		}
		return fromCascade(t.ss, cascade), nil, nil
	})
}

// Complete explicitly completes a CURRENT StepState. It is the only way an
// indefinite step reaches COMPLETED and needs administrator capability.
func (m *Manager) Complete(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID) (*ActionResult, error) {
	return m.transact(ctx, func(tx *gorm.DB) (*ActionResult, []notification.Message, error) {
		t, err := m.lockTarget(ctx, tx, stepStateID)
		if err != nil {
			return nil, nil, err
		}
		if err := m.authorizeTarget(ctx, p, t, true); err != nil {
			return nil, nil, err
		}
		cascade, err := m.sm.CompleteStep(ctx, tx, t.ws, t.ss)
		if err != nil {
			return nil, nil, err
		}
		return fromCascade(t.ss, cascade), nil, nil
	})
}

// Review records an administrator decision on a completed submission.
func (m *Manager) Review(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID, decision model.ReviewDTO) (*ActionResult, error) {
	return m.transact(ctx, func(tx *gorm.DB) (*ActionResult, []notification.Message, error) {
		t, err := m.lockTarget(ctx, tx, stepStateID)
		if err != nil {
			return nil, nil, err
		}
		if err := m.authorizeTarget(ctx, p, t, true); err != nil {
			return nil, nil, err
		}

		var res *service.ReviewResult
		switch decision.Status {
		case model.ReviewStatusApproved:
			res, err = m.reviews.Approve(ctx, tx, t.ws, t.ss, p.Subject, decision.Message)
		case model.ReviewStatusRejected:
			res, err = m.reviews.Reject(ctx, tx, t.ws, t.ss, p.Subject, decision.Message)
		default:
			err = model.NewValidationError("unknown review status",
				model.FieldError{Field: "status", Code: "invalid", Message: "status must be APPROVED or REJECTED"})
		}
		if err != nil {
			return nil, nil, err
		}
		r := fromCascade(t.ss, res.Cascade)
		r.Review = res.Review
		r.Version = res.Version
		return r, res.Notifications, nil
	})
}

// Initialize attaches administrator-seeded content to a StepState.
func (m *Manager) Initialize(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID, in model.InitializeStepDTO) (*ActionResult, error) {
	return m.transact(ctx, func(tx *gorm.DB) (*ActionResult, []notification.Message, error) {
		t, err := m.lockTarget(ctx, tx, stepStateID)
		if err != nil {
			return nil, nil, err
		}
		if err := m.authorizeTarget(ctx, p, t, true); err != nil {
			return nil, nil, err
		}
		res, err := m.reviews.Initialize(ctx, tx, t.ws, t.ss, p.Subject, in.Data, in.File)
		if err != nil {
			return nil, nil, err
		}
		r := fromCascade(t.ss, res.Cascade)
		r.Initialization = res.Initialization
		return r, res.Notifications, nil
	})
}

// OverrideRequiresApproval changes the approval gate of one StepState.
func (m *Manager) OverrideRequiresApproval(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID, requiresApproval bool) (*ActionResult, error) {
	return m.transact(ctx, func(tx *gorm.DB) (*ActionResult, []notification.Message, error) {
		t, err := m.lockTarget(ctx, tx, stepStateID)
		if err != nil {
			return nil, nil, err
		}
		if err := m.authorizeTarget(ctx, p, t, true); err != nil {
			return nil, nil, err
		}
		if err := m.reviews.OverrideRequiresApproval(ctx, tx, t.ss, requiresApproval); err != nil {
			return nil, nil, err
		}
		return &ActionResult{StepState: t.ss}, nil, nil
	})
}

// History holds the superseded versions and decisions of a StepState.
type History struct {
	Versions []model.StepStateVersion `json:"versions"`
	Reviews  []model.StepStateReview  `json:"reviews"`
}

// History returns the version and review history of a StepState.
func (m *Manager) History(ctx context.Context, p *auth.Principal, stepStateID uuid.UUID) (*History, error) {
	var h History
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := m.loadTarget(ctx, tx, stepStateID)
		if err != nil {
			return err
		}
		if err := m.authorizeTarget(ctx, p, t, true); err != nil {
			return err
		}
		h.Versions, h.Reviews, err = m.reviews.History(ctx, tx, stepStateID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// AwaitingReview pages through submissions of resource an administrator still has to decide.
func (m *Manager) AwaitingReview(ctx context.Context, p *auth.Principal, resource string, offset, limit int) ([]model.StepStateResponseDTO, int64, error) {
	if err := m.RequireAdministrator(ctx, p, resource); err != nil {
		return nil, 0, err
	}
	states, total, err := m.store.ListAwaitingReviewInTx(ctx, m.db, resource, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]model.StepStateResponseDTO, len(states))
	for i := range states {
		out[i] = toStepStateDTO(&states[i], states[i].Step)
	}
	return out, total, nil
}
