package workflow

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/accessportal/internal/auth"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
	"github.com/OpenNSW/accessportal/internal/workflow/service"
)

func toStepStateDTO(ss *model.StepState, st *model.Step) model.StepStateResponseDTO {
	dto := model.StepStateResponseDTO{
		ID:               ss.ID,
		StepID:           ss.StepID,
		Status:           ss.Status,
		Data:             ss.Data,
		File:             ss.File,
		RequiresApproval: ss.RequiresApproval,
		Approved:         service.IsApproved(ss),
		StartedAt:        model.FormatTime(ss.StartedAt),
		CompletedAt:      model.FormatTime(ss.CompletedAt),
		ApprovedAt:       model.FormatTime(ss.ApprovedAt),
	}
	if st != nil {
		dto.StepName = st.Name
		dto.Kind = st.Kind
	}
	return dto
}

// describe renders ws with its StepStates in resolver order, filtered and
// annotated by the workflow behavior.
func (m *Manager) describe(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, wf *model.Workflow, administration bool) (*model.WorkflowStateResponseDTO, error) {
	behavior, err := m.registry.Behavior(wf.Behavior)
	if err != nil {
		return nil, err
	}
	steps, err := m.store.GetStepsByWorkflowIDInTx(ctx, tx, wf.ID)
	if err != nil {
		return nil, err
	}
	deps, err := m.store.GetStepDependenciesByWorkflowIDInTx(ctx, tx, wf.ID)
	if err != nil {
		return nil, err
	}
	order, _, err := service.ResolveSteps(steps, deps)
	if err != nil {
		return nil, err
	}
	states, err := m.store.GetStepStatesByWorkflowStateIDInTx(ctx, tx, ws.ID)
	if err != nil {
		return nil, err
	}

	byStep := make(map[uuid.UUID]*model.StepState, len(states))
	for i := range states {
		byStep[states[i].StepID] = &states[i]
	}
	stepByID := make(map[uuid.UUID]*model.Step, len(steps))
	for i := range steps {
		stepByID[steps[i].ID] = &steps[i]
	}

	ordered := make([]*model.StepState, 0, len(order))
	for _, id := range order {
		if ss, ok := byStep[id]; ok {
			ordered = append(ordered, ss)
		}
	}

	dto := &model.WorkflowStateResponseDTO{
		ID:           ws.ID,
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		UserID:       ws.UserID,
		Status:       ws.Status,
		StartedAt:    model.FormatTime(ws.StartedAt),
		CompletedAt:  model.FormatTime(ws.CompletedAt),
		Steps:        make([]model.StepStateResponseDTO, 0, len(ordered)),
	}
	if current := behavior.CurrentStep(ordered); current != nil {
		id := current.ID
		dto.CurrentStep = &id
	}
	for _, ss := range ordered {
		if !administration && !behavior.Visible(ss) {
			continue
		}
		dto.Steps = append(dto.Steps, toStepStateDTO(ss, stepByID[ss.StepID]))
	}
	return dto, nil
}

// Dashboard lists the caller's WorkflowStates in workflow dependency order,
// priority breaking ties.
func (m *Manager) Dashboard(ctx context.Context, p *auth.Principal) ([]model.WorkflowStateResponseDTO, error) {
	if p == nil {
		return nil, model.NewAuthorizationError("authentication required")
	}
	var out []model.WorkflowStateResponseDTO
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		states, err := m.store.GetWorkflowStatesByUserInTx(ctx, tx, p.Subject)
		if err != nil {
			return err
		}
		ids := make([]uuid.UUID, len(states))
		byWorkflow := make(map[uuid.UUID]*model.WorkflowState, len(states))
		for i := range states {
			ids[i] = states[i].WorkflowID
			byWorkflow[states[i].WorkflowID] = &states[i]
		}
		workflows, err := m.store.GetWorkflowsByIDsInTx(ctx, tx, ids)
		if err != nil {
			return err
		}
		deps, err := m.store.GetWorkflowDependenciesInTx(ctx, tx)
		if err != nil {
			return err
		}
		order, err := service.ResolveWorkflows(workflows, deps)
		if err != nil {
			return err
		}

		wfByID := make(map[uuid.UUID]*model.Workflow, len(workflows))
		for i := range workflows {
			wfByID[workflows[i].ID] = &workflows[i]
		}
		out = make([]model.WorkflowStateResponseDTO, 0, len(order))
		for _, id := range order {
			dto, err := m.describe(ctx, tx, byWorkflow[id], wfByID[id], false)
			if err != nil {
				return err
			}
			out = append(out, *dto)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetWorkflowState returns one WorkflowState to its owner or to an
// administrator of its resource, who also sees hidden steps.
func (m *Manager) GetWorkflowState(ctx context.Context, p *auth.Principal, workflowStateID uuid.UUID) (*model.WorkflowStateResponseDTO, error) {
	if p == nil {
		return nil, model.NewAuthorizationError("authentication required")
	}
	var dto *model.WorkflowStateResponseDTO
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ws, err := m.store.GetWorkflowStateInTx(ctx, tx, workflowStateID)
		if err != nil {
			return err
		}
		wf, err := m.store.GetWorkflowInTx(ctx, tx, ws.WorkflowID)
		if err != nil {
			return err
		}
		administration := false
		if ws.UserID != p.Subject {
			if err := m.RequireAdministrator(ctx, p, wf.Resource); err != nil {
				return err
			}
			administration = true
		}
		dto, err = m.describe(ctx, tx, ws, wf, administration)
		return err
	})
	return dto, err
}

// AccessGranted reports whether userID has completed every active workflow
// of resource with every approval gate satisfied. A resource without active
// workflows grants nothing.
func (m *Manager) AccessGranted(ctx context.Context, userID, resource string) (bool, error) {
	granted := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workflows, err := m.store.GetActiveWorkflowsByResourceInTx(ctx, tx, resource)
		if err != nil || len(workflows) == 0 {
			return err
		}
		states, err := m.store.GetWorkflowStatesByUserInTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		byWorkflow := make(map[uuid.UUID]*model.WorkflowState, len(states))
		for i := range states {
			byWorkflow[states[i].WorkflowID] = &states[i]
		}

		for _, wf := range workflows {
			ws, ok := byWorkflow[wf.ID]
			if !ok || ws.Status != model.StatusCompleted {
				return nil
			}
			stepStates, err := m.store.GetStepStatesByWorkflowStateIDInTx(ctx, tx, ws.ID)
			if err != nil {
				return err
			}
			for i := range stepStates {
				if !service.IsApproved(&stepStates[i]) {
					return nil
				}
			}
		}
		granted = true
		return nil
	})
	return granted, err
}
