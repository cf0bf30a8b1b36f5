package service

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/workflow/graph"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// CascadeResult lists every entity a transition wrote.
type CascadeResult struct {
	// StepStates contains every StepState created or updated, ordered by ID.
	StepStates []*model.StepState

	// WorkflowStates contains every WorkflowState updated, ordered by ID.
	WorkflowStates []*model.WorkflowState

	// Promoted contains StepState IDs that became CURRENT.
	Promoted []uuid.UUID

	// Regressed contains StepState IDs that left COMPLETED or fell back from
	// CURRENT to PENDING.
	Regressed []uuid.UUID

	// CompletedWorkflows contains WorkflowState IDs that became COMPLETED.
	CompletedWorkflows []uuid.UUID
}

// Empty reports whether nothing was written.
func (r *CascadeResult) Empty() bool {
	return r == nil || (len(r.StepStates) == 0 && len(r.WorkflowStates) == 0)
}

// StepState returns the written StepState with the given ID, if any.
func (r *CascadeResult) StepState(id uuid.UUID) *model.StepState {
	if r == nil {
		return nil
	}
	for _, ss := range r.StepStates {
		if ss.ID == id {
			return ss
		}
	}
	return nil
}

// StateMachine owns every WorkflowState and StepState status transition and
// the cascades they trigger. All operations run inside the caller's transaction.
type StateMachine struct {
	store   Store
	metrics *observability.Metrics
	now     func() time.Time
}

// NewStateMachine creates a new StateMachine. metrics may be nil.
func NewStateMachine(store Store, metrics *observability.Metrics) *StateMachine {
	return &StateMachine{
		store:   store,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// InitializeStepStates materializes one StepState per Step of a new WorkflowState
// in resolver order and computes every status.
func (sm *StateMachine) InitializeStepStates(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState) (*CascadeResult, error) {
	return sm.Recompute(ctx, tx, ws)
}

// Recompute recalculates the statuses of the dependent closure of the changed
// steps (every step when none are given), then the WorkflowState, then every
// dependent WorkflowState of the same user. Only actual changes are written.
func (sm *StateMachine) Recompute(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, changed ...uuid.UUID) (*CascadeResult, error) {
	c, err := sm.newCascade(ctx, tx, ws)
	if err != nil {
		return nil, err
	}
	if err := c.run(ws, changed); err != nil {
		return nil, err
	}
	return c.flush()
}

// ApplyStepSubmission persists a controller outcome into ss and, unless the
// step is indefinite, completes it. The cascade runs from ss.
func (sm *StateMachine) ApplyStepSubmission(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, ss *model.StepState, outcome *step.Outcome) (*CascadeResult, error) {
	if outcome == nil {
		return nil, fmt.Errorf("outcome cannot be nil")
	}
	if ss.Status != model.StatusCurrent {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("step state %s is %s, only CURRENT steps accept input", ss.ID, ss.Status))
	}

	c, err := sm.newCascade(ctx, tx, ws)
	if err != nil {
		return nil, err
	}
	def, err := c.definition(ws.WorkflowID)
	if err != nil {
		return nil, err
	}
	s, ok := def.steps[ss.StepID]
	if !ok {
		return nil, model.NewNotFoundError("step", ss.StepID)
	}

	if outcome.Data != nil {
		ss.Data = outcome.Data
	}
	if outcome.File != nil {
		ss.File = outcome.File
	}
	if outcome.Complete && !s.Indefinite {
		c.setStepStatus(ss, model.StatusCompleted)
	}
	if err := c.override(ws, ss); err != nil {
		return nil, err
	}

	if err := c.run(ws, []uuid.UUID{ss.StepID}); err != nil {
		return nil, err
	}
	return c.flush()
}

// CompleteStep explicitly completes a CURRENT step. It is the only way an
// indefinite step reaches COMPLETED.
func (sm *StateMachine) CompleteStep(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, ss *model.StepState) (*CascadeResult, error) {
	if ss.Status == model.StatusCompleted {
		return &CascadeResult{}, nil
	}
	if ss.Status != model.StatusCurrent {
		return nil, model.NewInvalidTransitionError(fmt.Sprintf("step state %s is %s and cannot be completed", ss.ID, ss.Status))
	}

	c, err := sm.newCascade(ctx, tx, ws)
	if err != nil {
		return nil, err
	}
	c.setStepStatus(ss, model.StatusCompleted)
	if err := c.override(ws, ss); err != nil {
		return nil, err
	}
	if err := c.run(ws, []uuid.UUID{ss.StepID}); err != nil {
		return nil, err
	}
	return c.flush()
}

// ResetStepState returns ss to its pre-submission shape: data, file and
// approval are cleared and the status regresses. Dependents cascade.
func (sm *StateMachine) ResetStepState(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState, ss *model.StepState) (*CascadeResult, error) {
	c, err := sm.newCascade(ctx, tx, ws)
	if err != nil {
		return nil, err
	}

	ss.Data = nil
	ss.File = nil
	ss.ApprovedAt = nil
	c.setStepStatus(ss, model.StatusPending)
	if err := c.override(ws, ss); err != nil {
		return nil, err
	}
	if err := c.run(ws, []uuid.UUID{ss.StepID}); err != nil {
		return nil, err
	}
	return c.flush()
}

// definition is a workflow's resolved step graph.
type definition struct {
	workflowID uuid.UUID
	order      []uuid.UUID
	steps      map[uuid.UUID]*model.Step
	edges      []graph.Edge[uuid.UUID]
	prereqs    map[uuid.UUID][]uuid.UUID
}

// ResolveSteps orders steps by their dependencies. A cycle is a configuration error.
func ResolveSteps(steps []model.Step, deps []model.StepDependency) ([]uuid.UUID, []graph.Edge[uuid.UUID], error) {
	nodes := make([]graph.Node[uuid.UUID], len(steps))
	for i, s := range steps {
		nodes[i] = graph.Node[uuid.UUID]{Key: s.ID, Position: s.Position, Name: s.Name, Tie: s.ID.String()}
	}
	edges := make([]graph.Edge[uuid.UUID], len(deps))
	for i, d := range deps {
		edges[i] = graph.Edge[uuid.UUID]{Node: d.StepID, DependsOn: d.DependsOnID}
	}
	order, err := graph.Resolve(nodes, edges)
	if err != nil {
		return nil, nil, model.NewConfigurationError("step dependencies cannot be ordered", err)
	}
	return order, edges, nil
}

// ResolveWorkflows orders workflows by their dependencies, priority first.
func ResolveWorkflows(workflows []model.Workflow, deps []model.WorkflowDependency) ([]uuid.UUID, error) {
	known := make(map[uuid.UUID]struct{}, len(workflows))
	nodes := make([]graph.Node[uuid.UUID], len(workflows))
	for i, w := range workflows {
		known[w.ID] = struct{}{}
		nodes[i] = graph.Node[uuid.UUID]{Key: w.ID, Position: w.Priority, Name: w.Name, Tie: w.ID.String()}
	}
	edges := make([]graph.Edge[uuid.UUID], 0, len(deps))
	for _, d := range deps {
		_, a := known[d.WorkflowID]
		_, b := known[d.DependsOnID]
		if a && b {
			edges = append(edges, graph.Edge[uuid.UUID]{Node: d.WorkflowID, DependsOn: d.DependsOnID})
		}
	}
	order, err := graph.Resolve(nodes, edges)
	if err != nil {
		return nil, model.NewConfigurationError("workflow dependencies cannot be ordered", err)
	}
	return order, nil
}

// cascade holds the state of one user's aggregate while a transition is computed.
type cascade struct {
	sm  *StateMachine
	ctx context.Context
	tx  *gorm.DB
	now time.Time

	byWorkflow    map[uuid.UUID]*model.WorkflowState
	dependents    map[uuid.UUID][]uuid.UUID
	prerequisites map[uuid.UUID][]uuid.UUID
	defs          map[uuid.UUID]*definition
	stepStates    map[uuid.UUID]map[uuid.UUID]*model.StepState
	inits         map[uuid.UUID]map[uuid.UUID]*model.StepStateInitialization

	created     map[uuid.UUID]*model.StepState
	dirtySteps  map[uuid.UUID]*model.StepState
	dirtyStates map[uuid.UUID]*model.WorkflowState
	result      CascadeResult
}

func (sm *StateMachine) newCascade(ctx context.Context, tx *gorm.DB, ws *model.WorkflowState) (*cascade, error) {
	if ws == nil {
		return nil, fmt.Errorf("workflow state cannot be nil")
	}
	c := &cascade{
		sm:            sm,
		ctx:           ctx,
		tx:            tx,
		now:           sm.now(),
		byWorkflow:    make(map[uuid.UUID]*model.WorkflowState),
		dependents:    make(map[uuid.UUID][]uuid.UUID),
		prerequisites: make(map[uuid.UUID][]uuid.UUID),
		defs:          make(map[uuid.UUID]*definition),
		stepStates:    make(map[uuid.UUID]map[uuid.UUID]*model.StepState),
		inits:         make(map[uuid.UUID]map[uuid.UUID]*model.StepStateInitialization),
		created:       make(map[uuid.UUID]*model.StepState),
		dirtySteps:    make(map[uuid.UUID]*model.StepState),
		dirtyStates:   make(map[uuid.UUID]*model.WorkflowState),
	}

	states, err := sm.store.GetWorkflowStatesByUserInTx(ctx, tx, ws.UserID)
	if err != nil {
		return nil, err
	}
	for i := range states {
		c.byWorkflow[states[i].WorkflowID] = &states[i]
	}
	c.byWorkflow[ws.WorkflowID] = ws

	deps, err := sm.store.GetWorkflowDependenciesInTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		c.dependents[d.DependsOnID] = append(c.dependents[d.DependsOnID], d.WorkflowID)
		c.prerequisites[d.WorkflowID] = append(c.prerequisites[d.WorkflowID], d.DependsOnID)
	}
	for k := range c.dependents {
		slices.SortFunc(c.dependents[k], compareUUID)
	}
	return c, nil
}

func (c *cascade) definition(workflowID uuid.UUID) (*definition, error) {
	if def, ok := c.defs[workflowID]; ok {
		return def, nil
	}

	steps, err := c.sm.store.GetStepsByWorkflowIDInTx(c.ctx, c.tx, workflowID)
	if err != nil {
		return nil, err
	}
	deps, err := c.sm.store.GetStepDependenciesByWorkflowIDInTx(c.ctx, c.tx, workflowID)
	if err != nil {
		return nil, err
	}
	order, edges, err := ResolveSteps(steps, deps)
	if err != nil {
		return nil, err
	}

	def := &definition{
		workflowID: workflowID,
		order:      order,
		steps:      make(map[uuid.UUID]*model.Step, len(steps)),
		edges:      edges,
		prereqs:    graph.Prerequisites(edges),
	}
	for i := range steps {
		def.steps[steps[i].ID] = &steps[i]
	}
	c.defs[workflowID] = def
	return def, nil
}

// stepStatesOf loads the StepStates of ws keyed by step ID.
func (c *cascade) stepStatesOf(ws *model.WorkflowState) (map[uuid.UUID]*model.StepState, error) {
	if m, ok := c.stepStates[ws.ID]; ok {
		return m, nil
	}
	states, err := c.sm.store.GetStepStatesByWorkflowStateIDInTx(c.ctx, c.tx, ws.ID)
	if err != nil {
		return nil, err
	}
	m := make(map[uuid.UUID]*model.StepState, len(states))
	for i := range states {
		m[states[i].StepID] = &states[i]
	}
	c.stepStates[ws.ID] = m
	return m, nil
}

// override makes the caller's StepState the one the cascade works on.
func (c *cascade) override(ws *model.WorkflowState, ss *model.StepState) error {
	m, err := c.stepStatesOf(ws)
	if err != nil {
		return err
	}
	m[ss.StepID] = ss
	c.dirtySteps[ss.ID] = ss
	return nil
}

func (c *cascade) initializationsOf(ws *model.WorkflowState, states map[uuid.UUID]*model.StepState) (map[uuid.UUID]*model.StepStateInitialization, error) {
	if m, ok := c.inits[ws.ID]; ok {
		return m, nil
	}
	ids := make([]uuid.UUID, 0, len(states))
	for _, ss := range states {
		if _, isNew := c.created[ss.ID]; !isNew {
			ids = append(ids, ss.ID)
		}
	}
	slices.SortFunc(ids, compareUUID)
	inits, err := c.sm.store.GetInitializationsInTx(c.ctx, c.tx, ids)
	if err != nil {
		return nil, err
	}
	m := make(map[uuid.UUID]*model.StepStateInitialization, len(inits))
	for i := range inits {
		m[inits[i].StepStateID] = &inits[i]
	}
	c.inits[ws.ID] = m
	return m, nil
}

type pending struct {
	ws      *model.WorkflowState
	changed []uuid.UUID
}

// run recomputes ws and then every dependent WorkflowState whose prerequisites
// changed completion. The workflow graph is acyclic so the walk terminates.
func (c *cascade) run(ws *model.WorkflowState, changed []uuid.UUID) error {
	queue := []pending{{ws: ws, changed: changed}}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		flipped, err := c.recomputeWorkflowState(next.ws, next.changed)
		if err != nil {
			return err
		}
		if !flipped {
			continue
		}
		for _, dependentID := range c.dependents[next.ws.WorkflowID] {
			if dws, ok := c.byWorkflow[dependentID]; ok {
				queue = append(queue, pending{ws: dws})
			}
		}
	}
	return nil
}

// recomputeWorkflowState reports whether ws entered or left COMPLETED.
func (c *cascade) recomputeWorkflowState(ws *model.WorkflowState, changed []uuid.UUID) (bool, error) {
	def, err := c.definition(ws.WorkflowID)
	if err != nil {
		return false, err
	}
	states, err := c.stepStatesOf(ws)
	if err != nil {
		return false, err
	}

	fresh := make(map[uuid.UUID]struct{})
	for _, stepID := range def.order {
		if _, ok := states[stepID]; ok {
			continue
		}
		s := def.steps[stepID]
		ss := &model.StepState{
			BaseModel:        model.BaseModel{ID: uuid.New()},
			WorkflowStateID:  ws.ID,
			StepID:           stepID,
			Status:           model.StatusPending,
			RequiresApproval: s.RequiresApproval,
		}
		states[stepID] = ss
		c.created[ss.ID] = ss
		fresh[stepID] = struct{}{}
	}

	inits, err := c.initializationsOf(ws, states)
	if err != nil {
		return false, err
	}

	open := c.prerequisitesMet(ws)
	var scope map[uuid.UUID]struct{}
	if len(changed) > 0 && open == (ws.Status != model.StatusPending) {
		scope = graph.Descendants(def.edges, changed...)
		for id := range fresh {
			scope[id] = struct{}{}
		}
	}

	for _, stepID := range def.order {
		if scope != nil {
			if _, ok := scope[stepID]; !ok {
				continue
			}
		}
		ss := states[stepID]
		next := c.stepStatus(def, states, inits, stepID, open)
		if next != ss.Status {
			c.setStepStatus(ss, next)
			c.markStep(ss)
		}
	}

	next := model.StatusCurrent
	switch {
	case !open:
		next = model.StatusPending
	case allCompleted(def, states):
		next = model.StatusCompleted
	}

	wasCompleted := ws.Status == model.StatusCompleted
	if next != ws.Status {
		c.setWorkflowStatus(ws, next)
	}
	return wasCompleted != (ws.Status == model.StatusCompleted), nil
}

// stepStatus computes the status a StepState must have. COMPLETED is kept
// while every dependency stays COMPLETED, even when the workflow gate closes;
// a closed gate only holds back steps that are not yet done.
func (c *cascade) stepStatus(def *definition, states map[uuid.UUID]*model.StepState, inits map[uuid.UUID]*model.StepStateInitialization, stepID uuid.UUID, open bool) model.Status {
	ss := states[stepID]
	for _, depID := range def.prereqs[stepID] {
		dep, ok := states[depID]
		if !ok || dep.Status != model.StatusCompleted {
			return model.StatusPending
		}
	}
	if ss.Status == model.StatusCompleted {
		return model.StatusCompleted
	}
	if !open {
		return model.StatusPending
	}
	if def.steps[stepID].InitializationRequired && inits[ss.ID] == nil {
		return model.StatusPending
	}
	return model.StatusCurrent
}

func (c *cascade) prerequisitesMet(ws *model.WorkflowState) bool {
	for _, prereqID := range c.prerequisites[ws.WorkflowID] {
		dep, ok := c.byWorkflow[prereqID]
		if !ok || dep.Status != model.StatusCompleted {
			return false
		}
	}
	return true
}

func allCompleted(def *definition, states map[uuid.UUID]*model.StepState) bool {
	for _, stepID := range def.order {
		if states[stepID].Status != model.StatusCompleted {
			return false
		}
	}
	return true
}

// setStepStatus applies a status change and its timestamp rules.
func (c *cascade) setStepStatus(ss *model.StepState, next model.Status) {
	prev := ss.Status
	if prev == next {
		return
	}
	now := c.now
	switch next {
	case model.StatusCurrent:
		if ss.StartedAt == nil {
			ss.StartedAt = &now
		}
		ss.CompletedAt = nil
		c.result.Promoted = append(c.result.Promoted, ss.ID)
	case model.StatusCompleted:
		if ss.StartedAt == nil {
			ss.StartedAt = &now
		}
		ss.CompletedAt = &now
	case model.StatusPending:
		ss.StartedAt = nil
		ss.CompletedAt = nil
	}
	if prev == model.StatusCompleted || (prev == model.StatusCurrent && next == model.StatusPending) {
		c.result.Regressed = append(c.result.Regressed, ss.ID)
	}
	ss.Status = next
	if prev != "" {
		c.sm.metrics.RecordStepTransition(string(prev), string(next))
	}
}

func (c *cascade) markStep(ss *model.StepState) {
	if _, isNew := c.created[ss.ID]; isNew {
		return
	}
	c.dirtySteps[ss.ID] = ss
}

func (c *cascade) setWorkflowStatus(ws *model.WorkflowState, next model.Status) {
	prev := ws.Status
	now := c.now
	switch next {
	case model.StatusCurrent:
		if ws.StartedAt == nil {
			ws.StartedAt = &now
		}
		ws.CompletedAt = nil
	case model.StatusCompleted:
		if ws.StartedAt == nil {
			ws.StartedAt = &now
		}
		ws.CompletedAt = &now
		c.result.CompletedWorkflows = append(c.result.CompletedWorkflows, ws.ID)
	case model.StatusPending:
		ws.StartedAt = nil
		ws.CompletedAt = nil
	}
	ws.Status = next
	c.dirtyStates[ws.ID] = ws
	c.sm.metrics.RecordWorkflowTransition(string(prev), string(next))
}

// flush writes every created and changed row, ordered by ID.
func (c *cascade) flush() (*CascadeResult, error) {
	created := sortedValues(c.created, func(ss *model.StepState) uuid.UUID { return ss.ID })
	if err := c.sm.store.CreateStepStatesInTx(c.ctx, c.tx, created); err != nil {
		return nil, err
	}

	updated := sortedValues(c.dirtySteps, func(ss *model.StepState) uuid.UUID { return ss.ID })
	if err := c.sm.store.UpdateStepStatesInTx(c.ctx, c.tx, updated); err != nil {
		return nil, err
	}

	states := sortedValues(c.dirtyStates, func(ws *model.WorkflowState) uuid.UUID { return ws.ID })
	if err := c.sm.store.UpdateWorkflowStatesInTx(c.ctx, c.tx, states); err != nil {
		return nil, err
	}

	all := append(created, updated...)
	slices.SortFunc(all, func(a, b *model.StepState) int { return compareUUID(a.ID, b.ID) })
	c.result.StepStates = all
	c.result.WorkflowStates = states
	return &c.result, nil
}

func sortedValues[T any](m map[uuid.UUID]T, id func(T) uuid.UUID) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return compareUUID(id(a), id(b)) })
	return out
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// IsApproved reports whether ss satisfies its approval gate.
func IsApproved(ss *model.StepState) bool {
	return !ss.RequiresApproval || ss.ApprovedAt != nil
}
