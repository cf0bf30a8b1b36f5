package step

import "github.com/OpenNSW/accessportal/internal/workflow/model"

const (
	BehaviorSequential = "SEQUENTIAL"
	BehaviorChecklist  = "CHECKLIST"
)

// WorkflowBehavior controls how a whole workflow is presented to the end user.
// States are passed in resolver order.
type WorkflowBehavior interface {
	CurrentStep(states []*model.StepState) *model.StepState
	Visible(ss *model.StepState) bool
}

// Sequential walks steps one at a time; steps not yet reached are hidden.
type Sequential struct{}

func (Sequential) CurrentStep(states []*model.StepState) *model.StepState {
	return firstCurrent(states)
}

func (Sequential) Visible(ss *model.StepState) bool {
	return ss.Status != model.StatusPending
}

// Checklist shows every step at once.
type Checklist struct{}

func (Checklist) CurrentStep(states []*model.StepState) *model.StepState {
	return firstCurrent(states)
}

func (Checklist) Visible(*model.StepState) bool {
	return true
}

func firstCurrent(states []*model.StepState) *model.StepState {
	for _, ss := range states {
		if ss.Status == model.StatusCurrent {
			return ss
		}
	}
	return nil
}
