package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
	"github.com/OpenNSW/accessportal/internal/workflow/service"
)

// Applier creates bundle definitions that are not stored yet.
// Workflows and media types are matched by name; existing ones are left
// untouched so edits made through the admin API survive a restart.
type Applier struct {
	defs    *service.DefinitionService
	metrics *observability.Metrics
}

// NewApplier creates an Applier. metrics may be nil.
func NewApplier(defs *service.DefinitionService, metrics *observability.Metrics) *Applier {
	return &Applier{defs: defs, metrics: metrics}
}

// LoadDir loads every bundle under dir and applies them in order. It returns
// the number of workflows created.
func (a *Applier) LoadDir(ctx context.Context, dir string) (int, error) {
	bundles, err := LoadAll(dir)
	if err != nil {
		return 0, err
	}
	created := 0
	for i := range bundles {
		n, err := a.Apply(ctx, &bundles[i])
		created += n
		if err != nil {
			return created, fmt.Errorf("applying %s: %w", bundles[i].SourceFile, err)
		}
	}
	a.metrics.SetDefinitionsLoaded(created)
	slog.InfoContext(ctx, "definition bundles applied", "dir", dir, "bundles", len(bundles), "workflowsCreated", created)
	return created, nil
}

// Apply creates the media types and workflows of b that do not exist yet.
// A workflow that fails halfway is deleted again, so applying the fixed
// bundle later starts clean.
func (a *Applier) Apply(ctx context.Context, b *Bundle) (int, error) {
	if err := a.applyMediaTypes(ctx, b.MediaTypes); err != nil {
		return 0, err
	}

	ids := make(map[string]uuid.UUID, len(b.Workflows))
	var fresh []*Workflow
	for i := range b.Workflows {
		entry := &b.Workflows[i]
		existing, err := a.defs.GetWorkflowByName(ctx, entry.Name)
		if err == nil {
			ids[entry.Name] = existing.ID
			slog.DebugContext(ctx, "workflow already present", "name", entry.Name, "bundle", b.Checksum)
			continue
		}
		if !model.IsKind(err, model.KindNotFound) {
			return len(fresh), err
		}
		id, err := a.createWorkflow(ctx, entry)
		if err != nil {
			return len(fresh), fmt.Errorf("workflow %q: %w", entry.Name, err)
		}
		ids[entry.Name] = id
		fresh = append(fresh, entry)
	}

	// edges and activation run once every workflow of the bundle exists
	for i, entry := range fresh {
		if err := a.finishWorkflow(ctx, entry, ids); err != nil {
			a.discard(ctx, ids[entry.Name])
			return i, fmt.Errorf("workflow %q: %w", entry.Name, err)
		}
	}
	return len(fresh), nil
}

func (a *Applier) applyMediaTypes(ctx context.Context, types []MediaType) error {
	if len(types) == 0 {
		return nil
	}
	stored, err := a.defs.ListMediaTypes(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(stored))
	for _, mt := range stored {
		known[mt.Name] = true
	}
	for _, mt := range types {
		if known[mt.Name] {
			continue
		}
		if _, err := a.defs.CreateMediaType(ctx, &model.CreateMediaTypeDTO{Name: mt.Name, Description: mt.Description}); err != nil {
			return fmt.Errorf("media type %q: %w", mt.Name, err)
		}
		known[mt.Name] = true
	}
	return nil
}

func (a *Applier) createWorkflow(ctx context.Context, entry *Workflow) (uuid.UUID, error) {
	wf, err := a.defs.CreateWorkflow(ctx, &model.CreateWorkflowDTO{
		Name:        entry.Name,
		Description: entry.Description,
		Behavior:    entry.Behavior,
		Priority:    entry.Priority,
		Resource:    entry.Resource,
	})
	if err != nil {
		return uuid.Nil, err
	}

	steps := make(map[string]uuid.UUID, len(entry.Steps))
	for i, st := range entry.Steps {
		if _, dup := steps[st.Name]; dup {
			a.discard(ctx, wf.ID)
			return uuid.Nil, model.NewConfigurationError(fmt.Sprintf("duplicate step name %q", st.Name), nil)
		}
		dto, err := stepDTO(i, st)
		if err == nil {
			var created *model.Step
			if created, err = a.defs.AddStep(ctx, wf.ID, dto); err == nil {
				steps[st.Name] = created.ID
				continue
			}
		}
		a.discard(ctx, wf.ID)
		return uuid.Nil, fmt.Errorf("step %q: %w", st.Name, err)
	}

	for _, st := range entry.Steps {
		for _, dep := range st.DependsOn {
			depID, ok := steps[dep]
			if !ok {
				a.discard(ctx, wf.ID)
				return uuid.Nil, model.NewConfigurationError(fmt.Sprintf("step %q depends on unknown step %q", st.Name, dep), nil)
			}
			if err := a.defs.AddStepDependency(ctx, wf.ID, steps[st.Name], depID); err != nil {
				a.discard(ctx, wf.ID)
				return uuid.Nil, fmt.Errorf("step %q: %w", st.Name, err)
			}
		}
	}
	return wf.ID, nil
}

func (a *Applier) finishWorkflow(ctx context.Context, entry *Workflow, ids map[string]uuid.UUID) error {
	id := ids[entry.Name]
	for _, dep := range entry.DependsOn {
		depID, ok := ids[dep]
		if !ok {
			stored, err := a.defs.GetWorkflowByName(ctx, dep)
			if err != nil {
				return model.NewConfigurationError(fmt.Sprintf("depends on unknown workflow %q", dep), err)
			}
			depID = stored.ID
		}
		if err := a.defs.AddWorkflowDependency(ctx, id, depID); err != nil {
			return err
		}
	}
	if entry.Active {
		if _, err := a.defs.SetActive(ctx, id, true); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) discard(ctx context.Context, workflowID uuid.UUID) {
	if err := a.defs.DeleteWorkflow(ctx, workflowID); err != nil {
		slog.WarnContext(ctx, "failed to discard partially applied workflow", "workflowID", workflowID, "error", err)
	}
}

func stepDTO(index int, st Step) (*model.CreateStepDTO, error) {
	position := index
	if st.Position != nil {
		position = *st.Position
	}
	var config json.RawMessage
	if st.Config != nil {
		raw, err := json.Marshal(st.Config)
		if err != nil {
			return nil, model.NewConfigurationError("step config is not representable as JSON", err)
		}
		config = raw
	}
	return &model.CreateStepDTO{
		Name:                   st.Name,
		Description:            st.Description,
		Position:               position,
		Kind:                   st.Kind,
		Config:                 config,
		Indefinite:             st.Indefinite,
		RequiresApproval:       st.RequiresApproval,
		InitializationRequired: st.InitializationRequired,
	}, nil
}
