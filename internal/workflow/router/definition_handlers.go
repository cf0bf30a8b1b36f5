package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

// requireWorkflowAdmin loads a workflow and checks the caller administers its resource.
func (r *Router) requireWorkflowAdmin(c *gin.Context, workflowID uuid.UUID) (*model.Workflow, bool) {
	wf, err := r.defs.GetWorkflow(c.Request.Context(), workflowID)
	if err != nil {
		WriteError(c, err)
		return nil, false
	}
	if err := r.manager.RequireAdministrator(c.Request.Context(), principal(c), wf.Resource); err != nil {
		WriteError(c, err)
		return nil, false
	}
	return wf, true
}

func (r *Router) requireStepAdmin(c *gin.Context) (*model.Step, bool) {
	id, ok := pathID(c, "stepId")
	if !ok {
		return nil, false
	}
	st, err := r.defs.GetStep(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return nil, false
	}
	if _, ok := r.requireWorkflowAdmin(c, st.WorkflowID); !ok {
		return nil, false
	}
	return st, true
}

// handleCreateWorkflow handles POST /api/v1/admin/workflows
// Request body: CreateWorkflowDTO
func (r *Router) handleCreateWorkflow(c *gin.Context) {
	var req model.CreateWorkflowDTO
	if !bind(c, &req) {
		return
	}
	if err := r.manager.RequireAdministrator(c.Request.Context(), principal(c), req.Resource); err != nil {
		WriteError(c, err)
		return
	}
	wf, err := r.defs.CreateWorkflow(c.Request.Context(), &req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wf)
}

// handleUpdateWorkflow handles PATCH /api/v1/admin/workflows/:workflowId
// Request body: UpdateWorkflowDTO
func (r *Router) handleUpdateWorkflow(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	if _, ok := r.requireWorkflowAdmin(c, id); !ok {
		return
	}
	var req model.UpdateWorkflowDTO
	if !bind(c, &req) {
		return
	}
	// moving a workflow to another resource needs capability there too
	if req.Resource != nil {
		if err := r.manager.RequireAdministrator(c.Request.Context(), principal(c), *req.Resource); err != nil {
			WriteError(c, err)
			return
		}
	}
	wf, err := r.defs.UpdateWorkflow(c.Request.Context(), id, &req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// handleDeleteWorkflow handles DELETE /api/v1/admin/workflows/:workflowId
func (r *Router) handleDeleteWorkflow(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	if _, ok := r.requireWorkflowAdmin(c, id); !ok {
		return
	}
	if err := r.defs.DeleteWorkflow(c.Request.Context(), id); err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSetActive handles POST /api/v1/admin/workflows/:workflowId/{activate,deactivate}
func (r *Router) handleSetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "workflowId")
		if !ok {
			return
		}
		if _, ok := r.requireWorkflowAdmin(c, id); !ok {
			return
		}
		wf, err := r.defs.SetActive(c.Request.Context(), id, active)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, wf)
	}
}

// handleAddWorkflowDependency handles POST /api/v1/admin/workflows/:workflowId/dependencies
// Request body: DependencyDTO
func (r *Router) handleAddWorkflowDependency(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	if _, ok := r.requireWorkflowAdmin(c, id); !ok {
		return
	}
	var req model.DependencyDTO
	if !bind(c, &req) {
		return
	}
	if err := r.defs.AddWorkflowDependency(c.Request.Context(), id, req.DependsOnID); err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRemoveWorkflowDependency handles DELETE /api/v1/admin/workflows/:workflowId/dependencies/:dependsOnId
func (r *Router) handleRemoveWorkflowDependency(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	dependsOn, ok := pathID(c, "dependsOnId")
	if !ok {
		return
	}
	if _, ok := r.requireWorkflowAdmin(c, id); !ok {
		return
	}
	if err := r.defs.RemoveWorkflowDependency(c.Request.Context(), id, dependsOn); err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAddStep handles POST /api/v1/admin/workflows/:workflowId/steps
// Request body: CreateStepDTO
func (r *Router) handleAddStep(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	if _, ok := r.requireWorkflowAdmin(c, id); !ok {
		return
	}
	var req model.CreateStepDTO
	if !bind(c, &req) {
		return
	}
	st, err := r.defs.AddStep(c.Request.Context(), id, &req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// handleGetStepDependencies handles GET /api/v1/admin/workflows/:workflowId/step-dependencies
func (r *Router) handleGetStepDependencies(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	if _, ok := r.requireWorkflowAdmin(c, id); !ok {
		return
	}
	deps, err := r.defs.GetStepDependencies(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, deps)
}

// handleUpdateStep handles PATCH /api/v1/admin/steps/:stepId
// Request body: UpdateStepDTO
func (r *Router) handleUpdateStep(c *gin.Context) {
	st, ok := r.requireStepAdmin(c)
	if !ok {
		return
	}
	var req model.UpdateStepDTO
	if !bind(c, &req) {
		return
	}
	updated, err := r.defs.UpdateStep(c.Request.Context(), st.ID, &req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleDeleteStep handles DELETE /api/v1/admin/steps/:stepId
func (r *Router) handleDeleteStep(c *gin.Context) {
	st, ok := r.requireStepAdmin(c)
	if !ok {
		return
	}
	if err := r.defs.DeleteStep(c.Request.Context(), st.ID); err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAddStepDependency handles POST /api/v1/admin/steps/:stepId/dependencies
// Request body: DependencyDTO
func (r *Router) handleAddStepDependency(c *gin.Context) {
	st, ok := r.requireStepAdmin(c)
	if !ok {
		return
	}
	var req model.DependencyDTO
	if !bind(c, &req) {
		return
	}
	if err := r.defs.AddStepDependency(c.Request.Context(), st.WorkflowID, st.ID, req.DependsOnID); err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRemoveStepDependency handles DELETE /api/v1/admin/steps/:stepId/dependencies/:dependsOnId
func (r *Router) handleRemoveStepDependency(c *gin.Context) {
	st, ok := r.requireStepAdmin(c)
	if !ok {
		return
	}
	dependsOn, ok := pathID(c, "dependsOnId")
	if !ok {
		return
	}
	if err := r.defs.RemoveStepDependency(c.Request.Context(), st.WorkflowID, st.ID, dependsOn); err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleListMediaTypes handles GET /api/v1/admin/media-types
func (r *Router) handleListMediaTypes(c *gin.Context) {
	types, err := r.defs.ListMediaTypes(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, types)
}

// handleCreateMediaType handles POST /api/v1/admin/media-types
// Request body: CreateMediaTypeDTO
func (r *Router) handleCreateMediaType(c *gin.Context) {
	if err := r.manager.RequireAdministrator(c.Request.Context(), principal(c), GlobalResource); err != nil {
		WriteError(c, err)
		return
	}
	var req model.CreateMediaTypeDTO
	if !bind(c, &req) {
		return
	}
	mt, err := r.defs.CreateMediaType(c.Request.Context(), &req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mt)
}
