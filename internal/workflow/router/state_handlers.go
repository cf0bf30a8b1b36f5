package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/OpenNSW/accessportal/internal/auth"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
)

func principal(c *gin.Context) *auth.Principal {
	return auth.GetPrincipal(c.Request.Context())
}

func administration(c *gin.Context) bool {
	return c.Query("administration") == "true"
}

// handleListWorkflows handles GET /api/v1/workflows
// Query params: offset, limit, includeInactive (administrators only)
func (r *Router) handleListWorkflows(c *gin.Context) {
	offset, limit, ok := pagination(c)
	if !ok {
		return
	}
	activeOnly := true
	if c.Query("includeInactive") == "true" {
		if err := r.manager.RequireAdministrator(c.Request.Context(), principal(c), GlobalResource); err != nil {
			WriteError(c, err)
			return
		}
		activeOnly = false
	}
	workflows, total, err := r.defs.ListWorkflows(c.Request.Context(), activeOnly, offset, limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, page[model.Workflow]{Items: workflows, Total: total, Offset: offset, Limit: limit})
}

// handleGetWorkflow handles GET /api/v1/workflows/:workflowId
func (r *Router) handleGetWorkflow(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	wf, err := r.defs.GetWorkflow(c.Request.Context(), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	if !wf.Active {
		if err := r.manager.RequireAdministrator(c.Request.Context(), principal(c), wf.Resource); err != nil {
			WriteError(c, model.NewNotFoundError("workflow", id))
			return
		}
	}
	c.JSON(http.StatusOK, wf)
}

// handleEnroll handles POST /api/v1/workflows/:workflowId/enroll
func (r *Router) handleEnroll(c *gin.Context) {
	id, ok := pathID(c, "workflowId")
	if !ok {
		return
	}
	ws, created, err := r.manager.Enroll(c.Request.Context(), principal(c), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, ws)
}

// handleDashboard handles GET /api/v1/me/workflow-states
func (r *Router) handleDashboard(c *gin.Context) {
	states, err := r.manager.Dashboard(c.Request.Context(), principal(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

// handleGetWorkflowState handles GET /api/v1/workflow-states/:workflowStateId
func (r *Router) handleGetWorkflowState(c *gin.Context) {
	id, ok := pathID(c, "workflowStateId")
	if !ok {
		return
	}
	ws, err := r.manager.GetWorkflowState(c.Request.Context(), principal(c), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

// handleRender handles GET /api/v1/step-states/:stepStateId?administration=true|false
func (r *Router) handleRender(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	info, err := r.manager.Render(c.Request.Context(), principal(c), id, administration(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// handleSubmit handles POST /api/v1/step-states/:stepStateId/submission
// Request body: SubmitStepDTO
func (r *Router) handleSubmit(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	var req model.SubmitStepDTO
	if !bind(c, &req) {
		return
	}
	result, err := r.manager.Submit(c.Request.Context(), principal(c), id, req.Data)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleAttachFile handles POST /api/v1/step-states/:stepStateId/file?administration=true|false
// Request body: AttachFileDTO
func (r *Router) handleAttachFile(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	var req model.AttachFileDTO
	if !bind(c, &req) {
		return
	}
	result, err := r.manager.AttachFile(c.Request.Context(), principal(c), id, req.File, req.Data, administration(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleComplete handles POST /api/v1/step-states/:stepStateId/complete
func (r *Router) handleComplete(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	result, err := r.manager.Complete(c.Request.Context(), principal(c), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleReview handles POST /api/v1/step-states/:stepStateId/review
// Request body: ReviewDTO
func (r *Router) handleReview(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	var req model.ReviewDTO
	if !bind(c, &req) {
		return
	}
	result, err := r.manager.Review(c.Request.Context(), principal(c), id, req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleInitialize handles POST /api/v1/step-states/:stepStateId/initialization
// Request body: InitializeStepDTO
func (r *Router) handleInitialize(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	var req model.InitializeStepDTO
	if !bind(c, &req) {
		return
	}
	result, err := r.manager.Initialize(c.Request.Context(), principal(c), id, req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// handleRequiresApproval handles PUT /api/v1/step-states/:stepStateId/requires-approval
func (r *Router) handleRequiresApproval(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	var req model.RequiresApprovalDTO
	if !bind(c, &req) {
		return
	}
	result, err := r.manager.OverrideRequiresApproval(c.Request.Context(), principal(c), id, req.RequiresApproval)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleHistory handles GET /api/v1/step-states/:stepStateId/history
func (r *Router) handleHistory(c *gin.Context) {
	id, ok := pathID(c, "stepStateId")
	if !ok {
		return
	}
	history, err := r.manager.History(c.Request.Context(), principal(c), id)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// handleAwaitingReview handles GET /api/v1/resources/:resource/awaiting-review
// Query params: offset, limit
func (r *Router) handleAwaitingReview(c *gin.Context) {
	offset, limit, ok := pagination(c)
	if !ok {
		return
	}
	items, total, err := r.manager.AwaitingReview(c.Request.Context(), principal(c), c.Param("resource"), offset, limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, page[model.StepStateResponseDTO]{Items: items, Total: total, Offset: offset, Limit: limit})
}

// handleAccess handles GET /api/v1/resources/:resource/access?userId=
// Checking another user needs administrator capability on the resource.
func (r *Router) handleAccess(c *gin.Context) {
	p := principal(c)
	resource := c.Param("resource")
	userID := c.DefaultQuery("userId", p.Subject)
	if userID != p.Subject {
		if err := r.manager.RequireAdministrator(c.Request.Context(), p, resource); err != nil {
			WriteError(c, err)
			return
		}
	}
	granted, err := r.manager.AccessGranted(c.Request.Context(), userID, resource)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "resource": resource, "granted": granted})
}
