package workflows

import (
	response "backend/api/handlers/common"
	"backend/internal/agency"
	"backend/internal/audit"
	"backend/internal/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler 工作流模板管理 Handler
type WorkflowHandler struct {
	defs  *workflow.DefinitionService
	audit *audit.Service
}

// NewWorkflowHandler 创建 WorkflowHandler 实例
func NewWorkflowHandler(defs *workflow.DefinitionService, auditService *audit.Service) *WorkflowHandler {
	return &WorkflowHandler{defs: defs, audit: auditService}
}

// ListWorkflows 查询工作流列表
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	agencyID := c.GetString("agency_id")

	var page common.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		common.ResponseBadRequest(c, "分页参数错误: "+err.Error())
		return
	}

	filter := workflow.ListFilter{
		EntityType:        c.Query("entity_type"),
		Type:              workflow.WorkflowType(c.Query("workflow_type")),
		Keyword:           c.Query("keyword"),
		PaginationRequest: page,
	}
	if active := c.Query("is_active"); active != "" {
		v := active == "true"
		filter.IsActive = &v
	}

	items, total, err := h.defs.List(c.Request.Context(), agencyID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseList(c, items, total, &page)
}

// GetWorkflow 查询工作流详情（含步骤）
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	workflowID := c.Param("id")

	wf, err := h.defs.Get(c.Request.Context(), agencyID, workflowID)
	if err != nil {
		response.Error(c, err)
		return
	}
	steps, err := h.defs.ListSteps(c.Request.Context(), agencyID, workflowID)
	if err != nil {
		response.Error(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{
		"workflow": wf,
		"steps":    steps,
	})
}

// CreateWorkflow 创建工作流
func (h *WorkflowHandler) CreateWorkflow(c *gin.Context) {
	agencyID := c.GetString("agency_id")

	var req workflow.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	wf, err := h.defs.Create(c.Request.Context(), agencyID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "workflow.create", wf.ID, map[string]any{"name": wf.Name})
	common.ResponseCreated(c, wf)
}

// UpdateWorkflow 更新工作流
func (h *WorkflowHandler) UpdateWorkflow(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	workflowID := c.Param("id")

	var req workflow.UpdateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	wf, err := h.defs.Update(c.Request.Context(), agencyID, workflowID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "workflow.update", workflowID, nil)
	common.ResponseSuccess(c, wf)
}

// DeleteWorkflow 删除工作流
func (h *WorkflowHandler) DeleteWorkflow(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	workflowID := c.Param("id")

	if err := h.defs.Delete(c.Request.Context(), agencyID, workflowID); err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "workflow.delete", workflowID, nil)
	common.ResponseSuccessMessage(c, "工作流已删除", nil)
}

// AddStep 新增步骤
func (h *WorkflowHandler) AddStep(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	workflowID := c.Param("id")

	var req workflow.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	step, err := h.defs.AddStep(c.Request.Context(), agencyID, workflowID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "workflow.step.add", workflowID, map[string]any{"step_id": step.ID})
	common.ResponseCreated(c, step)
}

// UpdateStep 更新步骤
func (h *WorkflowHandler) UpdateStep(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	workflowID := c.Param("id")
	stepID := c.Param("stepId")

	var req workflow.StepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	step, err := h.defs.UpdateStep(c.Request.Context(), agencyID, workflowID, stepID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "workflow.step.update", workflowID, map[string]any{"step_id": stepID})
	common.ResponseSuccess(c, step)
}

// DeleteStep 删除步骤
func (h *WorkflowHandler) DeleteStep(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	workflowID := c.Param("id")
	stepID := c.Param("stepId")

	if err := h.defs.DeleteStep(c.Request.Context(), agencyID, workflowID, stepID); err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "workflow.step.delete", workflowID, map[string]any{"step_id": stepID})
	common.ResponseSuccessMessage(c, "步骤已删除", nil)
}

func (h *WorkflowHandler) record(c *gin.Context, action, resource string, details map[string]any) {
	if h.audit == nil {
		return
	}
	if ac, ok := agency.FromContext(c.Request.Context()); ok {
		h.audit.Record(c.Request.Context(), ac, action, resource, details)
	}
}
