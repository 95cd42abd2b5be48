package instances

import (
	response "backend/api/handlers/common"
	"backend/internal/agency"
	"backend/internal/audit"
	"backend/internal/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// InstanceHandler 工作流实例 Handler
type InstanceHandler struct {
	engine *workflow.Engine
	audit  *audit.Service
}

// NewInstanceHandler 创建 InstanceHandler 实例
func NewInstanceHandler(engine *workflow.Engine, auditService *audit.Service) *InstanceHandler {
	return &InstanceHandler{engine: engine, audit: auditService}
}

// StartInstance 同步启动实例（管理端直启；事件驱动走 /api/events）
func (h *InstanceHandler) StartInstance(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	userID := c.GetString("user_id")

	var req workflow.StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	if req.StartedBy == "" {
		req.StartedBy = userID
	}

	instance, err := h.engine.StartInstance(c.Request.Context(), agencyID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "instance.start", instance.ID, map[string]any{"workflow_id": req.WorkflowID})
	common.ResponseCreated(c, instance)
}

// GetInstance 查询实例详情（含审批记录）
func (h *InstanceHandler) GetInstance(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	instanceID := c.Param("id")

	instance, err := h.engine.Get(c.Request.Context(), agencyID, instanceID)
	if err != nil {
		response.Error(c, err)
		return
	}
	approvals, err := h.engine.ListApprovals(c.Request.Context(), agencyID, instanceID)
	if err != nil {
		response.Error(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{
		"instance":  instance,
		"approvals": approvals,
	})
}

// ListInstances 查询实例列表
func (h *InstanceHandler) ListInstances(c *gin.Context) {
	agencyID := c.GetString("agency_id")

	var page common.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		common.ResponseBadRequest(c, "分页参数错误: "+err.Error())
		return
	}

	filter := workflow.InstanceFilter{
		WorkflowID:        c.Query("workflow_id"),
		EntityType:        c.Query("entity_type"),
		EntityID:          c.Query("entity_id"),
		Status:            workflow.InstanceStatus(c.Query("status")),
		PaginationRequest: page,
	}

	items, total, err := h.engine.ListInstances(c.Request.Context(), agencyID, filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseList(c, items, total, &page)
}

// decideRequest 决策请求体
type decideRequest struct {
	Decision string `json:"decision" binding:"required"`
	Comment  string `json:"comment"`
}

// Decide 当前用户对实例当前步骤做出决策
func (h *InstanceHandler) Decide(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	userID := c.GetString("user_id")
	instanceID := c.Param("id")

	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	instance, err := h.engine.RecordDecision(c.Request.Context(), agencyID, instanceID, userID,
		workflow.Decision(req.Decision), req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "instance.decide", instanceID, map[string]any{"decision": req.Decision})
	common.ResponseSuccess(c, instance)
}

// cancelRequest 取消请求体
type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel 取消实例
func (h *InstanceHandler) Cancel(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	userID := c.GetString("user_id")
	instanceID := c.Param("id")

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	instance, err := h.engine.Cancel(c.Request.Context(), agencyID, instanceID, userID, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.record(c, "instance.cancel", instanceID, map[string]any{"reason": req.Reason})
	common.ResponseSuccess(c, instance)
}

// Resume 重试被审批人解析阻塞的实例
func (h *InstanceHandler) Resume(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	instanceID := c.Param("id")

	if err := h.engine.Resume(c.Request.Context(), agencyID, instanceID); err != nil {
		response.Error(c, err)
		return
	}

	instance, err := h.engine.Get(c.Request.Context(), agencyID, instanceID)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseSuccess(c, instance)
}

// ListPendingApprovals 查询当前用户的待办审批
func (h *InstanceHandler) ListPendingApprovals(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	userID := c.GetString("user_id")

	var page common.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		common.ResponseBadRequest(c, "分页参数错误: "+err.Error())
		return
	}

	items, total, err := h.engine.ListPendingApprovals(c.Request.Context(), agencyID, userID, page)
	if err != nil {
		response.Error(c, err)
		return
	}
	common.ResponseList(c, items, total, &page)
}

func (h *InstanceHandler) record(c *gin.Context, action, resource string, details map[string]any) {
	if h.audit == nil {
		return
	}
	if ac, ok := agency.FromContext(c.Request.Context()); ok {
		h.audit.Record(c.Request.Context(), ac, action, resource, details)
	}
}
