package api

import (
	"backend/api/handlers/auditapi"
	"backend/api/handlers/events"
	"backend/api/handlers/instances"
	"backend/api/handlers/notifications"
	"backend/api/handlers/workflows"
	"backend/internal/auth"

	"github.com/gin-gonic/gin"
)

// routeHandlers 聚合认证后 API 组的全部 Handler
type routeHandlers struct {
	workflows     *workflows.WorkflowHandler
	instances     *instances.InstanceHandler
	events        *events.EventHandler
	audit         *auditapi.AuditHandler
	notifications *notifications.NotificationHandler
}

// registerAPIRoutes 注册认证后的业务路由，方便同时挂载 /api 与 /api/v1
func registerAPIRoutes(apiGroup *gin.RouterGroup, h *routeHandlers) {
	// 实时通知通道
	apiGroup.GET("/ws/notifications", h.notifications.Connect)

	// 工作流定义管理 API
	workflowsGroup := apiGroup.Group("/workflows")
	{
		workflowsGroup.GET("", h.workflows.ListWorkflows)
		workflowsGroup.GET("/:id", h.workflows.GetWorkflow)
		workflowsGroup.POST("", h.workflows.CreateWorkflow)
		workflowsGroup.PUT("/:id", h.workflows.UpdateWorkflow)
		workflowsGroup.DELETE("/:id", h.workflows.DeleteWorkflow)

		// 步骤管理 API
		workflowsGroup.POST("/:id/steps", h.workflows.AddStep)
		workflowsGroup.PUT("/:id/steps/:stepId", h.workflows.UpdateStep)
		workflowsGroup.DELETE("/:id/steps/:stepId", h.workflows.DeleteStep)
	}

	// 实例管理 API
	instancesGroup := apiGroup.Group("/instances")
	{
		instancesGroup.POST("", h.instances.StartInstance)
		instancesGroup.GET("", h.instances.ListInstances)
		instancesGroup.GET("/:id", h.instances.GetInstance)
		instancesGroup.POST("/:id/decide", h.instances.Decide)
		instancesGroup.POST("/:id/cancel", h.instances.Cancel)
		instancesGroup.POST("/:id/resume", h.instances.Resume)
	}

	// 当前用户的待办审批
	apiGroup.GET("/approvals/pending", h.instances.ListPendingApprovals)

	// 触发网关：业务模块上报领域事件
	apiGroup.POST("/events", h.events.Dispatch)

	// 审计日志 API（仅管理员）
	apiGroup.GET("/audit-logs", auth.RequireRole("admin"), h.audit.List)
}
