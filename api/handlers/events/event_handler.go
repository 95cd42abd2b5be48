package events

import (
	response "backend/api/handlers/common"
	"backend/internal/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// EventHandler 触发网关入口：业务模块上报领域事件
type EventHandler struct {
	triggers *workflow.TriggerService
}

// NewEventHandler 创建 EventHandler 实例
func NewEventHandler(triggers *workflow.TriggerService) *EventHandler {
	return &EventHandler{triggers: triggers}
}

// Dispatch 接收领域事件并匹配工作流
func (h *EventHandler) Dispatch(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	userID := c.GetString("user_id")

	var evt workflow.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		common.ResponseBadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	// 事件只能落在调用方自己的机构
	evt.AgencyID = agencyID
	if evt.ActorID == "" {
		evt.ActorID = userID
	}

	matched, err := h.triggers.Dispatch(c.Request.Context(), &evt)
	if err != nil {
		response.Error(c, err)
		return
	}

	common.ResponseSuccess(c, gin.H{"matched": matched})
}
