package auditapi

import (
	"time"

	"backend/internal/audit"
	"backend/internal/common"

	"github.com/gin-gonic/gin"
)

// AuditHandler 审计日志查询 Handler
type AuditHandler struct {
	service *audit.Service
}

// NewAuditHandler 创建 AuditHandler 实例
func NewAuditHandler(service *audit.Service) *AuditHandler {
	return &AuditHandler{service: service}
}

// List 查询当前机构的审计日志
func (h *AuditHandler) List(c *gin.Context) {
	agencyID := c.GetString("agency_id")

	var page common.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		common.ResponseBadRequest(c, "分页参数错误: "+err.Error())
		return
	}

	filter := audit.ListFilter{
		UserID:            c.Query("user_id"),
		Action:            c.Query("action"),
		PaginationRequest: page,
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}

	items, total, err := h.service.List(c.Request.Context(), agencyID, filter)
	if err != nil {
		common.ResponseServerError(c, err.Error())
		return
	}
	common.ResponseList(c, items, total, &page)
}
