package notifications

import (
	"net/http"

	"backend/internal/logger"
	"backend/internal/notification"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NotificationHandler WebSocket 通知通道 Handler
type NotificationHandler struct {
	hub      *notification.WebSocketHub
	upgrader websocket.Upgrader
}

// NewNotificationHandler 创建 NotificationHandler 实例
func NewNotificationHandler(hub *notification.WebSocketHub) *NotificationHandler {
	return &NotificationHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 同源校验交给网关层
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect 建立 WebSocket 连接，接收审批相关实时通知
func (h *NotificationHandler) Connect(c *gin.Context) {
	agencyID := c.GetString("agency_id")
	userID := c.GetString("user_id")
	if agencyID == "" || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未认证"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}

	h.hub.Register(agencyID, userID, conn)

	// 读循环只用于感知连接关闭
	go func() {
		defer func() {
			h.hub.Unregister(agencyID, userID, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
