package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WebSocketHub 负责管理机构/用户的 WebSocket 连接。
// 用户离线时消息进入离线缓冲，重连后按序重放。
type WebSocketHub struct {
	mu                sync.RWMutex
	clients           map[string]map[string]map[*websocket.Conn]*clientConn
	offline           OfflineStore
	keepAliveInterval time.Duration
	logger            *zap.Logger
}

// HubOption 配置 hub
type HubOption func(*WebSocketHub)

// WithOfflineStore 指定离线存储
func WithOfflineStore(store OfflineStore) HubOption {
	return func(h *WebSocketHub) { h.offline = store }
}

// WithKeepAliveInterval 设置心跳间隔
func WithKeepAliveInterval(interval time.Duration) HubOption {
	return func(h *WebSocketHub) { h.keepAliveInterval = interval }
}

// NewWebSocketHub 创建 Hub
func NewWebSocketHub(opts ...HubOption) *WebSocketHub {
	hub := &WebSocketHub{
		clients:           make(map[string]map[string]map[*websocket.Conn]*clientConn),
		offline:           NewMemoryOfflineStore(50),
		keepAliveInterval: 30 * time.Second,
		logger:            logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// Register 注册连接
func (h *WebSocketHub) Register(agencyID, userID string, conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[agencyID]; !ok {
		h.clients[agencyID] = make(map[string]map[*websocket.Conn]*clientConn)
	}
	if _, ok := h.clients[agencyID][userID]; !ok {
		h.clients[agencyID][userID] = make(map[*websocket.Conn]*clientConn)
	}
	client := &clientConn{conn: conn}
	h.clients[agencyID][userID][conn] = client
	h.mu.Unlock()

	metrics.WebSocketConnectionsGauge.WithLabelValues(agencyID).Inc()
	h.replayOffline(context.Background(), agencyID, userID, client)
	h.startKeepAlive(agencyID, userID, client)
}

// Unregister 移除连接
func (h *WebSocketHub) Unregister(agencyID, userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if users, ok := h.clients[agencyID]; ok {
		if conns, ok := users[userID]; ok {
			if _, ok := conns[conn]; ok {
				delete(conns, conn)
				metrics.WebSocketConnectionsGauge.WithLabelValues(agencyID).Dec()
			}
			if len(conns) == 0 {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(h.clients, agencyID)
		}
	}
}

// Notify 实现 Notifier 接口，将消息推送给所有目标用户
func (h *WebSocketHub) Notify(ctx context.Context, msg *Message) error {
	var firstErr error
	for _, userID := range msg.UserIDs {
		if err := h.SendToUser(msg.AgencyID, userID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendToUser 将通知发送给指定机构/用户的所有连接
func (h *WebSocketHub) SendToUser(agencyID, userID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	// Register/Unregister 会并发改写连接表，持锁期间拷贝后再遍历
	h.mu.RLock()
	clients := make([]*clientConn, 0, len(h.clients[agencyID][userID]))
	for _, client := range h.clients[agencyID][userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return h.storeOffline(context.Background(), agencyID, userID, data)
	}

	var firstErr error
	for _, client := range clients {
		client.mu.Lock()
		client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			client.mu.Unlock()
			h.Unregister(agencyID, userID, client.conn)
			_ = client.conn.Close()
			_ = h.storeOffline(context.Background(), agencyID, userID, data)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		client.mu.Unlock()
	}
	return firstErr
}

// CloseAgency 清理机构下所有连接
func (h *WebSocketHub) CloseAgency(agencyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if users, ok := h.clients[agencyID]; ok {
		for userID, conns := range users {
			for conn := range conns {
				_ = conn.Close()
			}
			delete(users, userID)
		}
		delete(h.clients, agencyID)
	}
}

// ConnectedCount 返回指定机构/用户的连接数
func (h *WebSocketHub) ConnectedCount(agencyID, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[agencyID][userID])
}

func (h *WebSocketHub) replayOffline(ctx context.Context, agencyID, userID string, client *clientConn) {
	if h.offline == nil {
		return
	}
	messages, err := h.offline.Drain(ctx, agencyID, userID)
	if err != nil && h.logger != nil {
		h.logger.Warn("离线消息重放失败", zap.String("agencyId", agencyID), zap.String("userId", userID), zap.Error(err))
		return
	}
	for _, msg := range messages {
		client.mu.Lock()
		client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil && h.logger != nil {
			h.logger.Debug("推送离线消息失败", zap.Error(err))
		}
		client.mu.Unlock()
	}
}

func (h *WebSocketHub) storeOffline(ctx context.Context, agencyID, userID string, payload []byte) error {
	if h.offline == nil {
		return nil
	}
	return h.offline.Append(ctx, agencyID, userID, payload)
}

func (h *WebSocketHub) startKeepAlive(agencyID, userID string, client *clientConn) {
	if h.keepAliveInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.keepAliveInterval)
		defer ticker.Stop()
		for range ticker.C {
			client.mu.Lock()
			err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			client.mu.Unlock()
			if err != nil {
				h.Unregister(agencyID, userID, client.conn)
				_ = client.conn.Close()
				return
			}
		}
	}()
}
