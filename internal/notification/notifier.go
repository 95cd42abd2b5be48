package notification

import (
	"context"
	"time"

	"backend/internal/logger"

	"go.uber.org/zap"
)

// MessageKind 通知类型
type MessageKind string

const (
	// KindApprovalRequested 新的待审批任务
	KindApprovalRequested MessageKind = "approval_requested"
	// KindApprovalEscalated 审批升级提醒
	KindApprovalEscalated MessageKind = "approval_escalated"
	// KindInstanceFinished 工作流实例结束
	KindInstanceFinished MessageKind = "instance_finished"
)

// Message 一条发给若干用户的通知
type Message struct {
	AgencyID   string         `json:"agencyId"`
	UserIDs    []string       `json:"userIds"`
	Kind       MessageKind    `json:"kind"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	EntityType string         `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	InstanceID string         `json:"instanceId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Notifier 通知发送接口
type Notifier interface {
	Notify(ctx context.Context, msg *Message) error
}

// MultiNotifier 将通知扇出到多个渠道，单渠道失败不阻断其它渠道
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier 创建多渠道通知器
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	valid := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			valid = append(valid, n)
		}
	}
	return &MultiNotifier{notifiers: valid}
}

// Notify 依次调用所有渠道，返回第一个遇到的错误
func (m *MultiNotifier) Notify(ctx context.Context, msg *Message) error {
	var firstErr error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, msg); err != nil {
			logger.Warn("通知发送失败",
				zap.String("kind", string(msg.Kind)),
				zap.String("agency_id", msg.AgencyID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NopNotifier 空通知器（测试以及通知被禁用时使用）
type NopNotifier struct{}

// Notify 什么都不做
func (NopNotifier) Notify(ctx context.Context, msg *Message) error { return nil }
