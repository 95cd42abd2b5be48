package workflow

import (
	"context"
	"fmt"
	"strings"

	"backend/internal/common"
	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/Knetic/govaluate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event 业务模块上报的领域事件
type Event struct {
	AgencyID   string         `json:"agencyId"`
	EntityType string         `json:"entityType"`
	Event      string         `json:"event"` // created / updated / submitted 等自由事件名
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId"`
	Payload    map[string]any `json:"payload"` // 触发条件表达式的求值环境
}

// StartInstancePayload 入队的实例启动任务
type StartInstancePayload struct {
	AgencyID         string `json:"agencyId"`
	WorkflowID       string `json:"workflowId"`
	TargetEntityType string `json:"targetEntityType"`
	TargetEntityID   string `json:"targetEntityId"`
	StartedBy        string `json:"startedBy"`
}

// Enqueuer 实例启动任务的投递端（asynq 队列实现）
type Enqueuer interface {
	EnqueueStartInstance(ctx context.Context, payload *StartInstancePayload) error
}

// TriggerService 触发网关：领域事件与工作流模板的匹配与条件求值。
// 匹配成功的启动请求进入队列异步执行，避免阻塞上报方。
type TriggerService struct {
	db       *gorm.DB
	enqueuer Enqueuer
}

// NewTriggerService 创建触发网关
func NewTriggerService(db *gorm.DB, enqueuer Enqueuer) *TriggerService {
	return &TriggerService{db: db, enqueuer: enqueuer}
}

// Dispatch 处理一个领域事件，返回匹配并入队的工作流数量。
// trigger_condition 为空的模板无条件匹配；表达式求值失败视为不匹配并告警。
func (s *TriggerService) Dispatch(ctx context.Context, evt *Event) (int, error) {
	if evt.AgencyID == "" || evt.EntityType == "" || evt.Event == "" || evt.EntityID == "" {
		return 0, fmt.Errorf("%w: agencyId / entityType / event / entityId 均不能为空", ErrValidation)
	}

	var candidates []*Workflow
	if err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted(), common.ByAgency(evt.AgencyID)).
		Where("entity_type = ? AND trigger_event = ? AND is_active = ?",
			evt.EntityType, evt.Event, true).
		Find(&candidates).Error; err != nil {
		return 0, fmt.Errorf("查询候选工作流失败: %w", err)
	}

	matched := 0
	for _, wf := range candidates {
		ok, err := s.matchCondition(wf, evt.Payload)
		if err != nil {
			logger.Warn("触发条件求值失败",
				zap.String("workflow_id", wf.ID),
				zap.String("condition", wf.TriggerCondition),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		if err := s.enqueuer.EnqueueStartInstance(ctx, &StartInstancePayload{
			AgencyID:         evt.AgencyID,
			WorkflowID:       wf.ID,
			TargetEntityType: evt.EntityType,
			TargetEntityID:   evt.EntityID,
			StartedBy:        evt.ActorID,
		}); err != nil {
			return matched, fmt.Errorf("投递实例启动任务失败: %w", err)
		}
		matched++
	}

	metrics.TriggerEventsTotal.WithLabelValues(evt.Event, matchedLabel(matched)).Inc()

	logger.Debug("领域事件已分发",
		zap.String("entity_type", evt.EntityType),
		zap.String("event", evt.Event),
		zap.Int("matched", matched),
	)
	return matched, nil
}

// matchCondition 用事件 payload 求值模板的触发条件表达式
func (s *TriggerService) matchCondition(wf *Workflow, payload map[string]any) (bool, error) {
	condition := strings.TrimSpace(wf.TriggerCondition)
	if condition == "" {
		return true, nil
	}

	expr, err := govaluate.NewEvaluableExpression(condition)
	if err != nil {
		return false, fmt.Errorf("解析表达式失败: %w", err)
	}

	params := payload
	if params == nil {
		params = map[string]any{}
	}

	value, err := expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("求值失败: %w", err)
	}

	result, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("表达式结果不是布尔值: %v", value)
	}
	return result, nil
}

func matchedLabel(n int) string {
	if n > 0 {
		return "true"
	}
	return "false"
}
