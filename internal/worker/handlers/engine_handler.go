package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"backend/internal/worker/tasks"
	"backend/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// InstanceEngine 状态机抽象，便于注入 mock
type InstanceEngine interface {
	StartInstance(ctx context.Context, agencyID string, req *workflow.StartInstanceRequest) (*workflow.WorkflowInstance, error)
	Tick(ctx context.Context, now time.Time) (*workflow.TickResult, error)
}

// EngineHandler 处理触发网关入队的实例启动任务与周期时钟任务
type EngineHandler struct {
	engine InstanceEngine
	logger *zap.Logger
}

// NewEngineHandler 创建处理器
func NewEngineHandler(engine InstanceEngine, logger *zap.Logger) *EngineHandler {
	return &EngineHandler{
		engine: engine,
		logger: logger,
	}
}

// HandleStartInstance 启动工作流实例
func (h *EngineHandler) HandleStartInstance(ctx context.Context, t *asynq.Task) error {
	var p tasks.StartInstancePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	h.logger.Info("开始启动工作流实例",
		zap.String("workflow_id", p.WorkflowID),
		zap.String("entity_id", p.TargetEntityID),
	)

	instance, err := h.engine.StartInstance(ctx, p.AgencyID, &workflow.StartInstanceRequest{
		WorkflowID:       p.WorkflowID,
		TargetEntityType: p.TargetEntityType,
		TargetEntityID:   p.TargetEntityID,
		StartedBy:        p.StartedBy,
	})
	if err != nil {
		// 模板被删除或校验失败时重试没有意义
		if errors.Is(err, workflow.ErrNotFound) || errors.Is(err, workflow.ErrValidation) {
			h.logger.Warn("实例启动任务被丢弃",
				zap.String("workflow_id", p.WorkflowID),
				zap.Error(err),
			)
			return nil
		}
		h.logger.Error("实例启动失败",
			zap.String("workflow_id", p.WorkflowID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("工作流实例启动完成",
		zap.String("instance_id", instance.ID),
		zap.String("status", string(instance.Status)),
	)
	return nil
}

// HandleTick 执行一次时钟扫描
func (h *EngineHandler) HandleTick(ctx context.Context, t *asynq.Task) error {
	result, err := h.engine.Tick(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error("时钟扫描失败", zap.Error(err))
		return err
	}

	h.logger.Debug("时钟扫描任务完成",
		zap.Int("escalated", result.Escalated),
		zap.Int("timed_out", result.TimedOut),
		zap.Int("resumed", result.Resumed),
	)
	return nil
}
