package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/config"
	"backend/internal/worker/tasks"
	"backend/internal/workflow"

	"github.com/hibiken/asynq"
)

// Client 队列投递端，实现 workflow.Enqueuer
type Client struct {
	client *asynq.Client
}

// NewClient 创建队列客户端
func NewClient(cfg *config.RedisConfig) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt(cfg)),
	}
}

// EnqueueStartInstance 投递实例启动任务
func (c *Client) EnqueueStartInstance(ctx context.Context, payload *workflow.StartInstancePayload) error {
	data, err := json.Marshal(&tasks.StartInstancePayload{
		AgencyID:         payload.AgencyID,
		WorkflowID:       payload.WorkflowID,
		TargetEntityType: payload.TargetEntityType,
		TargetEntityID:   payload.TargetEntityID,
		StartedBy:        payload.StartedBy,
	})
	if err != nil {
		return fmt.Errorf("序列化任务载荷失败: %w", err)
	}

	task := asynq.NewTask(tasks.TypeStartInstance, data)
	if _, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue("engine"),
		asynq.MaxRetry(5),
	); err != nil {
		return fmt.Errorf("入队失败: %w", err)
	}
	return nil
}

// Close 关闭队列连接
func (c *Client) Close() error {
	return c.client.Close()
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}
