package worker

import (
	"context"

	"backend/internal/config"
	"backend/internal/worker/handlers"
	"backend/internal/worker/tasks"
	"backend/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server 后台任务服务器：实例启动任务 + 周期时钟扫描
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    *zap.Logger
}

// NewServer 创建 worker 服务器并注册周期时钟任务
func NewServer(
	redisCfg *config.RedisConfig,
	engineCfg *config.EngineConfig,
	engine *workflow.Engine,
	logger *zap.Logger,
) *Server {
	srv := asynq.NewServer(
		redisOpt(redisCfg),
		asynq.Config{
			Concurrency: engineCfg.WorkerCount,
			Queues: map[string]int{
				"engine":  6, // 引擎任务优先级高
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	engineHandler := handlers.NewEngineHandler(engine, logger)
	mux.HandleFunc(tasks.TypeStartInstance, engineHandler.HandleStartInstance)
	mux.HandleFunc(tasks.TypeEngineTick, engineHandler.HandleTick)

	scheduler := asynq.NewScheduler(redisOpt(redisCfg), &asynq.SchedulerOpts{
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			logger.Error("周期任务入队失败",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		},
	})

	tickTask := asynq.NewTask(tasks.TypeEngineTick, nil)
	if _, err := scheduler.Register(engineCfg.TickInterval, tickTask, asynq.Queue("engine")); err != nil {
		logger.Error("注册时钟任务失败",
			zap.String("spec", engineCfg.TickInterval),
			zap.Error(err),
		)
	}

	return &Server{
		server:    srv,
		scheduler: scheduler,
		mux:       mux,
		logger:    logger,
	}
}

// Start 非阻塞启动 worker 与调度器
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中...")
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	return s.scheduler.Start()
}

// Shutdown 停止 worker 与调度器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}
