package api

import (
	"os"
	"strings"
	"time"

	"backend/api/handlers/auditapi"
	"backend/api/handlers/authapi"
	"backend/api/handlers/events"
	"backend/api/handlers/instances"
	"backend/api/handlers/notifications"
	"backend/api/handlers/workflows"
	"backend/internal/agency"
	"backend/internal/audit"
	"backend/internal/auth"
	"backend/internal/config"
	"backend/internal/infra"
	"backend/internal/logger"
	"backend/internal/metrics"
	middlewarepkg "backend/internal/middleware"
	"backend/internal/notification"
	"backend/internal/worker"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetupRouter 设置并返回 Gin 路由和 Worker 服务器
func SetupRouter(db *gorm.DB, redisClient redis.UniversalClient, cfg *config.Config) (*gin.Engine, *worker.Server) {
	router := gin.New()

	// JWT 密钥：生产模式必须显式配置，防止使用弱默认值
	jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if jwtSecret == "" {
		if strings.EqualFold(cfg.Server.Mode, "release") {
			logger.Fatal("auth.jwt_secret 未配置，生产环境禁止使用默认密钥")
		}
		jwtSecret = "default_jwt_secret_key_change_in_production"
		logger.Warn("auth.jwt_secret 未配置，已回退为开发默认值，请在生产环境设置强随机密钥")
	}
	jwtService := auth.NewJWTService(jwtSecret, cfg.Auth.JWTIssuer, redisClient)

	// 机构目录、认证与审计服务
	directory := agency.NewDirectoryService(db)
	authService := auth.NewService(db, directory, jwtService)
	auditService := audit.NewService(db)

	// 通知链：WebSocket 实时推送为主，邮件 / Webhook 按配置挂载
	var offlineStore notification.OfflineStore = notification.NewMemoryOfflineStore(100)
	if redisClient != nil {
		offlineStore = notification.NewRedisOfflineStore(redisClient, 200, time.Hour)
	}
	wsHub := notification.NewWebSocketHub(notification.WithOfflineStore(offlineStore))
	notifiers := []notification.Notifier{wsHub}
	if cfg.Notify.Email.Enabled {
		notifiers = append(notifiers, notification.NewEmailNotifier(&cfg.Notify.Email, directory))
	}
	if cfg.Notify.Webhook.Enabled {
		notifiers = append(notifiers, notification.NewWebhookNotifier(&cfg.Notify.Webhook))
	}
	multiNotifier := notification.NewMultiNotifier(notifiers...)

	// 工作流定义、步骤解析与实例状态机
	definitionService := workflow.NewDefinitionService(db)
	resolver := workflow.NewResolver(directory)
	engine := workflow.NewEngine(db, definitionService, resolver, multiNotifier, directory,
		workflow.WithEscalationRole(cfg.Engine.EscalationRole),
		workflow.WithTickBatchSize(cfg.Engine.TickBatchSize),
	)

	// 异步任务客户端与触发网关（事件驱动的实例启动走队列）
	queueClient := worker.NewClient(&cfg.Redis)
	triggerService := workflow.NewTriggerService(db, queueClient)

	// 全局中间件
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(RequestLogger())
	router.Use(CORS())
	router.Use(metrics.PrometheusMiddleware())

	// 公开端点（不需要认证）
	router.GET("/health", HealthCheck())
	router.GET("/ready", ReadinessCheck())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 初始化 Handlers
	handlers := &routeHandlers{
		workflows:     workflows.NewWorkflowHandler(definitionService, auditService),
		instances:     instances.NewInstanceHandler(engine, auditService),
		events:        events.NewEventHandler(triggerService),
		audit:         auditapi.NewAuditHandler(auditService),
		notifications: notifications.NewNotificationHandler(wsHub),
	}
	authHandler := authapi.NewAuthHandler(authService)

	// 认证 API（公开，不需要 JWT）
	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)
	}

	// 主 API 组（向后兼容）
	apiGroup := router.Group("/api")
	apiGroup.Use(auth.AuthMiddleware(jwtService), middlewarepkg.AgencyContextMiddleware(logger.Get()))
	registerAPIRoutes(apiGroup, handlers)

	// 版本化 API 组
	apiV1 := router.Group("/api/v1")
	apiV1.Use(auth.AuthMiddleware(jwtService), middlewarepkg.AgencyContextMiddleware(logger.Get()))
	registerAPIRoutes(apiV1, handlers)

	// 初始化 Worker 服务器
	workerServer := worker.NewServer(&cfg.Redis, &cfg.Engine, engine, logger.Get())

	return router, workerServer
}

// RequestLogger 请求日志中间件
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", middlewarepkg.GetRequestID(c.Request.Context())),
		)
	}
}

// CORS 跨域中间件
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowedOrigins := getEnvList("CORS_ALLOW_ORIGINS")
		origin := c.GetHeader("Origin")
		switch {
		case len(allowedOrigins) == 0:
			// 开发缺省：全部放行
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && stringInSlice(origin, allowedOrigins):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		default:
			// 未匹配则不设置 Allow-Origin，浏览器将拦截
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Accept, Origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		c.Writer.Header().Set("Access-Control-Max-Age", "600")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// HealthCheck 健康检查
func HealthCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "AgencyHub",
		})
	}
}

// ReadinessCheck 就绪检查：包含数据库与 Redis 连通性
func ReadinessCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := infra.HealthCheck(); err != nil {
			c.JSON(503, gin.H{
				"status": "not_ready",
				"reason": "database ping failed",
			})
			return
		}
		if err := infra.HealthCheckRedis(); err != nil {
			c.JSON(503, gin.H{
				"status": "not_ready",
				"reason": "redis ping failed",
			})
			return
		}
		c.JSON(200, gin.H{
			"status":   "ready",
			"database": "connected",
			"redis":    "connected",
		})
	}
}

// getEnvList 读取逗号分隔的环境变量列表
func getEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var res []string
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			res = append(res, v)
		}
	}
	return res
}

// stringInSlice 判断字符串是否存在
func stringInSlice(target string, list []string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
