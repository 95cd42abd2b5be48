package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agencyhub_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agencyhub_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 工作流实例指标
var (
	// WorkflowInstancesStarted 启动的工作流实例总数
	WorkflowInstancesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agencyhub_workflow_instances_started_total",
			Help: "启动的工作流实例总数",
		},
		[]string{"entity_type", "agency_id"},
	)

	// WorkflowInstancesFinished 结束的工作流实例总数（按终态）
	WorkflowInstancesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agencyhub_workflow_instances_finished_total",
			Help: "进入终态的工作流实例总数",
		},
		[]string{"entity_type", "status"},
	)

	// WorkflowInstanceDuration 实例从启动到终态的耗时（秒）
	WorkflowInstanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agencyhub_workflow_instance_duration_seconds",
			Help:    "工作流实例耗时分布",
			Buckets: []float64{60, 600, 3600, 14400, 43200, 86400, 259200},
		},
		[]string{"entity_type"},
	)

	// PendingApprovalsGauge 待处理审批数量
	PendingApprovalsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agencyhub_pending_approvals",
			Help: "待处理的审批数量",
		},
		[]string{"agency_id"},
	)
)

// 审批决策指标
var (
	// ApprovalDecisionsTotal 审批决策总数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agencyhub_approval_decisions_total",
			Help: "审批决策总数",
		},
		[]string{"decision", "agency_id"},
	)

	// ApprovalsEscalatedTotal 升级提醒总数
	ApprovalsEscalatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agencyhub_approvals_escalated_total",
			Help: "触发升级提醒的审批总数",
		},
		[]string{"agency_id"},
	)

	// ApprovalsTimedOutTotal 审批超时总数
	ApprovalsTimedOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agencyhub_approvals_timed_out_total",
			Help: "超时关闭的审批总数",
		},
		[]string{"agency_id"},
	)
)

// 触发网关与引擎指标
var (
	// TriggerEventsTotal 收到的业务事件总数
	TriggerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agencyhub_trigger_events_total",
			Help: "触发网关收到的业务事件总数",
		},
		[]string{"event", "matched"},
	)

	// EngineTickDuration 引擎时钟扫描耗时（秒）
	EngineTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agencyhub_engine_tick_duration_seconds",
			Help:    "引擎时钟扫描耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	// WebSocketConnectionsGauge WebSocket 连接数
	WebSocketConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agencyhub_websocket_connections",
			Help: "当前 WebSocket 连接数",
		},
		[]string{"agency_id"},
	)
)
