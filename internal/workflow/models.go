package workflow

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowType 工作流类型
type WorkflowType string

const (
	TypeApproval     WorkflowType = "approval"
	TypeNotification WorkflowType = "notification"
	TypeAutomation   WorkflowType = "automation"
	TypeCustom       WorkflowType = "custom"
)

// ApproverType 审批人解析方式
type ApproverType string

const (
	ApproverRole    ApproverType = "role"    // 按角色解析为当前持有该角色的用户集合
	ApproverUser    ApproverType = "user"    // 固定邮箱指定的单个用户
	ApproverDynamic ApproverType = "dynamic" // 由触发方注册的回调按实体解析
)

// InstanceStatus 实例状态
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "pending"
	StatusInProgress InstanceStatus = "in_progress"
	StatusApproved   InstanceStatus = "approved"
	StatusRejected   InstanceStatus = "rejected"
	StatusCancelled  InstanceStatus = "cancelled"
	StatusTimedOut   InstanceStatus = "timed_out"
)

// IsTerminal 终态不可再变更
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Decision 审批决策
type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionApproved  Decision = "approved"
	DecisionRejected  Decision = "rejected"
	DecisionEscalated Decision = "escalated"
	DecisionCancelled Decision = "cancelled" // 组被驳回/超时/推进时关闭的审批
)

// Workflow 工作流模板
type Workflow struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID string `json:"agencyId" gorm:"type:uuid;not null;index"`

	Name        string       `json:"name" gorm:"size:255;not null"`
	Description string       `json:"description" gorm:"type:text"`
	Type        WorkflowType `json:"workflowType" gorm:"column:workflow_type;size:50;not null"`

	// 绑定的业务实体与触发事件
	EntityType       string `json:"entityType" gorm:"size:100;not null;index"`
	TriggerEvent     string `json:"triggerEvent" gorm:"size:100;index"`
	TriggerCondition string `json:"triggerCondition" gorm:"type:text"` // govaluate 表达式，空串表示无条件匹配

	// 任意结构的模板配置
	Configuration datatypes.JSONMap `json:"configuration" gorm:"type:jsonb"`

	IsActive bool `json:"isActive" gorm:"not null;default:true"`
	IsSystem bool `json:"isSystem" gorm:"not null;default:false"`

	// 结构性编辑递增；实例在创建时固定自己的版本
	Version int `json:"version" gorm:"not null;default:1"`

	// 派生计数
	StepCount     int   `json:"stepCount" gorm:"not null;default:0"`
	InstanceCount int64 `json:"instanceCount" gorm:"not null;default:0"`

	// 时间戳
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
}

// TableName 表名
func (Workflow) TableName() string { return "workflows" }

// WorkflowStep 工作流步骤（当前可编辑版本）
type WorkflowStep struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID   string `json:"agencyId" gorm:"type:uuid;not null;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`

	// 1 起始，工作流内连续；相同 step_number 且 is_parallel 的步骤组成并行组
	StepNumber int    `json:"stepNumber" gorm:"not null"`
	StepName   string `json:"stepName" gorm:"size:255;not null"`
	StepType   string `json:"stepType" gorm:"size:50"`

	// 审批人解析
	ApproverType  ApproverType `json:"approverType" gorm:"size:20;not null"`
	ApproverRole  string       `json:"approverRole" gorm:"size:100"`
	ApproverEmail string       `json:"approverEmail" gorm:"size:255"`

	IsParallel bool `json:"isParallel" gorm:"not null;default:false"`
	IsRequired bool `json:"isRequired" gorm:"not null;default:true"`

	// 超时与升级
	TimeoutHours         int  `json:"timeoutHours" gorm:"not null;default:0"`
	EscalationEnabled    bool `json:"escalationEnabled" gorm:"not null;default:false"`
	EscalationAfterHours int  `json:"escalationAfterHours" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 表名
func (WorkflowStep) TableName() string { return "workflow_steps" }

// WorkflowStepSnapshot 步骤的不可变版本快照。
// 首个实例创建时按 (workflow_id, version) 固化，存量实例只依据快照执行，
// 后续模板编辑不会影响在途实例。
type WorkflowStepSnapshot struct {
	ID              string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID        string `json:"agencyId" gorm:"type:uuid;not null;index"`
	WorkflowID      string `json:"workflowId" gorm:"type:uuid;not null;index:idx_step_snapshots_wf_ver"`
	WorkflowVersion int    `json:"workflowVersion" gorm:"not null;index:idx_step_snapshots_wf_ver"`

	StepNumber int    `json:"stepNumber" gorm:"not null"`
	StepName   string `json:"stepName" gorm:"size:255;not null"`
	StepType   string `json:"stepType" gorm:"size:50"`

	ApproverType  ApproverType `json:"approverType" gorm:"size:20;not null"`
	ApproverRole  string       `json:"approverRole" gorm:"size:100"`
	ApproverEmail string       `json:"approverEmail" gorm:"size:255"`

	IsParallel bool `json:"isParallel" gorm:"not null;default:false"`
	IsRequired bool `json:"isRequired" gorm:"not null;default:true"`

	TimeoutHours         int  `json:"timeoutHours" gorm:"not null;default:0"`
	EscalationEnabled    bool `json:"escalationEnabled" gorm:"not null;default:false"`
	EscalationAfterHours int  `json:"escalationAfterHours" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

// TableName 表名
func (WorkflowStepSnapshot) TableName() string { return "workflow_step_snapshots" }

// WorkflowInstance 一次针对具体业务实体的工作流执行
type WorkflowInstance struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID string `json:"agencyId" gorm:"type:uuid;not null;index"`

	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	// 创建时固定，生命周期内不变
	WorkflowVersion int `json:"workflowVersion" gorm:"not null"`

	TargetEntityType string `json:"targetEntityType" gorm:"size:100;not null;index"`
	TargetEntityID   string `json:"targetEntityId" gorm:"size:100;not null;index"`

	CurrentStepNumber int            `json:"currentStepNumber" gorm:"not null;default:0"`
	Status            InstanceStatus `json:"status" gorm:"size:20;not null;default:pending;index"`

	// 审批人解析失败时的警示信息，实例保持 pending 等待人工处理
	ApproverWarning string `json:"approverWarning,omitempty" gorm:"type:text"`

	StartedBy    string `json:"startedBy" gorm:"type:uuid"`
	CancelReason string `json:"cancelReason,omitempty" gorm:"type:text"`

	CreatedAt   time.Time  `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt   time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TableName 表名
func (WorkflowInstance) TableName() string { return "workflow_instances" }

// StepApproval 某实例某步骤上单个审批人的决策记录
type StepApproval struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	AgencyID   string `json:"agencyId" gorm:"type:uuid;not null;index"`
	InstanceID string `json:"instanceId" gorm:"type:uuid;not null;index"`

	StepNumber int    `json:"stepNumber" gorm:"not null"`
	StepName   string `json:"stepName" gorm:"size:255"`
	IsRequired bool   `json:"isRequired" gorm:"not null;default:true"`

	ApproverID    string `json:"approverId" gorm:"type:uuid;not null;index"`
	ApproverEmail string `json:"approverEmail" gorm:"size:255"`

	Decision  Decision   `json:"decision" gorm:"size:20;not null;default:pending;index"`
	Comment   string     `json:"comment" gorm:"type:text"`
	DecidedBy string     `json:"decidedBy,omitempty" gorm:"type:uuid"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`

	// 时钟扫描依据：开组时根据快照的超时/升级配置计算
	OpenedAt    time.Time  `json:"openedAt" gorm:"not null"`
	TimeoutAt   *time.Time `json:"timeoutAt,omitempty" gorm:"index"`
	EscalateAt  *time.Time `json:"escalateAt,omitempty" gorm:"index"`
	EscalatedAt *time.Time `json:"escalatedAt,omitempty"` // 非空表示升级提醒已触发，保证只升级一次

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName 表名
func (StepApproval) TableName() string { return "workflow_step_approvals" }
