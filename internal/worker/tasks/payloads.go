package tasks

// Task Types
const (
	TypeStartInstance = "engine:start_instance"
	TypeEngineTick    = "engine:tick"
)

// StartInstancePayload 实例启动任务载荷
type StartInstancePayload struct {
	AgencyID         string `json:"agency_id"`
	WorkflowID       string `json:"workflow_id"`
	TargetEntityType string `json:"target_entity_type"`
	TargetEntityID   string `json:"target_entity_id"`
	StartedBy        string `json:"started_by"`
}

// TickPayload 时钟扫描任务载荷（周期任务，无参数）
type TickPayload struct{}
