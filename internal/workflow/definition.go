package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backend/internal/common"
	"backend/internal/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DefinitionService 工作流模板与步骤的管理服务。
// 结构性编辑（步骤增删改）递增模板版本；系统工作流受保护。
type DefinitionService struct {
	db *gorm.DB
}

// NewDefinitionService 创建 DefinitionService
func NewDefinitionService(db *gorm.DB) *DefinitionService {
	return &DefinitionService{db: db}
}

// CreateWorkflowRequest 创建工作流请求
type CreateWorkflowRequest struct {
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Type             WorkflowType      `json:"workflowType"`
	EntityType       string            `json:"entityType"`
	TriggerEvent     string            `json:"triggerEvent"`
	TriggerCondition string            `json:"triggerCondition"`
	Configuration    map[string]any    `json:"configuration"`
}

// Create 创建工作流模板，初始 version=1
func (s *DefinitionService) Create(ctx context.Context, agencyID string, req *CreateWorkflowRequest) (*Workflow, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: 名称不能为空", ErrValidation)
	}
	if strings.TrimSpace(req.EntityType) == "" {
		return nil, fmt.Errorf("%w: 实体类型不能为空", ErrValidation)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("%w: 工作流类型不能为空", ErrValidation)
	}
	switch req.Type {
	case TypeApproval, TypeNotification, TypeAutomation, TypeCustom:
	default:
		return nil, fmt.Errorf("%w: 未知的工作流类型 %s", ErrValidation, req.Type)
	}

	wf := &Workflow{
		ID:               uuid.New().String(),
		AgencyID:         agencyID,
		Name:             req.Name,
		Description:      req.Description,
		Type:             req.Type,
		EntityType:       req.EntityType,
		TriggerEvent:     req.TriggerEvent,
		TriggerCondition: req.TriggerCondition,
		Configuration:    datatypes.JSONMap(req.Configuration),
		IsActive:         true,
		IsSystem:         false,
		Version:          1,
	}

	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return nil, fmt.Errorf("创建工作流失败: %w", err)
	}

	logger.Info("工作流已创建",
		zap.String("workflow_id", wf.ID),
		zap.String("agency_id", agencyID),
		zap.String("entity_type", wf.EntityType),
	)
	return wf, nil
}

// UpdateWorkflowRequest 更新工作流请求，nil 字段表示不修改
type UpdateWorkflowRequest struct {
	Name             *string        `json:"name"`
	Description      *string        `json:"description"`
	EntityType       *string        `json:"entityType"`
	Type             *WorkflowType  `json:"workflowType"`
	TriggerEvent     *string        `json:"triggerEvent"`
	TriggerCondition *string        `json:"triggerCondition"`
	IsActive         *bool          `json:"isActive"`
	Configuration    map[string]any `json:"configuration"`
}

// isStructural 是否涉及系统工作流禁止的结构性变更
func (r *UpdateWorkflowRequest) isStructural() bool {
	return r.Name != nil || r.EntityType != nil || r.Type != nil || r.TriggerEvent != nil
}

// Update 更新工作流模板。
// 系统工作流拒绝结构性变更；存在实例后 entity_type / workflow_type 不可再改。
func (s *DefinitionService) Update(ctx context.Context, agencyID, workflowID string, req *UpdateWorkflowRequest) (*Workflow, error) {
	wf, err := s.Get(ctx, agencyID, workflowID)
	if err != nil {
		return nil, err
	}

	if wf.IsSystem && req.isStructural() {
		return nil, ErrImmutableSystemWorkflow
	}
	if wf.InstanceCount > 0 && (req.EntityType != nil || req.Type != nil) {
		return nil, fmt.Errorf("%w: 存在实例后实体类型与工作流类型不可修改", ErrWorkflowInUse)
	}

	updates := map[string]any{}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, fmt.Errorf("%w: 名称不能为空", ErrValidation)
		}
		updates["name"] = *req.Name
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.EntityType != nil {
		if strings.TrimSpace(*req.EntityType) == "" {
			return nil, fmt.Errorf("%w: 实体类型不能为空", ErrValidation)
		}
		updates["entity_type"] = *req.EntityType
	}
	if req.Type != nil {
		updates["workflow_type"] = *req.Type
	}
	if req.TriggerEvent != nil {
		updates["trigger_event"] = *req.TriggerEvent
	}
	if req.TriggerCondition != nil {
		updates["trigger_condition"] = *req.TriggerCondition
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.Configuration != nil {
		updates["configuration"] = datatypes.JSONMap(req.Configuration)
	}

	if len(updates) == 0 {
		return wf, nil
	}

	if err := s.db.WithContext(ctx).Model(wf).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("更新工作流失败: %w", err)
	}

	return s.Get(ctx, agencyID, workflowID)
}

// Delete 删除工作流。系统工作流受保护；存在存活实例时拒绝。
func (s *DefinitionService) Delete(ctx context.Context, agencyID, workflowID string) error {
	wf, err := s.Get(ctx, agencyID, workflowID)
	if err != nil {
		return err
	}
	if wf.IsSystem {
		return ErrSystemWorkflowProtected
	}

	var live int64
	if err := s.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Where("workflow_id = ? AND status IN ?", workflowID,
			[]InstanceStatus{StatusPending, StatusInProgress}).
		Count(&live).Error; err != nil {
		return fmt.Errorf("查询存活实例失败: %w", err)
	}
	if live > 0 {
		return ErrWorkflowInUse
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 步骤随模板级联删除
		if err := tx.Where("workflow_id = ?", workflowID).Delete(&WorkflowStep{}).Error; err != nil {
			return fmt.Errorf("删除步骤失败: %w", err)
		}
		if err := tx.Model(&Workflow{}).
			Where("id = ?", workflowID).
			Update("deleted_at", time.Now().UTC()).Error; err != nil {
			return fmt.Errorf("删除工作流失败: %w", err)
		}
		return nil
	})
}

// Get 查询单个工作流
func (s *DefinitionService) Get(ctx context.Context, agencyID, workflowID string) (*Workflow, error) {
	var wf Workflow
	if err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted(), common.ByAgency(agencyID)).
		Where("id = ?", workflowID).
		First(&wf).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询工作流失败: %w", err)
	}
	return &wf, nil
}

// ListFilter 工作流列表过滤条件
type ListFilter struct {
	EntityType string
	Type       WorkflowType
	IsActive   *bool
	Keyword    string
	common.PaginationRequest
}

// List 查询工作流列表
func (s *DefinitionService) List(ctx context.Context, agencyID string, f ListFilter) ([]*Workflow, int64, error) {
	query := s.db.WithContext(ctx).
		Model(&Workflow{}).
		Scopes(common.NotDeleted(), common.ByAgency(agencyID))

	if f.EntityType != "" {
		query = query.Where("entity_type = ?", f.EntityType)
	}
	if f.Type != "" {
		query = query.Where("workflow_type = ?", f.Type)
	}
	if f.IsActive != nil {
		query = query.Where("is_active = ?", *f.IsActive)
	}
	if f.Keyword != "" {
		query = query.Where("name LIKE ?", "%"+f.Keyword+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计工作流失败: %w", err)
	}

	var workflows []*Workflow
	if err := query.
		Order("created_at DESC").
		Scopes(common.Paginate(f.PaginationRequest)).
		Find(&workflows).Error; err != nil {
		return nil, 0, fmt.Errorf("查询工作流列表失败: %w", err)
	}

	return workflows, total, nil
}

// StepRequest 步骤创建 / 更新请求
type StepRequest struct {
	StepNumber           int          `json:"stepNumber"` // 0 表示追加到末尾
	StepName             string       `json:"stepName"`
	StepType             string       `json:"stepType"`
	ApproverType         ApproverType `json:"approverType"`
	ApproverRole         string       `json:"approverRole"`
	ApproverEmail        string       `json:"approverEmail"`
	IsParallel           bool         `json:"isParallel"`
	IsRequired           bool         `json:"isRequired"`
	TimeoutHours         int          `json:"timeoutHours"`
	EscalationEnabled    bool         `json:"escalationEnabled"`
	EscalationAfterHours int          `json:"escalationAfterHours"`
}

func (r *StepRequest) validate() error {
	if strings.TrimSpace(r.StepName) == "" {
		return fmt.Errorf("%w: 步骤名称不能为空", ErrValidation)
	}
	switch r.ApproverType {
	case ApproverRole:
		if r.ApproverRole == "" {
			return fmt.Errorf("%w: role 类型步骤必须指定审批角色", ErrValidation)
		}
	case ApproverUser:
		if r.ApproverEmail == "" {
			return fmt.Errorf("%w: user 类型步骤必须指定审批人邮箱", ErrValidation)
		}
	case ApproverDynamic:
	default:
		return fmt.Errorf("%w: 未知的审批人类型 %s", ErrValidation, r.ApproverType)
	}
	if r.EscalationEnabled {
		if r.EscalationAfterHours <= 0 {
			return fmt.Errorf("%w: 启用升级时必须设置升级等待小时数", ErrValidation)
		}
		// 升级必须先于最终超时触发
		if r.TimeoutHours > 0 && r.EscalationAfterHours >= r.TimeoutHours {
			return fmt.Errorf("%w: 升级等待必须早于超时", ErrValidation)
		}
	}
	return nil
}

// AddStep 新增步骤。
// stepNumber=0 追加到末尾；指定位置时原有步骤向后顺移，保持编号连续。
// 并行组成员（is_parallel）与既有步骤共享同一 step_number，不做顺移。
func (s *DefinitionService) AddStep(ctx context.Context, agencyID, workflowID string, req *StepRequest) (*WorkflowStep, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	wf, err := s.Get(ctx, agencyID, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.IsSystem {
		return nil, ErrImmutableSystemWorkflow
	}

	var step *WorkflowStep
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		if err := tx.Model(&WorkflowStep{}).
			Where("workflow_id = ?", workflowID).
			Select("COALESCE(MAX(step_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return fmt.Errorf("查询步骤编号失败: %w", err)
		}

		number := req.StepNumber
		if number <= 0 || number > maxNumber+1 {
			number = maxNumber + 1
		}

		// 非并行插入时把后续步骤整体顺移
		if !req.IsParallel && number <= maxNumber {
			if err := tx.Model(&WorkflowStep{}).
				Where("workflow_id = ? AND step_number >= ?", workflowID, number).
				Update("step_number", gorm.Expr("step_number + 1")).Error; err != nil {
				return fmt.Errorf("顺移步骤失败: %w", err)
			}
		}

		step = &WorkflowStep{
			ID:                   uuid.New().String(),
			AgencyID:             agencyID,
			WorkflowID:           workflowID,
			StepNumber:           number,
			StepName:             req.StepName,
			StepType:             req.StepType,
			ApproverType:         req.ApproverType,
			ApproverRole:         req.ApproverRole,
			ApproverEmail:        req.ApproverEmail,
			IsParallel:           req.IsParallel,
			IsRequired:           req.IsRequired,
			TimeoutHours:         req.TimeoutHours,
			EscalationEnabled:    req.EscalationEnabled,
			EscalationAfterHours: req.EscalationAfterHours,
		}
		if err := tx.Create(step).Error; err != nil {
			return fmt.Errorf("创建步骤失败: %w", err)
		}

		return s.bumpVersion(tx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// UpdateStep 更新步骤。任何步骤编辑都是结构性变更，递增版本。
func (s *DefinitionService) UpdateStep(ctx context.Context, agencyID, workflowID, stepID string, req *StepRequest) (*WorkflowStep, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	wf, err := s.Get(ctx, agencyID, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.IsSystem {
		return nil, ErrImmutableSystemWorkflow
	}

	var step WorkflowStep
	if err := s.db.WithContext(ctx).
		Where("id = ? AND workflow_id = ? AND agency_id = ?", stepID, workflowID, agencyID).
		First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询步骤失败: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		if err := tx.Model(&WorkflowStep{}).
			Where("workflow_id = ?", workflowID).
			Select("COALESCE(MAX(step_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return fmt.Errorf("查询步骤编号失败: %w", err)
		}

		// 步骤已在集合内，合法目标位是 1..maxNumber，越界收敛到末位，保持编号连续
		number := req.StepNumber
		if number > maxNumber {
			number = maxNumber
		}

		// 调整顺序：先从原位摘除，再插入目标位
		if number > 0 && number != step.StepNumber && !req.IsParallel {
			if err := tx.Model(&WorkflowStep{}).
				Where("workflow_id = ? AND step_number > ?", workflowID, step.StepNumber).
				Update("step_number", gorm.Expr("step_number - 1")).Error; err != nil {
				return fmt.Errorf("重排步骤失败: %w", err)
			}
			if err := tx.Model(&WorkflowStep{}).
				Where("workflow_id = ? AND step_number >= ? AND id <> ?", workflowID, number, stepID).
				Update("step_number", gorm.Expr("step_number + 1")).Error; err != nil {
				return fmt.Errorf("重排步骤失败: %w", err)
			}
			step.StepNumber = number
		} else if number > 0 {
			step.StepNumber = number
		}

		step.StepName = req.StepName
		step.StepType = req.StepType
		step.ApproverType = req.ApproverType
		step.ApproverRole = req.ApproverRole
		step.ApproverEmail = req.ApproverEmail
		step.IsParallel = req.IsParallel
		step.IsRequired = req.IsRequired
		step.TimeoutHours = req.TimeoutHours
		step.EscalationEnabled = req.EscalationEnabled
		step.EscalationAfterHours = req.EscalationAfterHours

		if err := tx.Save(&step).Error; err != nil {
			return fmt.Errorf("更新步骤失败: %w", err)
		}

		return s.bumpVersion(tx, workflowID)
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// DeleteStep 删除步骤。当前仍有实例停留在该步骤且存在未决审批时拒绝。
func (s *DefinitionService) DeleteStep(ctx context.Context, agencyID, workflowID, stepID string) error {
	wf, err := s.Get(ctx, agencyID, workflowID)
	if err != nil {
		return err
	}
	if wf.IsSystem {
		return ErrImmutableSystemWorkflow
	}

	var step WorkflowStep
	if err := s.db.WithContext(ctx).
		Where("id = ? AND workflow_id = ? AND agency_id = ?", stepID, workflowID, agencyID).
		First(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("查询步骤失败: %w", err)
	}

	var pendingApprovals int64
	if err := s.db.WithContext(ctx).
		Model(&StepApproval{}).
		Joins("JOIN workflow_instances ON workflow_instances.id = workflow_step_approvals.instance_id").
		Where("workflow_instances.workflow_id = ? AND workflow_instances.status = ?", workflowID, StatusInProgress).
		Where("workflow_step_approvals.step_number = ? AND workflow_step_approvals.decision = ?", step.StepNumber, DecisionPending).
		Count(&pendingApprovals).Error; err != nil {
		return fmt.Errorf("查询未决审批失败: %w", err)
	}
	if pendingApprovals > 0 {
		return ErrStepInUse
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&step).Error; err != nil {
			return fmt.Errorf("删除步骤失败: %w", err)
		}

		// 仅当该编号下没有其他并行成员时才收缩编号
		var siblings int64
		if err := tx.Model(&WorkflowStep{}).
			Where("workflow_id = ? AND step_number = ?", workflowID, step.StepNumber).
			Count(&siblings).Error; err != nil {
			return fmt.Errorf("查询并行成员失败: %w", err)
		}
		if siblings == 0 {
			if err := tx.Model(&WorkflowStep{}).
				Where("workflow_id = ? AND step_number > ?", workflowID, step.StepNumber).
				Update("step_number", gorm.Expr("step_number - 1")).Error; err != nil {
				return fmt.Errorf("收缩步骤编号失败: %w", err)
			}
		}

		return s.bumpVersion(tx, workflowID)
	})
}

// ListSteps 查询工作流的当前步骤（按编号升序）
func (s *DefinitionService) ListSteps(ctx context.Context, agencyID, workflowID string) ([]*WorkflowStep, error) {
	var steps []*WorkflowStep
	if err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND agency_id = ?", workflowID, agencyID).
		Order("step_number ASC, created_at ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("查询步骤失败: %w", err)
	}
	return steps, nil
}

// bumpVersion 结构性编辑：版本递增并刷新 step_count
func (s *DefinitionService) bumpVersion(tx *gorm.DB, workflowID string) error {
	var count int64
	if err := tx.Model(&WorkflowStep{}).
		Where("workflow_id = ?", workflowID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("统计步骤失败: %w", err)
	}

	if err := tx.Model(&Workflow{}).
		Where("id = ?", workflowID).
		Updates(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"step_count": count,
		}).Error; err != nil {
		return fmt.Errorf("更新版本失败: %w", err)
	}
	return nil
}

// EnsureSnapshot 确保 (workflow_id, version) 的步骤快照存在。
// 首个实例创建时调用，将当前步骤固化；快照一经写入不再变更。
func (s *DefinitionService) EnsureSnapshot(tx *gorm.DB, wf *Workflow) error {
	var existing int64
	if err := tx.Model(&WorkflowStepSnapshot{}).
		Where("workflow_id = ? AND workflow_version = ?", wf.ID, wf.Version).
		Count(&existing).Error; err != nil {
		return fmt.Errorf("查询步骤快照失败: %w", err)
	}
	if existing > 0 {
		return nil
	}

	var steps []*WorkflowStep
	if err := tx.Where("workflow_id = ?", wf.ID).
		Order("step_number ASC, created_at ASC").
		Find(&steps).Error; err != nil {
		return fmt.Errorf("查询步骤失败: %w", err)
	}
	if len(steps) == 0 {
		return fmt.Errorf("%w: 工作流没有步骤，无法启动实例", ErrValidation)
	}

	snapshots := make([]*WorkflowStepSnapshot, 0, len(steps))
	for _, st := range steps {
		snapshots = append(snapshots, &WorkflowStepSnapshot{
			ID:                   uuid.New().String(),
			AgencyID:             st.AgencyID,
			WorkflowID:           wf.ID,
			WorkflowVersion:      wf.Version,
			StepNumber:           st.StepNumber,
			StepName:             st.StepName,
			StepType:             st.StepType,
			ApproverType:         st.ApproverType,
			ApproverRole:         st.ApproverRole,
			ApproverEmail:        st.ApproverEmail,
			IsParallel:           st.IsParallel,
			IsRequired:           st.IsRequired,
			TimeoutHours:         st.TimeoutHours,
			EscalationEnabled:    st.EscalationEnabled,
			EscalationAfterHours: st.EscalationAfterHours,
		})
	}

	if err := tx.Create(&snapshots).Error; err != nil {
		return fmt.Errorf("固化步骤快照失败: %w", err)
	}
	return nil
}

// SnapshotSteps 查询指定版本的步骤快照
func (s *DefinitionService) SnapshotSteps(ctx context.Context, workflowID string, version int) ([]*WorkflowStepSnapshot, error) {
	var snapshots []*WorkflowStepSnapshot
	if err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND workflow_version = ?", workflowID, version).
		Order("step_number ASC, created_at ASC").
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("查询步骤快照失败: %w", err)
	}
	return snapshots, nil
}
