package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend/internal/common"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/notification"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Engine 实例状态机。
// 决策路径依赖条件更新（decision = pending 的 CAS）防止重复决策，
// 组完成判定在持有实例行锁的同一事务内重读，避免两个"最后一票"并发推进。
type Engine struct {
	db             *gorm.DB
	defs           *DefinitionService
	resolver       *Resolver
	notifier       notification.Notifier
	directory      Directory
	escalationRole string
	tickBatch      int
}

// EngineOption 配置引擎
type EngineOption func(*Engine)

// WithEscalationRole 设置升级提醒的兜底角色
func WithEscalationRole(role string) EngineOption {
	return func(e *Engine) { e.escalationRole = role }
}

// WithTickBatchSize 设置单次时钟扫描的处理上限
func WithTickBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.tickBatch = n
		}
	}
}

// NewEngine 创建实例状态机
func NewEngine(db *gorm.DB, defs *DefinitionService, resolver *Resolver, notifier notification.Notifier, directory Directory, opts ...EngineOption) *Engine {
	e := &Engine{
		db:             db,
		defs:           defs,
		resolver:       resolver,
		notifier:       notifier,
		directory:      directory,
		escalationRole: "admin",
		tickBatch:      200,
	}
	if e.notifier == nil {
		e.notifier = notification.NopNotifier{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// StartInstanceRequest 启动实例请求
type StartInstanceRequest struct {
	WorkflowID       string `json:"workflowId"`
	TargetEntityType string `json:"targetEntityType"`
	TargetEntityID   string `json:"targetEntityId"`
	StartedBy        string `json:"startedBy"`
}

// StartInstance 创建实例并打开第一组审批。
// 版本在此刻固定；审批人解析失败时实例停在 pending 并带警示，等待重试。
func (e *Engine) StartInstance(ctx context.Context, agencyID string, req *StartInstanceRequest) (*WorkflowInstance, error) {
	if req.WorkflowID == "" || req.TargetEntityType == "" || req.TargetEntityID == "" {
		return nil, fmt.Errorf("%w: workflowId / targetEntityType / targetEntityId 均不能为空", ErrValidation)
	}

	var (
		instance *WorkflowInstance
		pending  []*notification.Message
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wf Workflow
		if err := tx.
			Scopes(common.NotDeleted(), common.ByAgency(agencyID)).
			Where("id = ?", req.WorkflowID).
			First(&wf).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("查询工作流失败: %w", err)
		}
		if !wf.IsActive {
			return fmt.Errorf("%w: 工作流未启用", ErrValidation)
		}
		if req.TargetEntityType != wf.EntityType {
			return fmt.Errorf("%w: 实体类型 %s 与工作流不匹配", ErrValidation, req.TargetEntityType)
		}

		if err := e.defs.EnsureSnapshot(tx, &wf); err != nil {
			return err
		}

		instance = &WorkflowInstance{
			ID:               uuid.New().String(),
			AgencyID:         agencyID,
			WorkflowID:       wf.ID,
			WorkflowVersion:  wf.Version,
			TargetEntityType: req.TargetEntityType,
			TargetEntityID:   req.TargetEntityID,
			Status:           StatusPending,
			StartedBy:        req.StartedBy,
		}
		if err := tx.Create(instance).Error; err != nil {
			return fmt.Errorf("创建实例失败: %w", err)
		}

		if err := tx.Model(&Workflow{}).
			Where("id = ?", wf.ID).
			Update("instance_count", gorm.Expr("instance_count + 1")).Error; err != nil {
			return fmt.Errorf("更新实例计数失败: %w", err)
		}

		msgs, err := e.openNextGroup(tx, instance, 0)
		if err != nil {
			if errors.Is(err, ErrUnresolvedApprover) {
				// 阻塞而非失败：保持 pending，记录警示等待重试
				instance.ApproverWarning = err.Error()
				return tx.Model(instance).
					Update("approver_warning", instance.ApproverWarning).Error
			}
			return err
		}
		pending = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WorkflowInstancesStarted.WithLabelValues(instance.TargetEntityType, agencyID).Inc()
	e.send(ctx, pending)

	logger.Info("工作流实例已启动",
		zap.String("instance_id", instance.ID),
		zap.String("workflow_id", instance.WorkflowID),
		zap.Int("workflow_version", instance.WorkflowVersion),
		zap.String("status", string(instance.Status)),
	)
	return instance, nil
}

// openNextGroup 打开 after 之后的下一组审批。
// 没有下一组时将实例置为 approved 终态。调用方须在事务内使用。
func (e *Engine) openNextGroup(tx *gorm.DB, instance *WorkflowInstance, after int) ([]*notification.Message, error) {
	snapshots, err := e.snapshotSteps(tx, instance)
	if err != nil {
		return nil, err
	}

	group := NextGroup(snapshots, after)
	if group == nil {
		return e.finalize(tx, instance, StatusApproved, "")
	}

	resolved, err := e.resolver.ResolveGroup(tx.Statement.Context, instance.AgencyID, group, instance.TargetEntityType, instance.TargetEntityID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var msgs []*notification.Message
	for _, rs := range resolved {
		var timeoutAt, escalateAt *time.Time
		if rs.Step.TimeoutHours > 0 {
			t := now.Add(time.Duration(rs.Step.TimeoutHours) * time.Hour)
			timeoutAt = &t
		}
		if rs.Step.EscalationEnabled && rs.Step.EscalationAfterHours > 0 {
			t := now.Add(time.Duration(rs.Step.EscalationAfterHours) * time.Hour)
			escalateAt = &t
		}

		userIDs := make([]string, 0, len(rs.Approvers))
		for _, u := range rs.Approvers {
			userIDs = append(userIDs, u.ID)
			approval := &StepApproval{
				ID:            uuid.New().String(),
				AgencyID:      instance.AgencyID,
				InstanceID:    instance.ID,
				StepNumber:    group.StepNumber,
				StepName:      rs.Step.StepName,
				IsRequired:    rs.Step.IsRequired,
				ApproverID:    u.ID,
				ApproverEmail: u.Email,
				Decision:      DecisionPending,
				OpenedAt:      now,
				TimeoutAt:     timeoutAt,
				EscalateAt:    escalateAt,
			}
			if err := tx.Create(approval).Error; err != nil {
				return nil, fmt.Errorf("创建审批失败: %w", err)
			}
		}

		msgs = append(msgs, &notification.Message{
			AgencyID:   instance.AgencyID,
			UserIDs:    userIDs,
			Kind:       notification.KindApprovalRequested,
			Title:      fmt.Sprintf("待审批：%s", rs.Step.StepName),
			Body:       fmt.Sprintf("%s %s 等待你的审批", instance.TargetEntityType, instance.TargetEntityID),
			EntityType: instance.TargetEntityType,
			EntityID:   instance.TargetEntityID,
			InstanceID: instance.ID,
			CreatedAt:  now,
		})
	}

	res := tx.Model(&WorkflowInstance{}).
		Where("id = ? AND status IN ? AND current_step_number = ?",
			instance.ID,
			[]InstanceStatus{StatusPending, StatusInProgress},
			instance.CurrentStepNumber).
		Updates(map[string]any{
			"status":              StatusInProgress,
			"current_step_number": group.StepNumber,
			"approver_warning":    "",
		})
	if res.Error != nil {
		return nil, fmt.Errorf("推进实例失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// 并发写已改变实例状态，放弃本次推进
		return nil, ErrInstanceTerminal
	}
	instance.Status = StatusInProgress
	instance.CurrentStepNumber = group.StepNumber
	instance.ApproverWarning = ""

	return msgs, nil
}

// finalize 将实例置为终态。条件更新失败说明状态已被并发变更。
func (e *Engine) finalize(tx *gorm.DB, instance *WorkflowInstance, status InstanceStatus, reason string) ([]*notification.Message, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       status,
		"completed_at": now,
	}
	if reason != "" {
		updates["cancel_reason"] = reason
	}

	res := tx.Model(&WorkflowInstance{}).
		Where("id = ? AND status IN ?", instance.ID,
			[]InstanceStatus{StatusPending, StatusInProgress}).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("更新实例状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrInstanceTerminal
	}

	// 清理残留的未决审批
	if err := tx.Model(&StepApproval{}).
		Where("instance_id = ? AND decision = ?", instance.ID, DecisionPending).
		Update("decision", DecisionCancelled).Error; err != nil {
		return nil, fmt.Errorf("关闭未决审批失败: %w", err)
	}

	instance.Status = status
	instance.CompletedAt = &now

	msg := &notification.Message{
		AgencyID:   instance.AgencyID,
		UserIDs:    []string{instance.StartedBy},
		Kind:       notification.KindInstanceFinished,
		Title:      fmt.Sprintf("工作流已结束：%s", status),
		Body:       fmt.Sprintf("%s %s 的审批流程已结束，最终状态 %s", instance.TargetEntityType, instance.TargetEntityID, status),
		EntityType: instance.TargetEntityType,
		EntityID:   instance.TargetEntityID,
		InstanceID: instance.ID,
		CreatedAt:  now,
	}
	if instance.StartedBy == "" {
		msg.UserIDs = nil
	}
	return []*notification.Message{msg}, nil
}

// RecordDecision 记录一名审批人的决策。
// 仅在实例 in_progress 且该审批属于当前打开的组时合法；重复决策返回 ErrAlreadyDecided。
func (e *Engine) RecordDecision(ctx context.Context, agencyID, instanceID, approverID string, decision Decision, comment string) (*WorkflowInstance, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, fmt.Errorf("%w: 决策只能是 approved 或 rejected", ErrValidation)
	}

	var (
		instance *WorkflowInstance
		pending  []*notification.Message
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		instance, err = e.lockInstance(tx, agencyID, instanceID)
		if err != nil {
			return err
		}
		if instance.Status.IsTerminal() {
			return ErrInstanceTerminal
		}
		if instance.Status != StatusInProgress {
			return fmt.Errorf("%w: 实例尚未打开审批", ErrValidation)
		}

		var approval StepApproval
		if err := tx.
			Where("instance_id = ? AND step_number = ? AND approver_id = ?",
				instanceID, instance.CurrentStepNumber, approverID).
			First(&approval).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: 当前步骤没有该审批人的审批", ErrNotFound)
			}
			return fmt.Errorf("查询审批失败: %w", err)
		}
		if approval.Decision != DecisionPending {
			return ErrAlreadyDecided
		}

		// CAS：只有仍为 pending 时才写入决策
		now := time.Now().UTC()
		res := tx.Model(&StepApproval{}).
			Where("id = ? AND decision = ?", approval.ID, DecisionPending).
			Updates(map[string]any{
				"decision":   decision,
				"comment":    comment,
				"decided_by": approverID,
				"decided_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("写入决策失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyDecided
		}

		// 必需审批人驳回：fail-fast，整个实例立即驳回，组内其余审批关闭
		if decision == DecisionRejected && approval.IsRequired {
			msgs, err := e.finalize(tx, instance, StatusRejected, "")
			if err != nil {
				return err
			}
			pending = msgs
			return nil
		}

		// 重读组完成状态：必需审批全部通过才推进
		var openRequired int64
		if err := tx.Model(&StepApproval{}).
			Where("instance_id = ? AND step_number = ? AND is_required = ? AND decision = ?",
				instanceID, instance.CurrentStepNumber, true, DecisionPending).
			Count(&openRequired).Error; err != nil {
			return fmt.Errorf("查询组完成状态失败: %w", err)
		}
		if openRequired > 0 {
			return nil
		}

		// 组已完成：关闭未决的可选审批，推进到下一组
		if err := tx.Model(&StepApproval{}).
			Where("instance_id = ? AND step_number = ? AND decision = ?",
				instanceID, instance.CurrentStepNumber, DecisionPending).
			Update("decision", DecisionCancelled).Error; err != nil {
			return fmt.Errorf("关闭可选审批失败: %w", err)
		}

		msgs, err := e.openNextGroup(tx, instance, instance.CurrentStepNumber)
		if err != nil {
			if errors.Is(err, ErrUnresolvedApprover) {
				instance.ApproverWarning = err.Error()
				return tx.Model(&WorkflowInstance{}).
					Where("id = ?", instanceID).
					Update("approver_warning", instance.ApproverWarning).Error
			}
			return err
		}
		pending = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 指标在事务提交之后再写，回滚时不产生脏计数
	metrics.ApprovalDecisionsTotal.WithLabelValues(string(decision), agencyID).Inc()
	if instance.Status.IsTerminal() {
		e.recordFinished(instance)
	}
	e.send(ctx, pending)
	return instance, nil
}

// Cancel 取消实例，仅 pending / in_progress 可取消
func (e *Engine) Cancel(ctx context.Context, agencyID, instanceID, cancelledBy, reason string) (*WorkflowInstance, error) {
	var (
		instance *WorkflowInstance
		pending  []*notification.Message
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		instance, err = e.lockInstance(tx, agencyID, instanceID)
		if err != nil {
			return err
		}
		if instance.Status.IsTerminal() {
			return ErrInstanceTerminal
		}

		msgs, err := e.finalize(tx, instance, StatusCancelled, reason)
		if err != nil {
			return err
		}
		pending = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("工作流实例已取消",
		zap.String("instance_id", instanceID),
		zap.String("cancelled_by", cancelledBy),
	)
	e.recordFinished(instance)
	e.send(ctx, pending)
	return instance, nil
}

// Get 查询单个实例
func (e *Engine) Get(ctx context.Context, agencyID, instanceID string) (*WorkflowInstance, error) {
	var instance WorkflowInstance
	if err := e.db.WithContext(ctx).
		Scopes(common.ByAgency(agencyID)).
		Where("id = ?", instanceID).
		First(&instance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询实例失败: %w", err)
	}
	return &instance, nil
}

// InstanceFilter 实例列表过滤条件
type InstanceFilter struct {
	WorkflowID string
	EntityType string
	EntityID   string
	Status     InstanceStatus
	common.PaginationRequest
}

// ListInstances 查询实例列表
func (e *Engine) ListInstances(ctx context.Context, agencyID string, f InstanceFilter) ([]*WorkflowInstance, int64, error) {
	query := e.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Scopes(common.ByAgency(agencyID))

	if f.WorkflowID != "" {
		query = query.Where("workflow_id = ?", f.WorkflowID)
	}
	if f.EntityType != "" {
		query = query.Where("target_entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		query = query.Where("target_entity_id = ?", f.EntityID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计实例失败: %w", err)
	}

	var instances []*WorkflowInstance
	if err := query.
		Order("created_at DESC").
		Scopes(common.Paginate(f.PaginationRequest)).
		Find(&instances).Error; err != nil {
		return nil, 0, fmt.Errorf("查询实例列表失败: %w", err)
	}
	return instances, total, nil
}

// ListApprovals 查询实例的全部审批记录
func (e *Engine) ListApprovals(ctx context.Context, agencyID, instanceID string) ([]*StepApproval, error) {
	var approvals []*StepApproval
	if err := e.db.WithContext(ctx).
		Scopes(common.ByAgency(agencyID)).
		Where("instance_id = ?", instanceID).
		Order("step_number ASC, created_at ASC").
		Find(&approvals).Error; err != nil {
		return nil, fmt.Errorf("查询审批记录失败: %w", err)
	}
	return approvals, nil
}

// ListPendingApprovals 查询某审批人名下所有待处理审批
func (e *Engine) ListPendingApprovals(ctx context.Context, agencyID, approverID string, page common.PaginationRequest) ([]*StepApproval, int64, error) {
	query := e.db.WithContext(ctx).
		Model(&StepApproval{}).
		Joins("JOIN workflow_instances ON workflow_instances.id = workflow_step_approvals.instance_id").
		Where("workflow_step_approvals.agency_id = ?", agencyID).
		Where("workflow_step_approvals.approver_id = ?", approverID).
		Where("workflow_step_approvals.decision = ?", DecisionPending).
		Where("workflow_instances.status = ?", StatusInProgress).
		Where("workflow_step_approvals.step_number = workflow_instances.current_step_number")

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计待审批失败: %w", err)
	}

	var approvals []*StepApproval
	if err := query.
		Order("workflow_step_approvals.created_at ASC").
		Scopes(common.Paginate(page)).
		Find(&approvals).Error; err != nil {
		return nil, 0, fmt.Errorf("查询待审批失败: %w", err)
	}
	return approvals, total, nil
}

// TickResult 一次时钟扫描的结果
type TickResult struct {
	Escalated int `json:"escalated"`
	TimedOut  int `json:"timedOut"`
	Resumed   int `json:"resumed"`
}

// Tick 时钟扫描：触发升级提醒、关闭超时实例、重试被阻塞的实例。
// 所有写入都是条件更新，多 worker 并发执行是安全且幂等的。
func (e *Engine) Tick(ctx context.Context, now time.Time) (*TickResult, error) {
	start := time.Now()
	defer func() {
		metrics.EngineTickDuration.Observe(time.Since(start).Seconds())
	}()

	result := &TickResult{}

	if err := e.tickEscalations(ctx, now, result); err != nil {
		return result, err
	}
	if err := e.tickTimeouts(ctx, now, result); err != nil {
		return result, err
	}
	if err := e.tickBlocked(ctx, result); err != nil {
		return result, err
	}
	e.refreshPendingGauge(ctx)

	if result.Escalated > 0 || result.TimedOut > 0 || result.Resumed > 0 {
		logger.Info("时钟扫描完成",
			zap.Int("escalated", result.Escalated),
			zap.Int("timed_out", result.TimedOut),
			zap.Int("resumed", result.Resumed),
		)
	}
	return result, nil
}

// refreshPendingGauge 按机构刷新待审批数量，失败只记日志
func (e *Engine) refreshPendingGauge(ctx context.Context) {
	var rows []struct {
		AgencyID string
		Count    int64
	}
	err := e.db.WithContext(ctx).
		Model(&StepApproval{}).
		Select("agency_id, COUNT(*) AS count").
		Where("decision = ?", DecisionPending).
		Group("agency_id").
		Scan(&rows).Error
	if err != nil {
		logger.Warn("统计待审批数量失败", zap.Error(err))
		return
	}

	metrics.PendingApprovalsGauge.Reset()
	for _, row := range rows {
		metrics.PendingApprovalsGauge.WithLabelValues(row.AgencyID).Set(float64(row.Count))
	}
}

// tickEscalations 升级提醒：escalated_at 的空值检查保证每条审批只升级一次
func (e *Engine) tickEscalations(ctx context.Context, now time.Time, result *TickResult) error {
	var due []*StepApproval
	if err := e.db.WithContext(ctx).
		Joins("JOIN workflow_instances ON workflow_instances.id = workflow_step_approvals.instance_id").
		Where("workflow_instances.status = ?", StatusInProgress).
		Where("workflow_step_approvals.decision = ?", DecisionPending).
		Where("workflow_step_approvals.escalate_at IS NOT NULL AND workflow_step_approvals.escalate_at <= ?", now).
		Where("workflow_step_approvals.escalated_at IS NULL").
		Limit(e.tickBatch).
		Find(&due).Error; err != nil {
		return fmt.Errorf("查询待升级审批失败: %w", err)
	}

	for _, approval := range due {
		res := e.db.WithContext(ctx).
			Model(&StepApproval{}).
			Where("id = ? AND escalated_at IS NULL AND decision = ?", approval.ID, DecisionPending).
			Update("escalated_at", now)
		if res.Error != nil {
			return fmt.Errorf("标记升级失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue // 已被并发 worker 处理
		}

		result.Escalated++
		metrics.ApprovalsEscalatedTotal.WithLabelValues(approval.AgencyID).Inc()

		userIDs := []string{approval.ApproverID}
		if e.directory != nil && e.escalationRole != "" {
			if admins, err := e.directory.ResolveUsersWithRole(ctx, approval.AgencyID, e.escalationRole); err == nil {
				for _, u := range admins {
					if u.ID != approval.ApproverID {
						userIDs = append(userIDs, u.ID)
					}
				}
			}
		}

		e.send(ctx, []*notification.Message{{
			AgencyID:   approval.AgencyID,
			UserIDs:    userIDs,
			Kind:       notification.KindApprovalEscalated,
			Title:      fmt.Sprintf("审批升级提醒：%s", approval.StepName),
			Body:       fmt.Sprintf("审批 %s 长时间未处理，已触发升级提醒", approval.StepName),
			InstanceID: approval.InstanceID,
			CreatedAt:  now,
		}})
	}
	return nil
}

// tickTimeouts 超时关闭：实例状态的条件更新保证并发 worker 只有一个生效
func (e *Engine) tickTimeouts(ctx context.Context, now time.Time, result *TickResult) error {
	var due []*StepApproval
	if err := e.db.WithContext(ctx).
		Joins("JOIN workflow_instances ON workflow_instances.id = workflow_step_approvals.instance_id").
		Where("workflow_instances.status = ?", StatusInProgress).
		Where("workflow_step_approvals.decision = ?", DecisionPending).
		Where("workflow_step_approvals.timeout_at IS NOT NULL AND workflow_step_approvals.timeout_at <= ?", now).
		Limit(e.tickBatch).
		Find(&due).Error; err != nil {
		return fmt.Errorf("查询超时审批失败: %w", err)
	}

	seen := make(map[string]bool)
	for _, approval := range due {
		if seen[approval.InstanceID] {
			continue
		}
		seen[approval.InstanceID] = true

		var (
			pending  []*notification.Message
			finished *WorkflowInstance
		)
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			instance, err := e.lockInstance(tx, approval.AgencyID, approval.InstanceID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			}
			if instance.Status != StatusInProgress || instance.CurrentStepNumber != approval.StepNumber {
				return nil // 实例已被并发推进或关闭
			}

			msgs, err := e.finalize(tx, instance, StatusTimedOut, "")
			if err != nil {
				if errors.Is(err, ErrInstanceTerminal) {
					return nil
				}
				return err
			}
			pending = msgs
			finished = instance
			return nil
		})
		if err != nil {
			return err
		}
		if finished != nil {
			result.TimedOut++
			metrics.ApprovalsTimedOutTotal.WithLabelValues(finished.AgencyID).Inc()
			e.recordFinished(finished)
		}
		e.send(ctx, pending)
	}
	return nil
}

// tickBlocked 重试审批人解析被阻塞的实例（角色成员变化后自动恢复）
func (e *Engine) tickBlocked(ctx context.Context, result *TickResult) error {
	var blocked []*WorkflowInstance
	if err := e.db.WithContext(ctx).
		Where("status IN ? AND approver_warning <> ''",
			[]InstanceStatus{StatusPending, StatusInProgress}).
		Limit(e.tickBatch).
		Find(&blocked).Error; err != nil {
		return fmt.Errorf("查询阻塞实例失败: %w", err)
	}

	for _, instance := range blocked {
		if err := e.Resume(ctx, instance.AgencyID, instance.ID); err != nil {
			if errors.Is(err, ErrUnresolvedApprover) || errors.Is(err, ErrInstanceTerminal) {
				continue
			}
			return err
		}
		result.Resumed++
	}
	return nil
}

// Resume 重试打开被审批人解析阻塞的实例的当前组
func (e *Engine) Resume(ctx context.Context, agencyID, instanceID string) error {
	var pending []*notification.Message

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, err := e.lockInstance(tx, agencyID, instanceID)
		if err != nil {
			return err
		}
		if instance.Status.IsTerminal() {
			return ErrInstanceTerminal
		}
		if instance.ApproverWarning == "" {
			return nil
		}

		msgs, err := e.openNextGroup(tx, instance, instance.CurrentStepNumber)
		if err != nil {
			return err
		}
		pending = msgs
		return nil
	})
	if err != nil {
		return err
	}

	e.send(ctx, pending)
	return nil
}

// lockInstance 读取实例，postgres 下加行锁串行化同一实例上的并发决策
func (e *Engine) lockInstance(tx *gorm.DB, agencyID, instanceID string) (*WorkflowInstance, error) {
	query := tx.Scopes(common.ByAgency(agencyID)).Where("id = ?", instanceID)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var instance WorkflowInstance
	if err := query.First(&instance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询实例失败: %w", err)
	}
	return &instance, nil
}

func (e *Engine) snapshotSteps(tx *gorm.DB, instance *WorkflowInstance) ([]*WorkflowStepSnapshot, error) {
	var snapshots []*WorkflowStepSnapshot
	if err := tx.
		Where("workflow_id = ? AND workflow_version = ?", instance.WorkflowID, instance.WorkflowVersion).
		Order("step_number ASC, created_at ASC").
		Find(&snapshots).Error; err != nil {
		return nil, fmt.Errorf("查询步骤快照失败: %w", err)
	}
	return snapshots, nil
}

// recordFinished 上报终态指标，须在事务提交之后调用
func (e *Engine) recordFinished(instance *WorkflowInstance) {
	metrics.WorkflowInstancesFinished.WithLabelValues(instance.TargetEntityType, string(instance.Status)).Inc()
	if instance.CompletedAt != nil {
		metrics.WorkflowInstanceDuration.WithLabelValues(instance.TargetEntityType).
			Observe(instance.CompletedAt.Sub(instance.CreatedAt).Seconds())
	}
}

// send 在事务提交后发送通知，失败只记日志
func (e *Engine) send(ctx context.Context, msgs []*notification.Message) {
	for _, msg := range msgs {
		if msg == nil || len(msg.UserIDs) == 0 {
			continue
		}
		if err := e.notifier.Notify(ctx, msg); err != nil {
			logger.Warn("发送通知失败",
				zap.String("kind", string(msg.Kind)),
				zap.Error(err),
			)
		}
	}
}
