package workflow

import (
	"context"
	"testing"
	"time"

	"backend/internal/agency"
	"backend/internal/common"
	"backend/internal/metrics"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type engineFixture struct {
	db        *gorm.DB
	engine    *Engine
	defs      *DefinitionService
	resolver  *Resolver
	directory *agency.DirectoryService
}

func setupEngineTest(t *testing.T) *engineFixture {
	t.Helper()
	dsn := "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&agency.User{}, &agency.Role{}, &agency.UserRole{},
		&Workflow{}, &WorkflowStep{}, &WorkflowStepSnapshot{},
		&WorkflowInstance{}, &StepApproval{},
	))

	directory := agency.NewDirectoryService(db)
	defs := NewDefinitionService(db)
	resolver := NewResolver(directory)
	engine := NewEngine(db, defs, resolver, nil, directory)

	return &engineFixture{
		db:        db,
		engine:    engine,
		defs:      defs,
		resolver:  resolver,
		directory: directory,
	}
}

// seedApprover 创建用户并授予角色，返回该用户
func (f *engineFixture) seedApprover(t *testing.T, agencyID, email, roleCode string) *agency.User {
	t.Helper()
	ctx := context.Background()

	user, err := f.directory.CreateUser(ctx, &agency.CreateUserRequest{
		AgencyID: agencyID,
		Email:    email,
		Username: email,
	})
	require.NoError(t, err)

	if roleCode != "" {
		role, err := f.directory.EnsureRole(ctx, agencyID, roleCode, roleCode)
		require.NoError(t, err)
		require.NoError(t, f.directory.AssignRole(ctx, agencyID, user.ID, role.ID, ""))
	}
	return user
}

// seedWorkflow 创建带步骤的工作流
func (f *engineFixture) seedWorkflow(t *testing.T, agencyID, entityType string, steps ...*StepRequest) *Workflow {
	t.Helper()
	ctx := context.Background()

	wf, err := f.defs.Create(ctx, agencyID, &CreateWorkflowRequest{
		Name:       "测试审批流",
		EntityType: entityType,
		Type:       TypeApproval,
	})
	require.NoError(t, err)
	for _, step := range steps {
		_, err := f.defs.AddStep(ctx, agencyID, wf.ID, step)
		require.NoError(t, err)
	}

	current, err := f.defs.Get(ctx, agencyID, wf.ID)
	require.NoError(t, err)
	return current
}

func pageAll() common.PaginationRequest {
	return common.PaginationRequest{Page: 1, PageSize: 100}
}

func TestTwoStepApprovalFlow(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	manager := f.seedApprover(t, "agency-1", "manager@corp.cn", "manager")
	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")

	wf := f.seedWorkflow(t, "agency-1", "expense",
		approvalStep("直属上级", "manager"),
		approvalStep("财务", "finance"),
	)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
		StartedBy:        manager.ID,
	})
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, instance.Status)
	require.Equal(t, 1, instance.CurrentStepNumber)
	require.Equal(t, wf.Version, instance.WorkflowVersion)

	// 第一步只有 manager 的审批
	pending, total, err := f.engine.ListPendingApprovals(ctx, "agency-1", manager.ID, pageAll())
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, 1, pending[0].StepNumber)

	// 第一步通过，推进到第二步
	instance, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, manager.ID, DecisionApproved, "同意")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, instance.Status)
	require.Equal(t, 2, instance.CurrentStepNumber)

	// 第二步通过，实例终态 approved
	instance, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, finance.ID, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, instance.Status)
	require.NotNil(t, instance.CompletedAt)
}

func TestParallelGroupAdvancesWhenAllRequiredApprove(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	legal := f.seedApprover(t, "agency-1", "legal@corp.cn", "legal")
	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")

	legalStep := approvalStep("法务", "legal")
	financeStep := approvalStep("财务", "finance")
	financeStep.StepNumber = 1
	financeStep.IsParallel = true
	wf := f.seedWorkflow(t, "agency-1", "contract", legalStep, financeStep)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "contract",
		TargetEntityID:   "ct-1",
	})
	require.NoError(t, err)

	// 只有一名必需审批人通过：组未完成
	instance, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, legal.ID, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, instance.Status)

	// 全部必需审批人通过：没有后续组，实例 approved
	instance, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, finance.ID, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, instance.Status)
}

func TestRequiredRejectionFailsFast(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	legal := f.seedApprover(t, "agency-1", "legal@corp.cn", "legal")
	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")
	_ = legal

	legalStep := approvalStep("法务", "legal")
	financeStep := approvalStep("财务", "finance")
	financeStep.StepNumber = 1
	financeStep.IsParallel = true
	wf := f.seedWorkflow(t, "agency-1", "contract", legalStep, financeStep)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "contract",
		TargetEntityID:   "ct-1",
	})
	require.NoError(t, err)

	// 必需审批人驳回：实例立即 rejected
	instance, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, finance.ID, DecisionRejected, "金额超限")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, instance.Status)

	// 组内其余未决审批被关闭
	approvals, err := f.engine.ListApprovals(ctx, "agency-1", instance.ID)
	require.NoError(t, err)
	decisions := map[Decision]int{}
	for _, a := range approvals {
		decisions[a.Decision]++
	}
	require.Equal(t, 1, decisions[DecisionRejected])
	require.Equal(t, 1, decisions[DecisionCancelled])
	require.Zero(t, decisions[DecisionPending])

	// 终态后不再接受决策
	_, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, legal.ID, DecisionApproved, "")
	require.ErrorIs(t, err, ErrInstanceTerminal)
}

func TestOptionalApprovalClosedOnAdvance(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	legal := f.seedApprover(t, "agency-1", "legal@corp.cn", "legal")
	observer := f.seedApprover(t, "agency-1", "observer@corp.cn", "observer")
	_ = observer

	requiredStep := approvalStep("法务", "legal")
	optionalStep := approvalStep("列席", "observer")
	optionalStep.StepNumber = 1
	optionalStep.IsParallel = true
	optionalStep.IsRequired = false
	wf := f.seedWorkflow(t, "agency-1", "contract", requiredStep, optionalStep)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "contract",
		TargetEntityID:   "ct-1",
	})
	require.NoError(t, err)

	// 必需审批全部通过即推进，可选审批被关闭
	instance, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, legal.ID, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, instance.Status)

	approvals, err := f.engine.ListApprovals(ctx, "agency-1", instance.ID)
	require.NoError(t, err)
	for _, a := range approvals {
		require.NotEqual(t, DecisionPending, a.Decision)
	}
}

func TestDuplicateDecisionRejected(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	manager := f.seedApprover(t, "agency-1", "manager@corp.cn", "manager")
	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")
	_ = finance

	wf := f.seedWorkflow(t, "agency-1", "expense",
		approvalStep("直属上级", "manager"),
		approvalStep("财务", "finance"),
	)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
	})
	require.NoError(t, err)

	_, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, manager.ID, DecisionApproved, "")
	require.NoError(t, err)

	// 同一审批人重复决策
	_, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, manager.ID, DecisionRejected, "")
	require.ErrorIs(t, err, ErrAlreadyDecided)

	// 不是当前步骤审批人
	_, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, uuid.New().String(), DecisionApproved, "")
	require.ErrorIs(t, err, ErrNotFound)

	// 只接受 approved / rejected
	_, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, manager.ID, DecisionEscalated, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestInstancePinsWorkflowVersion(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")
	f.seedApprover(t, "agency-1", "ceo@corp.cn", "ceo")

	wf := f.seedWorkflow(t, "agency-1", "expense", approvalStep("财务", "finance"))

	first, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
	})
	require.NoError(t, err)
	require.Equal(t, wf.Version, first.WorkflowVersion)

	// 模板新增一步，版本递增；已在途实例不受影响
	_, err = f.defs.AddStep(ctx, "agency-1", wf.ID, approvalStep("总经理", "ceo"))
	require.NoError(t, err)

	second, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-2",
	})
	require.NoError(t, err)
	require.Equal(t, wf.Version+1, second.WorkflowVersion)

	// 旧实例按旧快照执行：一步通过即 approved
	first, err = f.engine.RecordDecision(ctx, "agency-1", first.ID, finance.ID, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, first.Status)

	// 新实例按新快照执行：还有第二步
	second, err = f.engine.RecordDecision(ctx, "agency-1", second.ID, finance.ID, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, second.Status)
	require.Equal(t, 2, second.CurrentStepNumber)
}

func TestEscalationOnceThenTimeout(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")
	_ = finance

	step := approvalStep("财务", "finance")
	step.TimeoutHours = 24
	step.EscalationEnabled = true
	step.EscalationAfterHours = 12
	wf := f.seedWorkflow(t, "agency-1", "expense", step)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
	})
	require.NoError(t, err)

	// 12 小时前：无事发生
	result, err := f.engine.Tick(ctx, time.Now().UTC().Add(11*time.Hour))
	require.NoError(t, err)
	require.Zero(t, result.Escalated)
	require.Zero(t, result.TimedOut)

	// 13 小时：触发升级提醒，审批保持可决策
	result, err = f.engine.Tick(ctx, time.Now().UTC().Add(13*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Escalated)

	approvals, err := f.engine.ListApprovals(ctx, "agency-1", instance.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionPending, approvals[0].Decision)
	require.NotNil(t, approvals[0].EscalatedAt)

	// 再次扫描不重复升级
	result, err = f.engine.Tick(ctx, time.Now().UTC().Add(14*time.Hour))
	require.NoError(t, err)
	require.Zero(t, result.Escalated)

	// 25 小时：超时关闭
	result, err = f.engine.Tick(ctx, time.Now().UTC().Add(25*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.TimedOut)

	instance, err = f.engine.Get(ctx, "agency-1", instance.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, instance.Status)

	approvals, err = f.engine.ListApprovals(ctx, "agency-1", instance.ID)
	require.NoError(t, err)
	require.Equal(t, DecisionCancelled, approvals[0].Decision)
}

func TestEscalatedApprovalStillDecidable(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")

	step := approvalStep("财务", "finance")
	step.TimeoutHours = 24
	step.EscalationEnabled = true
	step.EscalationAfterHours = 12
	wf := f.seedWorkflow(t, "agency-1", "expense", step)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
	})
	require.NoError(t, err)

	result, err := f.engine.Tick(ctx, time.Now().UTC().Add(13*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, result.Escalated)

	// 升级只是提醒，原审批人仍可决策
	instance, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, finance.ID, DecisionApproved, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, instance.Status)
}

func TestCancelInstance(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	finance := f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")

	wf := f.seedWorkflow(t, "agency-1", "expense", approvalStep("财务", "finance"))

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
	})
	require.NoError(t, err)

	instance, err = f.engine.Cancel(ctx, "agency-1", instance.ID, "someone", "申请人撤回")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, instance.Status)

	got, err := f.engine.Get(ctx, "agency-1", instance.ID)
	require.NoError(t, err)
	require.Equal(t, "申请人撤回", got.CancelReason)

	// 终态幂等保护
	_, err = f.engine.Cancel(ctx, "agency-1", instance.ID, "someone", "")
	require.ErrorIs(t, err, ErrInstanceTerminal)
	_, err = f.engine.RecordDecision(ctx, "agency-1", instance.ID, finance.ID, DecisionApproved, "")
	require.ErrorIs(t, err, ErrInstanceTerminal)
}

func TestUnresolvedApproverBlocksThenResumes(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	// finance 角色尚不存在：实例应阻塞而非失败
	wf := f.seedWorkflow(t, "agency-1", "expense", approvalStep("财务", "finance"))

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, instance.Status)
	require.NotEmpty(t, instance.ApproverWarning)

	// 角色补齐成员后时钟扫描自动恢复
	f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")

	result, err := f.engine.Tick(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, result.Resumed)

	got, err := f.engine.Get(ctx, "agency-1", instance.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, got.Status)
	require.Empty(t, got.ApproverWarning)
	require.Equal(t, 1, got.CurrentStepNumber)
}

func TestDynamicApproverResolution(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	boss := f.seedApprover(t, "agency-1", "boss@corp.cn", "")

	step := &StepRequest{
		StepName:     "直属上级",
		StepType:     "approval",
		ApproverType: ApproverDynamic,
		IsRequired:   true,
	}
	wf := f.seedWorkflow(t, "agency-1", "leave_request", step)

	f.resolver.RegisterDynamic("leave_request", func(ctx context.Context, agencyID, entityType, entityID string) ([]*agency.User, error) {
		return []*agency.User{boss}, nil
	})

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "leave_request",
		TargetEntityID:   "lv-1",
	})
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, instance.Status)

	pending, total, err := f.engine.ListPendingApprovals(ctx, "agency-1", boss.ID, pageAll())
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, boss.ID, pending[0].ApproverID)
}

func TestStartInstanceValidation(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")
	wf := f.seedWorkflow(t, "agency-1", "expense", approvalStep("财务", "finance"))

	// 实体类型与模板不匹配
	_, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "contract",
		TargetEntityID:   "ct-1",
	})
	require.ErrorIs(t, err, ErrValidation)

	// 未启用的工作流拒绝启动
	active := false
	_, err = f.defs.Update(ctx, "agency-1", wf.ID, &UpdateWorkflowRequest{IsActive: &active})
	require.NoError(t, err)
	_, err = f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-1",
	})
	require.ErrorIs(t, err, ErrValidation)

	// 没有步骤的工作流无法启动
	empty := f.seedWorkflow(t, "agency-1", "expense")
	_, err = f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       empty.ID,
		TargetEntityType: "expense",
		TargetEntityID:   "exp-2",
	})
	require.ErrorIs(t, err, ErrValidation)

	// 不存在的工作流
	_, err = f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       uuid.New().String(),
		TargetEntityType: "expense",
		TargetEntityID:   "exp-3",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFinishedMetricRecordedOncePerInstance(t *testing.T) {
	ctx := context.Background()
	f := setupEngineTest(t)

	f.seedApprover(t, "agency-1", "finance@corp.cn", "finance")
	wf := f.seedWorkflow(t, "agency-1", "travel", approvalStep("财务", "finance"))

	counter := metrics.WorkflowInstancesFinished.WithLabelValues("travel", string(StatusCancelled))
	before := testutil.ToFloat64(counter)

	instance, err := f.engine.StartInstance(ctx, "agency-1", &StartInstanceRequest{
		WorkflowID:       wf.ID,
		TargetEntityType: "travel",
		TargetEntityID:   "trip-1",
	})
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, "agency-1", instance.ID, "someone", "行程取消")
	require.NoError(t, err)
	require.Equal(t, before+1, testutil.ToFloat64(counter))

	// 失败的取消不产生计数
	_, err = f.engine.Cancel(ctx, "agency-1", instance.ID, "someone", "")
	require.ErrorIs(t, err, ErrInstanceTerminal)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}
